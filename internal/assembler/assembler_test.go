package assembler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/relay/pkg/models"
)

func newTestAssembler(t *testing.T) *Assembler {
	t.Helper()
	est, err := NewEstimator("chars4")
	require.NoError(t, err)
	ignores, err := NewIgnoreSet(DefaultIgnores, nil)
	require.NoError(t, err)
	return New(est, ignores, 4, nil)
}

// writeFile creates a file with content of exactly n*4 characters, i.e. n
// tokens under the chars4 estimator.
func writeTokens(t *testing.T, dir, name string, tokens int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("abc ", tokens)), 0o600))
	return path
}

func inlinePaths(res *Result) []string {
	var out []string
	for _, f := range res.Inline {
		out = append(out, filepath.Base(f.AbsPath))
	}
	return out
}

func overflowPaths(res *Result) []string {
	var out []string
	for _, f := range res.Overflow {
		out = append(out, filepath.Base(f.AbsPath))
	}
	return out
}

func TestAssembleRespectsInlineBudget(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "small.txt", 100)
	writeTokens(t, dir, "medium.txt", 400)
	writeTokens(t, dir, "large.txt", 2000)

	a := newTestAssembler(t)
	res, err := a.Assemble(context.Background(), Input{
		ContextPaths:   []string{dir},
		ContextWindow:  100000,
		BudgetFraction: 0.01, // 1000 token budget
	})
	require.NoError(t, err)

	assert.Equal(t, 1000, res.Budget)
	assert.LessOrEqual(t, res.InlineTokens, res.Budget)
	assert.ElementsMatch(t, []string{"small.txt", "medium.txt"}, inlinePaths(res))
	assert.ElementsMatch(t, []string{"large.txt"}, overflowPaths(res))
	assert.Len(t, res.InlineHashes, 2)
}

func TestAssemblePriorityOverflowsBudget(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "a.txt", 800)
	writeTokens(t, dir, "b.txt", 900)
	other := writeTokens(t, dir, "c.txt", 10)

	a := newTestAssembler(t)
	res, err := a.Assemble(context.Background(), Input{
		ContextPaths:   []string{other},
		PriorityPaths:  []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "b.txt")},
		ContextWindow:  100000,
		BudgetFraction: 0.01,
	})
	require.NoError(t, err)

	// Priority alone (1700) exceeds the 1000 budget: inline is exactly the
	// priority files; everything else overflows.
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, inlinePaths(res))
	assert.ElementsMatch(t, []string{"c.txt"}, overflowPaths(res))
	assert.Greater(t, res.InlineTokens, res.Budget)
}

func TestAssemblePrefersStableInlineSet(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "first.txt", 600)
	writeTokens(t, dir, "second.txt", 600)

	a := newTestAssembler(t)

	// First call: only one of the two 600-token files fits the 1000 budget.
	res1, err := a.Assemble(context.Background(), Input{
		ContextPaths:   []string{dir},
		ContextWindow:  100000,
		BudgetFraction: 0.01,
	})
	require.NoError(t, err)
	require.Len(t, res1.Inline, 1)
	require.Len(t, res1.Overflow, 1)

	stable := map[string]bool{}
	for _, h := range res1.InlineHashes {
		stable[h] = true
	}

	// Second call with the stable set: the same file stays inline even
	// though both candidates are equal in size.
	res2, err := a.Assemble(context.Background(), Input{
		ContextPaths:   []string{dir},
		ContextWindow:  100000,
		BudgetFraction: 0.01,
		StableInline:   stable,
	})
	require.NoError(t, err)
	require.Len(t, res2.Inline, 1)
	assert.Equal(t, res1.Inline[0].AbsPath, res2.Inline[0].AbsPath)
}

func TestAssembleChangeDetection(t *testing.T) {
	dir := t.TempDir()
	path := writeTokens(t, dir, "file.txt", 100)

	a := newTestAssembler(t)
	res1, err := a.Assemble(context.Background(), Input{
		ContextPaths:  []string{dir},
		ContextWindow: 100000,
	})
	require.NoError(t, err)
	require.Len(t, res1.InlineHashes, 1)

	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("xyz ", 100)), 0o600))
	res2, err := a.Assemble(context.Background(), Input{
		ContextPaths:  []string{dir},
		ContextWindow: 100000,
	})
	require.NoError(t, err)
	require.Len(t, res2.InlineHashes, 1)
	assert.NotEqual(t, res1.InlineHashes[0], res2.InlineHashes[0])
}

func TestAssembleAttachmentsAlwaysOverflow(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "att.txt", 5)

	a := newTestAssembler(t)
	res, err := a.Assemble(context.Background(), Input{
		AttachmentPaths: []string{dir},
		ContextWindow:   100000,
	})
	require.NoError(t, err)
	assert.Empty(t, res.Inline)
	assert.ElementsMatch(t, []string{"att.txt"}, overflowPaths(res))
}

func TestAssembleDropsBinariesKeepsImagesForVision(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "code.go", 10)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), []byte{0x00, 0x01, 0x02, 0xFF}, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shot.png"), append([]byte{0x89, 0x50, 0x4E, 0x47, 0x00}, make([]byte, 64)...), 0o600))

	a := newTestAssembler(t)

	res, err := a.Assemble(context.Background(), Input{ContextPaths: []string{dir}, ContextWindow: 100000, Vision: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"code.go"}, inlinePaths(res))
	require.Len(t, res.Images, 1)
	assert.Equal(t, models.FileImage, res.Images[0].Kind)

	res, err = a.Assemble(context.Background(), Input{ContextPaths: []string{dir}, ContextWindow: 100000, Vision: false})
	require.NoError(t, err)
	assert.Empty(t, res.Images)
}

func TestAssembleHonorsIgnoreRules(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "keep.go", 10)
	writeTokens(t, dir, "node_modules/dep/index.js", 10)
	writeTokens(t, dir, "cache.pyc", 10)

	a := newTestAssembler(t)
	res, err := a.Assemble(context.Background(), Input{ContextPaths: []string{dir}, ContextWindow: 100000})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep.go"}, inlinePaths(res))
}

func TestAssembleMissingPathIsWarning(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "real.txt", 10)

	a := newTestAssembler(t)
	res, err := a.Assemble(context.Background(), Input{
		ContextPaths:  []string{dir, filepath.Join(dir, "ghost.txt")},
		ContextWindow: 100000,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"real.txt"}, inlinePaths(res))
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "ghost.txt")
}

func TestAssembleCancelled(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "a.txt", 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := newTestAssembler(t)
	_, err := a.Assemble(ctx, Input{ContextPaths: []string{dir}, ContextWindow: 100000})
	require.Error(t, err)
}

func TestAssembleRendersTree(t *testing.T) {
	dir := t.TempDir()
	writeTokens(t, dir, "src/main.go", 10)
	writeTokens(t, dir, "docs/big.md", 5000)

	a := newTestAssembler(t)
	res, err := a.Assemble(context.Background(), Input{
		ContextPaths:   []string{dir},
		ContextWindow:  100000,
		BudgetFraction: 0.01,
	})
	require.NoError(t, err)
	assert.Contains(t, res.Tree, "main.go")
	assert.Contains(t, res.Tree, "big.md [vector store]")
}

func TestEstimatorFallback(t *testing.T) {
	est, err := NewEstimator("chars4")
	require.NoError(t, err)
	assert.Equal(t, 0, est.Estimate(""))
	assert.Equal(t, 1, est.Estimate("abc"))
	assert.Equal(t, 3, est.Estimate("123456789"))
}

func TestIgnoreSetPatterns(t *testing.T) {
	set, err := NewIgnoreSet([]string{"*.log", "build/", "/top.txt", "docs/*.tmp"}, nil)
	require.NoError(t, err)

	assert.True(t, set.Match("server.log", false))
	assert.True(t, set.Match("build", true))
	assert.False(t, set.Match("build", false))
	assert.True(t, set.Match("top.txt", false))
	assert.False(t, set.Match("nested/top.txt", false))
	assert.True(t, set.Match("docs/scratch.tmp", false))
	assert.False(t, set.Match("main.go", false))
}
