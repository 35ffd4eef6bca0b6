package memory

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/storage"
)

// stubEmbedder maps known substrings to fixed vectors so similarity is
// deterministic.
type stubEmbedder struct {
	fail bool
}

func (e *stubEmbedder) Model() string { return "stub" }

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, errors.New("embedder down")
	}
	switch {
	case strings.Contains(text, "cats"):
		return []float32{1, 0, 0}, nil
	case strings.Contains(text, "dogs"):
		return []float32{0.9, 0.1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func newTestManager(t *testing.T, embedder Embedder, cfg config.MemoryConfig) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.db")
	_, err := storage.NewMigrator(path, nil).Up()
	require.NoError(t, err)
	db, err := storage.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return NewManager(db, embedder, cfg, nil, nil)
}

func TestRecordAndSearch(t *testing.T) {
	m := newTestManager(t, &stubEmbedder{}, config.MemoryConfig{Enabled: true})

	m.Record("s1", "chat", "openai", "tell me about cats", "cats are small felines")
	m.Record("s1", "chat", "openai", "tell me about dogs", "dogs are loyal")
	m.Record("s2", "chat", "openai", "explain quicksort", "pivot and partition")
	m.Flush()

	hits, err := m.Search(context.Background(), "more about cats please", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Contains(t, hits[0].Entry.Summary, "cats")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestSearchSessionScopesResults(t *testing.T) {
	m := newTestManager(t, &stubEmbedder{}, config.MemoryConfig{Enabled: true})

	m.Record("s1", "chat", "openai", "about cats", "feline answer")
	m.Record("s2", "chat", "openai", "about cats", "other session")
	m.Flush()

	hits, err := m.SearchSession(context.Background(), "s1", "cats", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "s1", hits[0].Entry.SessionID)
}

func TestRecordHonorsOptOut(t *testing.T) {
	m := newTestManager(t, &stubEmbedder{}, config.MemoryConfig{
		Enabled:        true,
		OptOutFamilies: []string{"anthropic"},
	})

	m.Record("s1", "chat", "anthropic", "secret", "secret answer")
	m.Record("s1", "chat", "openai", "public", "public answer")
	m.Flush()

	hits, err := m.Search(context.Background(), "anything", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Contains(t, hits[0].Entry.Summary, "public")
}

func TestRecordDisabledWritesNothing(t *testing.T) {
	m := newTestManager(t, &stubEmbedder{}, config.MemoryConfig{Enabled: false})
	m.Record("s1", "chat", "openai", "prompt", "response")
	m.Flush()

	hits, err := m.Search(context.Background(), "prompt", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestRecordSurvivesEmbedderFailure(t *testing.T) {
	m := newTestManager(t, &stubEmbedder{fail: true}, config.MemoryConfig{Enabled: true})
	m.Record("s1", "chat", "openai", "prompt text", "response text")
	m.Flush()

	// The summary is stored without a vector; search falls back to recency.
	hits, err := m.Search(context.Background(), "prompt", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Zero(t, hits[0].Score)
	assert.Empty(t, hits[0].Entry.EmbeddingID)
}

func TestSummarizeTruncates(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	s := summarize(string(long), "short")
	assert.Less(t, len(s), 1100)
	assert.Contains(t, s, "...")
	assert.Empty(t, summarize("  ", ""))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
}
