package assembler

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/relay/pkg/models"
)

// sniffLen is how many bytes of a file the classifier reads.
const sniffLen = 8192

// invalidByteThreshold is the tolerated count of invalid UTF-8 bytes in the
// sniffed prefix before a file is classified binary.
const invalidByteThreshold = 16

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// gatherResult is the outcome of walking one requested path.
type gatherResult struct {
	files    []*models.FileRef
	warnings []string
}

// gather enumerates files under each requested path, honoring ignore rules,
// deduplicating by absolute path and following symlinks at most once.
func gather(paths []string, ignores *IgnoreSet) gatherResult {
	var res gatherResult
	seen := map[string]bool{}     // absolute paths already collected
	resolved := map[string]bool{} // symlink targets already entered, cycle guard

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		walkPath(abs, abs, ignores, seen, resolved, &res)
	}

	sort.Slice(res.files, func(i, j int) bool { return res.files[i].AbsPath < res.files[j].AbsPath })
	return res
}

func walkPath(root, p string, ignores *IgnoreSet, seen, resolvedDirs map[string]bool, res *gatherResult) {
	info, err := os.Lstat(p)
	if err != nil {
		res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", p, err))
		return
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(p)
		if err != nil {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", p, err))
			return
		}
		if resolvedDirs[target] {
			return // cycle
		}
		resolvedDirs[target] = true
		info, err = os.Stat(target)
		if err != nil {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", p, err))
			return
		}
		p = target
	}

	rel, relErr := filepath.Rel(root, p)
	if relErr != nil || rel == "." {
		rel = ""
	}
	rel = filepath.ToSlash(rel)

	if info.IsDir() {
		if rel != "" && ignores.Match(rel, true) {
			return
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			res.warnings = append(res.warnings, fmt.Sprintf("%s: %v", p, err))
			return
		}
		for _, entry := range entries {
			walkPath(root, filepath.Join(p, entry.Name()), ignores, seen, resolvedDirs, res)
		}
		return
	}

	if rel != "" && ignores.Match(rel, false) {
		return
	}
	if seen[p] {
		return
	}
	seen[p] = true

	res.files = append(res.files, &models.FileRef{
		AbsPath:   p,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
	})
}

// classify reads the file, fills in Kind, ContentHash and TokenEstimate.
// Binary files get no token estimate; image files keep Kind FileImage so the
// caller can attach them for vision-capable tools.
func classify(ref *models.FileRef, estimate func(string) int) error {
	data, err := os.ReadFile(ref.AbsPath)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(data)
	ref.ContentHash = hex.EncodeToString(sum[:])

	prefix := data
	if len(prefix) > sniffLen {
		prefix = prefix[:sniffLen]
	}
	if isText(prefix) {
		ref.Kind = models.FileText
		ref.TokenEstimate = estimate(string(data))
		return nil
	}

	if imageExtensions[strings.ToLower(filepath.Ext(ref.AbsPath))] {
		ref.Kind = models.FileImage
	} else {
		ref.Kind = models.FileBinary
	}
	return nil
}

// isText reports whether the prefix looks like UTF-8 text: no null bytes and
// at most invalidByteThreshold invalid bytes.
func isText(prefix []byte) bool {
	invalid := 0
	for i := 0; i < len(prefix); {
		if prefix[i] == 0 {
			return false
		}
		r, size := utf8.DecodeRune(prefix[i:])
		if r == utf8.RuneError && size == 1 {
			invalid++
			if invalid > invalidByteThreshold {
				return false
			}
		}
		i += size
	}
	return true
}
