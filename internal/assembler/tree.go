package assembler

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// renderTree produces a compact textual directory tree covering the inline
// and overflow sets, with overflow and image files marked, for the prompt
// preamble.
func renderTree(inline, overflow, images []*models.FileRef) string {
	type mark struct {
		path  string
		label string
	}
	var entries []mark
	for _, f := range inline {
		entries = append(entries, mark{path: f.AbsPath})
	}
	for _, f := range overflow {
		entries = append(entries, mark{path: f.AbsPath, label: " [vector store]"})
	}
	for _, f := range images {
		entries = append(entries, mark{path: f.AbsPath, label: " [image]"})
	}
	if len(entries) == 0 {
		return ""
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].path < entries[j].path })

	// Find the common root so the tree stays compact.
	root := filepath.Dir(entries[0].path)
	for _, e := range entries[1:] {
		root = commonDir(root, filepath.Dir(e.path))
	}

	var sb strings.Builder
	sb.WriteString(root)
	sb.WriteString("/\n")
	lastDir := ""
	for _, e := range entries {
		rel, err := filepath.Rel(root, e.path)
		if err != nil {
			rel = e.path
		}
		rel = filepath.ToSlash(rel)
		dir := ""
		if idx := strings.LastIndex(rel, "/"); idx >= 0 {
			dir = rel[:idx]
		}
		if dir != "" && dir != lastDir {
			sb.WriteString("  " + dir + "/\n")
		}
		lastDir = dir
		indent := "  "
		if dir != "" {
			indent = "    "
		}
		sb.WriteString(indent + filepath.Base(rel) + e.label + "\n")
	}
	return sb.String()
}

func commonDir(a, b string) string {
	for !strings.HasPrefix(b+string(filepath.Separator), a+string(filepath.Separator)) {
		parent := filepath.Dir(a)
		if parent == a {
			return a
		}
		a = parent
	}
	return a
}
