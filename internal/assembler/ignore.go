package assembler

import (
	"bufio"
	"os"
	"path"
	"strings"
)

// IgnoreSet holds gitignore-style patterns applied while gathering files.
// Supported forms: exact names, glob patterns per path segment, directory
// patterns with a trailing slash, and leading-slash anchors relative to the
// gather root. Negation is not supported.
type IgnoreSet struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern  string
	dirOnly  bool
	anchored bool
}

// DefaultIgnores covers artifacts nobody wants in model context.
var DefaultIgnores = []string{
	".git/", "node_modules/", "__pycache__/", ".venv/", "venv/",
	"*.pyc", "*.o", "*.so", "*.dylib", "*.exe", ".DS_Store",
}

// NewIgnoreSet parses patterns plus the contents of any ignore files.
func NewIgnoreSet(patterns []string, ignoreFiles []string) (*IgnoreSet, error) {
	set := &IgnoreSet{}
	for _, p := range patterns {
		set.add(p)
	}
	for _, file := range ignoreFiles {
		f, err := os.Open(file)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			set.add(scanner.Text())
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

func (s *IgnoreSet) add(raw string) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
		return
	}
	p := ignorePattern{}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	p.pattern = line
	s.patterns = append(s.patterns, p)
}

// Match reports whether the path (relative to the gather root, forward
// slashes) should be skipped. isDir selects directory-only patterns.
func (s *IgnoreSet) Match(relPath string, isDir bool) bool {
	if s == nil {
		return false
	}
	base := path.Base(relPath)
	for _, p := range s.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if p.anchored {
			if ok, _ := path.Match(p.pattern, relPath); ok {
				return true
			}
			continue
		}
		if ok, _ := path.Match(p.pattern, base); ok {
			return true
		}
		// A pattern containing a slash matches against the whole relative path.
		if strings.Contains(p.pattern, "/") {
			if ok, _ := path.Match(p.pattern, relPath); ok {
				return true
			}
		}
	}
	return false
}
