// Package ignore decides which paths the watcher and scanners skip.
package ignore

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher combines a fixed directory-name set with glob patterns matched
// against root-relative paths.
type Matcher struct {
	dirs     map[string]bool
	patterns []string
}

// NewMatcher builds a matcher from directory names and doublestar patterns.
func NewMatcher(dirs []string, patterns []string) *Matcher {
	set := make(map[string]bool, len(dirs))
	for _, d := range dirs {
		set[d] = true
	}
	return &Matcher{dirs: set, patterns: patterns}
}

// Dir reports whether a directory name is ignored outright.
func (m *Matcher) Dir(name string) bool {
	return m.dirs[name]
}

// Path reports whether a root-relative slash path should be ignored,
// either because any component is an ignored directory or because a
// glob pattern matches the path or its basename.
func (m *Matcher) Path(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if m.dirs[part] {
			return true
		}
	}
	base := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		base = rel[i+1:]
	}
	for _, pattern := range m.patterns {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := doublestar.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
