// Package index answers symbol lookups against cached FileRecords.
package index

import (
	"strings"

	"skeld/internal/cache"
	"skeld/internal/errors"
	"skeld/internal/extract"
)

// FindResult carries the resolved declaration span. Ambiguous is set when
// another symbol with the same name exists at the same scope depth; the
// first file-order occurrence is still the one returned.
type FindResult struct {
	Symbol    extract.Symbol `json:"symbol"`
	StartLine int            `json:"start_line"`
	EndLine   int            `json:"end_line"`
	Ambiguous bool           `json:"ambiguous,omitempty"`
}

// Find resolves name in the record's symbol table. Shallowest scope depth
// wins; among equal depths the first occurrence in file order wins.
func Find(rec *cache.FileRecord, name string) (FindResult, error) {
	var best *extract.Symbol
	ambiguous := false

	for i := range rec.Symbols {
		sym := &rec.Symbols[i]
		if sym.Name != name {
			continue
		}
		switch {
		case best == nil:
			best = sym
		case sym.ScopeDepth < best.ScopeDepth:
			best = sym
			ambiguous = false
		case sym.ScopeDepth == best.ScopeDepth:
			ambiguous = true
		}
	}

	if best == nil {
		return FindResult{}, errors.Newf(errors.NotFound, "symbol not found: %s in %s", name, rec.Path)
	}
	return FindResult{
		Symbol:    *best,
		StartLine: best.StartLine,
		EndLine:   best.EndLine,
		Ambiguous: ambiguous,
	}, nil
}

// maxLinesPerFile bounds how many matching skeleton lines one file
// contributes to a search response.
const maxLinesPerFile = 10

// FileMatches lists the matching skeleton lines of one file.
type FileMatches struct {
	Path    string   `json:"path"`
	Matches []string `json:"matches"`
}

// Search scans skeleton text and symbol names case-insensitively for query,
// restricted to records under subtree ("" for the whole tree). At most
// maxFiles files are returned, in path order.
func Search(store *cache.Store, query string, subtree string, maxFiles int) []FileMatches {
	needle := strings.ToLower(query)
	subtree = strings.Trim(subtree, "/")

	results := make([]FileMatches, 0)
	for _, rec := range store.Records(subtree) {
		matches := matchRecord(rec, needle)
		if len(matches) == 0 {
			continue
		}
		results = append(results, FileMatches{Path: rec.Path, Matches: matches})
		if len(results) >= maxFiles {
			break
		}
	}
	return results
}

func matchRecord(rec *cache.FileRecord, needle string) []string {
	var matches []string
	for _, line := range strings.Split(rec.Skeleton, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || trimmed == "..." {
			continue
		}
		if strings.Contains(strings.ToLower(trimmed), needle) {
			matches = append(matches, trimmed)
			if len(matches) >= maxLinesPerFile {
				return matches
			}
		}
	}
	return matches
}
