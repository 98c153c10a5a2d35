// Package extract turns file content into a structural skeleton and a
// symbol table. Extraction is a pure function of (content, language):
// identical input always produces byte-identical output.
package extract

import (
	"context"
	"fmt"
	"strings"

	"skeld/internal/lang"
)

// Symbol represents a named declaration with its line span.
type Symbol struct {
	Name       string `json:"name"`
	Kind       string `json:"kind"` // "function", "class", "method", "other"
	StartLine  int    `json:"startLine"` // 1-indexed
	EndLine    int    `json:"endLine"`   // 1-indexed, inclusive
	ScopeDepth int    `json:"scopeDepth"`
}

// Result is the outcome of extracting one file's structure.
type Result struct {
	Skeleton   string
	Symbols    []Symbol
	TotalLines int
	Fallback   bool
}

// fallbackPreviewLines is how much of an unsupported file the fallback shows.
const fallbackPreviewLines = 20

// strategy extracts a skeleton from source bytes.
type strategy interface {
	extract(ctx context.Context, content []byte) (Result, error)
}

// strategies is the capability table keyed by language. Languages without
// an entry use the fallback rendering.
var strategies = map[lang.Language]strategy{}

func register(l lang.Language, s strategy) {
	strategies[l] = s
}

// Extract runs the registered strategy for the language, or the default
// fallback for unregistered languages. A non-nil error means the source
// could not be parsed; the returned Result still carries a usable
// fallback rendering.
func Extract(ctx context.Context, content []byte, language lang.Language) (Result, error) {
	s, ok := strategies[language]
	if !ok {
		return fallbackResult(content, "unsupported language"), nil
	}

	res, err := s.extract(ctx, content)
	if err != nil {
		return fallbackResult(content, "extraction error"), err
	}
	return res, nil
}

// fallbackResult renders the first lines of the file verbatim plus a count.
func fallbackResult(content []byte, reason string) Result {
	lines := splitLines(content)
	total := len(lines)

	var b strings.Builder
	fmt.Fprintf(&b, "# %s (%d lines)\n", reason, total)
	preview := lines
	if len(preview) > fallbackPreviewLines {
		preview = preview[:fallbackPreviewLines]
	}
	for _, line := range preview {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if total > fallbackPreviewLines {
		fmt.Fprintf(&b, "... (%d more lines)\n", total-fallbackPreviewLines)
	}

	return Result{
		Skeleton:   strings.TrimSuffix(b.String(), "\n"),
		TotalLines: total,
		Fallback:   true,
	}
}

// CountLines counts lines the way the skeleton header reports them.
func CountLines(content []byte) int {
	return len(splitLines(content))
}

// splitLines splits content into lines without trailing newlines. A file
// ending in a newline does not get a phantom empty final line.
func splitLines(content []byte) []string {
	if len(content) == 0 {
		return nil
	}
	s := strings.TrimSuffix(string(content), "\n")
	return strings.Split(s, "\n")
}
