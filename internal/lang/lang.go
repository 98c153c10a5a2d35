// Package lang maps file extensions to the language tags the extractor keys on.
package lang

import (
	"path/filepath"
	"sort"
	"strings"
)

// Language identifies an extraction language.
type Language string

const (
	Go         Language = "go"
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	TSX        Language = "tsx"
	Python     Language = "python"
	Rust       Language = "rust"
	Java       Language = "java"
	Kotlin     Language = "kotlin"
	C          Language = "c"
	CPP        Language = "cpp"

	// Unknown marks files with no registered extraction strategy.
	Unknown Language = ""
)

// FromExtension returns the Language for a file extension.
func FromExtension(ext string) (Language, bool) {
	switch strings.ToLower(ext) {
	case ".go":
		return Go, true
	case ".js", ".mjs", ".cjs", ".jsx":
		return JavaScript, true
	case ".ts", ".mts", ".cts":
		return TypeScript, true
	case ".tsx":
		return TSX, true
	case ".py", ".pyw":
		return Python, true
	case ".rs":
		return Rust, true
	case ".java":
		return Java, true
	case ".kt", ".kts":
		return Kotlin, true
	case ".c", ".h":
		return C, true
	case ".cc", ".cpp", ".cxx", ".hpp", ".hh", ".hxx":
		return CPP, true
	default:
		return Unknown, false
	}
}

// Detect returns the Language for a file path, or Unknown.
func Detect(path string) Language {
	l, _ := FromExtension(filepath.Ext(path))
	return l
}

// Supported returns the sorted list of languages with extraction strategies.
func Supported() []string {
	langs := []string{
		string(Go), string(JavaScript), string(TypeScript), string(TSX),
		string(Python), string(Rust), string(Java), string(Kotlin),
		string(C), string(CPP),
	}
	sort.Strings(langs)
	return langs
}
