package extract

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/kotlin"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"skeld/internal/lang"
)

// sitterStrategy extracts declarations via a tree-sitter grammar. targets
// maps declaration node types to the symbol kind they produce.
type sitterStrategy struct {
	language   lang.Language
	grammar    *sitter.Language
	targets    map[string]string
	docstrings bool // python-style docstring in body instead of leading comments
}

func init() {
	register(lang.Go, &sitterStrategy{
		language: lang.Go,
		grammar:  golang.GetLanguage(),
		targets: map[string]string{
			"function_declaration": "function",
			"method_declaration":   "method",
			"type_declaration":     "other",
		},
	})
	register(lang.Python, &sitterStrategy{
		language: lang.Python,
		grammar:  python.GetLanguage(),
		targets: map[string]string{
			"function_definition": "function",
			"class_definition":    "class",
		},
		docstrings: true,
	})
	register(lang.JavaScript, &sitterStrategy{
		language: lang.JavaScript,
		grammar:  javascript.GetLanguage(),
		targets: map[string]string{
			"function_declaration":           "function",
			"generator_function_declaration": "function",
			"class_declaration":              "class",
			"method_definition":              "method",
		},
	})
	register(lang.TypeScript, &sitterStrategy{
		language: lang.TypeScript,
		grammar:  typescript.GetLanguage(),
		targets:  tsTargets(),
	})
	register(lang.TSX, &sitterStrategy{
		language: lang.TSX,
		grammar:  tsx.GetLanguage(),
		targets:  tsTargets(),
	})
	register(lang.Rust, &sitterStrategy{
		language: lang.Rust,
		grammar:  rust.GetLanguage(),
		targets: map[string]string{
			"function_item": "function",
			"impl_item":     "class",
			"struct_item":   "other",
			"enum_item":     "other",
			"trait_item":    "other",
		},
	})
	register(lang.Java, &sitterStrategy{
		language: lang.Java,
		grammar:  java.GetLanguage(),
		targets: map[string]string{
			"class_declaration":       "class",
			"interface_declaration":   "other",
			"enum_declaration":        "other",
			"method_declaration":      "method",
			"constructor_declaration": "method",
		},
	})
	register(lang.Kotlin, &sitterStrategy{
		language: lang.Kotlin,
		grammar:  kotlin.GetLanguage(),
		targets: map[string]string{
			"class_declaration":    "class",
			"object_declaration":   "class",
			"function_declaration": "function",
		},
	})
	register(lang.C, &sitterStrategy{
		language: lang.C,
		grammar:  c.GetLanguage(),
		targets: map[string]string{
			"function_definition": "function",
			"struct_specifier":    "other",
			"enum_specifier":      "other",
			"type_definition":     "other",
		},
	})
	register(lang.CPP, &sitterStrategy{
		language: lang.CPP,
		grammar:  cpp.GetLanguage(),
		targets: map[string]string{
			"function_definition":  "function",
			"class_specifier":      "class",
			"struct_specifier":     "other",
			"enum_specifier":       "other",
			"namespace_definition": "other",
		},
	})
}

func tsTargets() map[string]string {
	return map[string]string{
		"function_declaration":           "function",
		"generator_function_declaration": "function",
		"class_declaration":              "class",
		"method_definition":              "method",
		"interface_declaration":          "other",
		"enum_declaration":               "other",
	}
}

// declaration is one skeleton entry before rendering.
type declaration struct {
	symbol    Symbol
	signature []string
	doc       []string
}

func (s *sitterStrategy) extract(ctx context.Context, content []byte) (Result, error) {
	parser := sitter.NewParser()
	parser.SetLanguage(s.grammar)

	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return Result{}, fmt.Errorf("parse %s source: %w", s.language, err)
	}
	defer tree.Close()

	lines := splitLines(content)
	var decls []declaration
	s.walk(tree.RootNode(), content, lines, 0, &decls)

	total := len(lines)
	symbols := make([]Symbol, 0, len(decls))
	for _, d := range decls {
		symbols = append(symbols, d.symbol)
	}

	return Result{
		Skeleton:   renderSkeleton(decls, total),
		Symbols:    symbols,
		TotalLines: total,
	}, nil
}

// walk visits the AST in document order. Target nodes emit a declaration
// and their children are visited one scope deeper; everything else is
// traversed transparently at the same depth.
func (s *sitterStrategy) walk(node *sitter.Node, content []byte, lines []string, depth int, out *[]declaration) {
	if node == nil {
		return
	}

	kind, isTarget := s.targets[node.Type()]
	if isTarget {
		switch node.Type() {
		case "struct_specifier", "enum_specifier", "class_specifier":
			// usage sites (`struct tm now;`) carry the node without a body
			if node.ChildByFieldName("body") == nil {
				isTarget = false
			}
		}
	}
	if isTarget {
		name := s.nodeName(node, content)
		if name != "" {
			if kind == "function" && depth > 0 {
				kind = "method"
			}
			start := int(node.StartPoint().Row) + 1
			end := int(node.EndPoint().Row) + 1
			*out = append(*out, declaration{
				symbol: Symbol{
					Name:       name,
					Kind:       kind,
					StartLine:  start,
					EndLine:    end,
					ScopeDepth: depth,
				},
				signature: signatureLines(node, content),
				doc:       s.docComment(node, content, lines),
			})
		}
		for i := 0; i < int(node.ChildCount()); i++ {
			s.walk(node.Child(i), content, lines, depth+1, out)
		}
		return
	}

	for i := 0; i < int(node.ChildCount()); i++ {
		s.walk(node.Child(i), content, lines, depth, out)
	}
}

// nodeName extracts the declared name for a target node.
func (s *sitterStrategy) nodeName(node *sitter.Node, content []byte) string {
	if name := node.ChildByFieldName("name"); name != nil {
		return string(content[name.StartByte():name.EndByte()])
	}

	switch node.Type() {
	case "type_declaration":
		// Go: type_declaration -> type_spec -> name
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if child != nil && child.Type() == "type_spec" {
				if name := child.ChildByFieldName("name"); name != nil {
					return string(content[name.StartByte():name.EndByte()])
				}
			}
		}
	case "impl_item":
		// Rust: impl blocks name the type being implemented
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			if child != nil && child.Type() == "type_identifier" {
				return string(content[child.StartByte():child.EndByte()])
			}
		}
	case "function_definition":
		// C/C++: the name sits at the bottom of the declarator chain
		if d := node.ChildByFieldName("declarator"); d != nil {
			if name := declaratorName(d, content); name != "" {
				return name
			}
		}
	}

	// Kotlin grammars use simple_identifier without a name field; C
	// typedefs name the alias in a trailing type_identifier child.
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Type() {
		case "identifier", "simple_identifier", "type_identifier":
			return string(content[child.StartByte():child.EndByte()])
		}
	}
	return ""
}

// declaratorName follows C/C++ declarator wrappers (pointers, parens,
// function declarators) down to the declared identifier.
func declaratorName(node *sitter.Node, content []byte) string {
	if node == nil {
		return ""
	}
	switch node.Type() {
	case "identifier", "field_identifier", "qualified_identifier",
		"operator_name", "destructor_name":
		return string(content[node.StartByte():node.EndByte()])
	}
	if d := node.ChildByFieldName("declarator"); d != nil {
		return declaratorName(d, content)
	}
	for i := 0; i < int(node.ChildCount()); i++ {
		if name := declaratorName(node.Child(i), content); name != "" {
			return name
		}
	}
	return ""
}

// maxSignatureLines caps multi-line signatures in the skeleton.
const maxSignatureLines = 4

// signatureLines slices the declaration's signature: the first line, or for
// multi-line signatures every line up to the one opening the body.
func signatureLines(node *sitter.Node, content []byte) []string {
	text := string(content[node.StartByte():node.EndByte()])
	raw := strings.Split(text, "\n")

	first := strings.TrimRight(raw[0], " \t")
	if strings.ContainsAny(first, "{") || strings.HasSuffix(first, ":") || len(raw) == 1 {
		return []string{trimBody(first)}
	}

	sig := []string{first}
	for i := 1; i < len(raw); i++ {
		line := strings.TrimRight(raw[i], " \t")
		sig = append(sig, trimBody(line))
		if strings.Contains(line, "{") || strings.HasSuffix(line, ":") {
			break
		}
		if i >= maxSignatureLines-1 {
			sig = append(sig, "    ...")
			break
		}
	}
	return sig
}

// trimBody cuts a signature line at the opening brace so no implementation
// text leaks into the skeleton.
func trimBody(line string) string {
	if i := strings.Index(line, "{"); i >= 0 {
		return strings.TrimRight(line[:i+1], " \t")
	}
	return line
}

// maxDocLines caps attached documentation in the skeleton.
const maxDocLines = 3

// docComment finds the documentation attached to a declaration: the
// contiguous comment lines directly above it, or for docstring languages
// the first string expression of the body.
func (s *sitterStrategy) docComment(node *sitter.Node, content []byte, lines []string) []string {
	if s.docstrings {
		return docstring(node, content)
	}

	startLine := int(node.StartPoint().Row) // 0-indexed line above is startLine-1
	var doc []string
	for i := startLine - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "*") ||
			strings.HasPrefix(trimmed, "/*") || strings.HasPrefix(trimmed, "#") {
			doc = append([]string{trimmed}, doc...)
			continue
		}
		break
	}
	if len(doc) > maxDocLines {
		doc = append(doc[:maxDocLines], "...")
	}
	return doc
}

// docstring returns the leading string expression of a definition body.
func docstring(node *sitter.Node, content []byte) []string {
	body := node.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	for i := 0; i < int(body.ChildCount()); i++ {
		stmt := body.Child(i)
		if stmt == nil || stmt.Type() != "expression_statement" {
			if stmt != nil && stmt.Type() == "comment" {
				continue
			}
			return nil
		}
		for j := 0; j < int(stmt.ChildCount()); j++ {
			expr := stmt.Child(j)
			if expr != nil && expr.Type() == "string" {
				text := string(content[expr.StartByte():expr.EndByte()])
				doc := strings.Split(text, "\n")
				for k := range doc {
					doc[k] = strings.TrimSpace(doc[k])
				}
				if len(doc) > maxDocLines {
					doc = append(doc[:maxDocLines], `..."""`)
				}
				return doc
			}
		}
		return nil
	}
	return nil
}

// renderSkeleton produces the final skeleton text: a header line, then one
// indented entry per declaration with signature, doc and an elided body.
func renderSkeleton(decls []declaration, totalLines int) string {
	if len(decls) == 0 {
		return fmt.Sprintf("# no structural elements found (%d lines)", totalLines)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %d symbols, %d lines\n", len(decls), totalLines)
	for _, d := range decls {
		indent := strings.Repeat("  ", d.symbol.ScopeDepth)

		docAfter := len(d.doc) > 0 &&
			(strings.HasPrefix(d.doc[0], `"`) || strings.HasPrefix(d.doc[0], `'`))

		if !docAfter {
			for _, line := range d.doc {
				b.WriteString(indent)
				b.WriteString(line)
				b.WriteString("\n")
			}
		}

		fmt.Fprintf(&b, "%s%s  # L%d-%d\n", indent, d.signature[0], d.symbol.StartLine, d.symbol.EndLine)
		for _, extra := range d.signature[1:] {
			b.WriteString(indent)
			b.WriteString(extra)
			b.WriteString("\n")
		}

		if docAfter {
			for _, line := range d.doc {
				b.WriteString(indent)
				b.WriteString("    ")
				b.WriteString(line)
				b.WriteString("\n")
			}
		}

		b.WriteString(indent)
		b.WriteString("    ...\n\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
