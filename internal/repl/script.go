package repl

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"skeld/internal/chunks"
	"skeld/internal/paths"
)

// The sandbox language: statements separated by newlines or semicolons,
// each either `name = expr`, `print(expr)`, or a bare expression whose
// value is appended to the output. Expressions are string/int literals,
// variable references, `+` concatenation, and helper calls.

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokInt
	tokAssign
	tokPlus
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lex(stmt string) ([]token, error) {
	var out []token
	runes := []rune(stmt)
	i := 0
	for i < len(runes) {
		c := runes[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '=':
			out = append(out, token{tokAssign, "="})
			i++
		case c == '+':
			out = append(out, token{tokPlus, "+"})
			i++
		case c == '(':
			out = append(out, token{tokLParen, "("})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")"})
			i++
		case c == ',':
			out = append(out, token{tokComma, ","})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var b strings.Builder
			for j < len(runes) && runes[j] != quote {
				if runes[j] == '\\' && j+1 < len(runes) {
					j++
					switch runes[j] {
					case 'n':
						b.WriteRune('\n')
					case 't':
						b.WriteRune('\t')
					default:
						b.WriteRune(runes[j])
					}
				} else {
					b.WriteRune(runes[j])
				}
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			out = append(out, token{tokString, b.String()})
			i = j + 1
		case unicode.IsDigit(c):
			j := i
			for j < len(runes) && unicode.IsDigit(runes[j]) {
				j++
			}
			out = append(out, token{tokInt, string(runes[i:j])})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			out = append(out, token{tokIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return out, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t, ok := p.next()
	if !ok || t.kind != kind {
		return token{}, fmt.Errorf("expected %s", what)
	}
	return t, nil
}

// AST

type node interface{}

type strLit struct{ value string }
type intLit struct{ value int }
type varRef struct{ name string }
type concat struct{ left, right node }
type call struct {
	name string
	args []node
}
type assignStmt struct {
	name string
	expr node
}
type exprStmt struct{ expr node }

func parseStatement(stmt string) (node, error) {
	toks, err := lex(stmt)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return nil, nil
	}

	p := &parser{toks: toks}
	if len(toks) >= 2 && toks[0].kind == tokIdent && toks[1].kind == tokAssign {
		p.pos = 2
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, ok := p.peek(); ok {
			return nil, fmt.Errorf("trailing tokens after expression")
		}
		return assignStmt{name: toks[0].text, expr: expr}, nil
	}

	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, ok := p.peek(); ok {
		return nil, fmt.Errorf("trailing tokens after expression")
	}
	return exprStmt{expr: expr}, nil
}

func (p *parser) parseExpr() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokPlus {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = concat{left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	t, ok := p.next()
	if !ok {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	switch t.kind {
	case tokString:
		return strLit{value: t.text}, nil
	case tokInt:
		n, err := strconv.Atoi(t.text)
		if err != nil {
			return nil, err
		}
		return intLit{value: n}, nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		next, ok := p.peek()
		if !ok || next.kind != tokLParen {
			return varRef{name: t.text}, nil
		}
		p.pos++
		var args []node
		if nt, ok := p.peek(); ok && nt.kind == tokRParen {
			p.pos++
			return call{name: t.text, args: args}, nil
		}
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			sep, ok := p.next()
			if !ok {
				return nil, fmt.Errorf("unterminated call to %s", t.text)
			}
			if sep.kind == tokRParen {
				return call{name: t.text, args: args}, nil
			}
			if sep.kind != tokComma {
				return nil, fmt.Errorf("expected , or ) in call to %s", t.text)
			}
		}
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}

// evaluator runs statements against the engine's state. touched accumulates
// every dep registered during the current exec call; add_buffer snapshots
// it at call time.
type evaluator struct {
	engine  *Engine
	touched []Dep
	out     strings.Builder
}

func (ev *evaluator) run(code string) (string, error) {
	for _, stmt := range splitStatements(code) {
		ast, err := parseStatement(stmt)
		if err != nil {
			return ev.out.String(), fmt.Errorf("%s: %w", stmt, err)
		}
		if ast == nil {
			continue
		}
		if err := ev.execStatement(ast); err != nil {
			return ev.out.String(), err
		}
	}
	return ev.out.String(), nil
}

func splitStatements(code string) []string {
	var out []string
	for _, line := range strings.Split(code, "\n") {
		for _, stmt := range strings.Split(line, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt != "" && !strings.HasPrefix(stmt, "#") {
				out = append(out, stmt)
			}
		}
	}
	return out
}

func (ev *evaluator) execStatement(ast node) error {
	switch s := ast.(type) {
	case assignStmt:
		value, deps, err := ev.eval(s.expr)
		if err != nil {
			return err
		}
		ev.engine.state.Variables[s.name] = Binding{Value: value, Deps: deps}
		return nil
	case exprStmt:
		if c, ok := s.expr.(call); ok && c.name == "print" {
			for _, arg := range c.args {
				value, _, err := ev.eval(arg)
				if err != nil {
					return err
				}
				ev.out.WriteString(value)
			}
			ev.out.WriteString("\n")
			return nil
		}
		value, _, err := ev.eval(s.expr)
		if err != nil {
			return err
		}
		if value != "" {
			ev.out.WriteString(value)
			if !strings.HasSuffix(value, "\n") {
				ev.out.WriteString("\n")
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported statement")
	}
}

// eval returns the value plus the deps the expression registered.
func (ev *evaluator) eval(n node) (string, []Dep, error) {
	switch x := n.(type) {
	case strLit:
		return x.value, nil, nil
	case intLit:
		return strconv.Itoa(x.value), nil, nil
	case varRef:
		b, ok := ev.engine.state.Variables[x.name]
		if !ok {
			return "", nil, fmt.Errorf("undefined variable %q", x.name)
		}
		return b.Value, b.Deps, nil
	case concat:
		lv, ld, err := ev.eval(x.left)
		if err != nil {
			return "", nil, err
		}
		rv, rd, err := ev.eval(x.right)
		if err != nil {
			return "", nil, err
		}
		return lv + rv, append(ld, rd...), nil
	case call:
		return ev.evalCall(x)
	default:
		return "", nil, fmt.Errorf("unsupported expression")
	}
}

func (ev *evaluator) evalCall(c call) (string, []Dep, error) {
	values := make([]string, len(c.args))
	for i, arg := range c.args {
		v, _, err := ev.eval(arg)
		if err != nil {
			return "", nil, err
		}
		values[i] = v
	}

	switch c.name {
	case "peek":
		return ev.helperPeek(values)
	case "grep":
		return ev.helperGrep(values)
	case "chunk_indices":
		return ev.helperChunkIndices(values)
	case "write_chunks":
		return ev.helperWriteChunks(values)
	case "add_buffer":
		return ev.helperAddBuffer(values)
	case "vars":
		return ev.helperVars(values)
	default:
		return "", nil, fmt.Errorf("unknown helper %q", c.name)
	}
}

// track registers a dep both for the expression being evaluated and in the
// call-wide accumulator add_buffer snapshots.
func (ev *evaluator) track(rel string, abs string) ([]Dep, error) {
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	dep := Dep{Path: rel, MTimeNS: info.ModTime().UnixNano()}
	ev.touched = append(ev.touched, dep)
	return []Dep{dep}, nil
}

func (ev *evaluator) resolve(rel string) (string, error) {
	abs, ok := paths.Resolve(ev.engine.root, rel)
	if !ok {
		return "", fmt.Errorf("path escapes root: %s", rel)
	}
	return abs, nil
}

func argInt(values []string, i int, fallback int) (int, error) {
	if i >= len(values) || values[i] == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(values[i])
	if err != nil {
		return 0, fmt.Errorf("argument %d: expected integer, got %q", i+1, values[i])
	}
	return n, nil
}

// helperPeek reads a numbered line range from one file.
func (ev *evaluator) helperPeek(args []string) (string, []Dep, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("peek(path, start, end) requires a path")
	}
	rel := args[0]
	abs, err := ev.resolve(rel)
	if err != nil {
		return "", nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, fmt.Errorf("peek %s: %w", rel, err)
	}

	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	start, err := argInt(args, 1, 1)
	if err != nil {
		return "", nil, err
	}
	end, err := argInt(args, 2, len(lines))
	if err != nil {
		return "", nil, err
	}
	if start < 1 {
		start = 1
	}
	if end > len(lines) {
		end = len(lines)
	}
	if start > end {
		return "", nil, fmt.Errorf("peek %s: empty range %d-%d", rel, start, end)
	}

	var b strings.Builder
	for i := start; i <= end; i++ {
		fmt.Fprintf(&b, "%4d: %s\n", i, lines[i-1])
	}
	deps, err := ev.track(rel, abs)
	if err != nil {
		return "", nil, err
	}
	return b.String(), deps, nil
}

// helperGrep regex-searches a file or a subtree; every file with a match
// is registered as a dependency.
func (ev *evaluator) helperGrep(args []string) (string, []Dep, error) {
	if len(args) < 2 {
		return "", nil, fmt.Errorf("grep(pattern, path, max) requires pattern and path")
	}
	re, err := regexp.Compile(args[0])
	if err != nil {
		return "", nil, fmt.Errorf("grep: bad pattern: %w", err)
	}
	rel := strings.Trim(args[1], "/")
	if rel == "" {
		rel = "."
	}
	abs, err := ev.resolve(rel)
	if err != nil {
		return "", nil, err
	}
	max, err := argInt(args, 2, ev.engine.cfg.GrepMaxResults)
	if err != nil {
		return "", nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", nil, fmt.Errorf("grep %s: %w", rel, err)
	}

	var b strings.Builder
	var deps []Dep
	count := 0

	searchFile := func(fileRel, fileAbs string) error {
		content, err := os.ReadFile(fileAbs)
		if err != nil {
			return nil // unreadable files are skipped, not fatal
		}
		matched := false
		for i, line := range strings.Split(strings.TrimSuffix(string(content), "\n"), "\n") {
			if count >= max {
				break
			}
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", fileRel, i+1, line)
				matched = true
				count++
			}
		}
		if matched {
			d, err := ev.track(fileRel, fileAbs)
			if err != nil {
				return err
			}
			deps = append(deps, d...)
		}
		return nil
	}

	if !info.IsDir() {
		if err := searchFile(rel, abs); err != nil {
			return "", nil, err
		}
	} else {
		err := filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			fileRel, relErr := filepath.Rel(ev.engine.root, path)
			if relErr != nil {
				return relErr
			}
			fileRel = filepath.ToSlash(fileRel)
			if d.IsDir() {
				if fileRel != "." && ev.engine.matcher.Dir(d.Name()) {
					return filepath.SkipDir
				}
				return nil
			}
			if ev.engine.matcher.Path(fileRel) || count >= max {
				return nil
			}
			return searchFile(fileRel, path)
		})
		if err != nil {
			return "", nil, fmt.Errorf("grep %s: %w", rel, err)
		}
	}

	if count == 0 {
		return fmt.Sprintf("no matches for %q under %s\n", args[0], rel), deps, nil
	}
	return b.String(), deps, nil
}

// helperChunkIndices prints the window boundaries the file would chunk to.
func (ev *evaluator) helperChunkIndices(args []string) (string, []Dep, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("chunk_indices(path, size, overlap) requires a path")
	}
	rel := args[0]
	abs, err := ev.resolve(rel)
	if err != nil {
		return "", nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", nil, fmt.Errorf("chunk_indices %s: %w", rel, err)
	}

	defSize, defOverlap := ev.engine.chunks.Geometry()
	size, err := argInt(args, 1, defSize)
	if err != nil {
		return "", nil, err
	}
	overlap, err := argInt(args, 2, defOverlap)
	if err != nil {
		return "", nil, err
	}

	total := len(strings.Split(strings.TrimSuffix(string(content), "\n"), "\n"))
	windows := chunks.Indices(total, size, overlap)
	if windows == nil {
		return "", nil, fmt.Errorf("chunk_indices %s: invalid geometry size=%d overlap=%d", rel, size, overlap)
	}

	var b strings.Builder
	for i, w := range windows {
		fmt.Fprintf(&b, "chunk %d: lines %d-%d\n", i, w.Start, w.End)
	}
	deps, err := ev.track(rel, abs)
	if err != nil {
		return "", nil, err
	}
	return b.String(), deps, nil
}

// helperWriteChunks materializes the chunk files for a path using the
// configured geometry.
func (ev *evaluator) helperWriteChunks(args []string) (string, []Dep, error) {
	if len(args) < 1 {
		return "", nil, fmt.Errorf("write_chunks(path) requires a path")
	}
	rel := args[0]
	abs, err := ev.resolve(rel)
	if err != nil {
		return "", nil, err
	}

	if err := ev.engine.chunks.Generate(rel); err != nil {
		return "", nil, fmt.Errorf("write_chunks %s: %w", rel, err)
	}
	manifest, pending, err := ev.engine.chunks.List(rel)
	if err != nil || pending {
		return "", nil, fmt.Errorf("write_chunks %s: manifest unavailable", rel)
	}

	deps, err := ev.track(rel, abs)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("wrote %d chunks for %s\n", manifest.TotalChunks, rel), deps, nil
}

// helperAddBuffer appends text to a buffer and captures the dependency
// snapshot accumulated so far in this exec call.
func (ev *evaluator) helperAddBuffer(args []string) (string, []Dep, error) {
	if len(args) < 2 {
		return "", nil, fmt.Errorf("add_buffer(key, text) requires key and text")
	}
	key, text := args[0], args[1]

	buf := ev.engine.state.Buffers[key]
	buf.Entries = append(buf.Entries, text)
	buf.Deps = mergeDeps(buf.Deps, ev.touched)
	ev.engine.state.Buffers[key] = buf

	return fmt.Sprintf("buffer %q: %d entries\n", key, len(buf.Entries)), nil, nil
}

// helperVars lists the current namespace.
func (ev *evaluator) helperVars(_ []string) (string, []Dep, error) {
	st := ev.engine.state
	if len(st.Variables) == 0 && len(st.Buffers) == 0 {
		return "no variables or buffers\n", nil, nil
	}

	names := make([]string, 0, len(st.Variables))
	for name := range st.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		binding := st.Variables[name]
		fmt.Fprintf(&b, "%s = %d chars (%d deps)\n", name, len(binding.Value), len(binding.Deps))
	}

	keys := make([]string, 0, len(st.Buffers))
	for key := range st.Buffers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		buf := st.Buffers[key]
		fmt.Fprintf(&b, "buffer %s: %d entries (%d deps)\n", key, len(buf.Entries), len(buf.Deps))
	}
	return b.String(), nil, nil
}

// mergeDeps appends deps not already tracked for the same path; a repeat
// capture of the same path refreshes its mtime.
func mergeDeps(existing []Dep, add []Dep) []Dep {
	out := make([]Dep, len(existing))
	copy(out, existing)
	for _, dep := range add {
		replaced := false
		for i := range out {
			if out[i].Path == dep.Path {
				out[i] = dep
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, dep)
		}
	}
	return out
}
