package repl

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skeld/internal/chunks"
	"skeld/internal/config"
	"skeld/internal/errors"
	"skeld/internal/ignore"
	"skeld/internal/logging"
)

func newTestEngine(t *testing.T, root string) *Engine {
	t.Helper()
	log := logging.NewLogger(logging.Config{
		Format: logging.HumanFormat,
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})
	chunkStore, err := chunks.NewStore(root, config.ChunksConfig{Size: 200, Overlap: 20}, log)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.ReplConfig{MaxOutputChars: 8000, GrepMaxResults: 50}
	return NewEngine(root, cfg, chunkStore, ignore.NewMatcher([]string{".skeld", ".git"}, nil), log)
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func touch(t *testing.T, path string) {
	t.Helper()
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
}

func TestExecVariablesPersist(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	if _, err := e.Exec(`greeting = "hello"`); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	res, err := e.Exec(`print(greeting + " world")`)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Output != "hello world\n" {
		t.Errorf("output = %q, want %q", res.Output, "hello world\n")
	}
	if res.ExecCount != 2 {
		t.Errorf("exec count = %d, want 2", res.ExecCount)
	}
}

func TestExecBareExpression(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	res, err := e.Exec(`"a" + "b"; 42`)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if res.Output != "ab\n42\n" {
		t.Errorf("output = %q, want %q", res.Output, "ab\n42\n")
	}
}

func TestExecErrorPreservesState(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	if _, err := e.Exec(`kept = "still here"`); err != nil {
		t.Fatal(err)
	}
	_, err := e.Exec(`print(missing)`)
	if !errors.IsCode(err, errors.ReplExecError) {
		t.Fatalf("error = %v, want REPL_EXEC_ERROR", err)
	}

	res, err := e.Exec(`print(kept)`)
	if err != nil {
		t.Fatalf("Exec after error failed: %v", err)
	}
	if res.Output != "still here\n" {
		t.Errorf("output = %q, state was not preserved", res.Output)
	}
}

func TestPeekRegistersDependency(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", "one\ntwo\nthree\nfour\n")
	e := newTestEngine(t, root)

	res, err := e.Exec(`x = peek("a.py", 2, 3)`)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if len(res.Stale) != 0 {
		t.Fatalf("fresh capture reported stale: %+v", res.Stale)
	}

	status := e.Status()
	if len(status.Variables) != 1 || status.Variables[0].Deps != 1 {
		t.Fatalf("status = %+v, want x with 1 dep", status.Variables)
	}
}

func TestPeekNumbersLines(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", "one\ntwo\nthree\n")
	e := newTestEngine(t, root)

	res, err := e.Exec(`print(peek("a.py", 1, 2))`)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if !strings.Contains(res.Output, "1: one") || !strings.Contains(res.Output, "2: two") {
		t.Errorf("output = %q, want numbered lines 1-2", res.Output)
	}
	if strings.Contains(res.Output, "three") {
		t.Errorf("output = %q, leaked lines past the range", res.Output)
	}
}

func TestStalenessModifiedAndDeleted(t *testing.T) {
	root := t.TempDir()
	pathA := writeFile(t, root, "a.py", "line\n")
	pathB := writeFile(t, root, "b.py", "line\n")
	e := newTestEngine(t, root)

	if _, err := e.Exec(`va = peek("a.py", 1, 1)`); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Exec(`vb = peek("b.py", 1, 1)`); err != nil {
		t.Fatal(err)
	}

	touch(t, pathA)
	if err := os.Remove(pathB); err != nil {
		t.Fatal(err)
	}

	status := e.Status()
	if len(status.Stale) != 2 {
		t.Fatalf("stale = %+v, want entries for va and vb", status.Stale)
	}
	if status.Stale[0].Name != "va" || status.Stale[0].Reason != "modified" {
		t.Errorf("stale[0] = %+v, want va modified", status.Stale[0])
	}
	if status.Stale[1].Name != "vb" || status.Stale[1].Reason != "deleted" {
		t.Errorf("stale[1] = %+v, want vb deleted", status.Stale[1])
	}
}

func TestStalenessAdvisoryOnly(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "a.py", "original\n")
	e := newTestEngine(t, root)

	if _, err := e.Exec(`v = peek("a.py", 1, 1)`); err != nil {
		t.Fatal(err)
	}
	touch(t, path)

	res, err := e.Exec(`print(v)`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "original") {
		t.Errorf("stale value was refreshed or dropped: %q", res.Output)
	}
	if len(res.Stale) == 0 {
		t.Error("exec response should still flag the stale value")
	}
}

func TestExecErrorStillReportsStale(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "a.py", "original\n")
	e := newTestEngine(t, root)

	if _, err := e.Exec(`v = peek("a.py", 1, 1)`); err != nil {
		t.Fatal(err)
	}
	touch(t, path)

	res, err := e.Exec(`print(missing_var)`)
	if err == nil {
		t.Fatal("expected exec error")
	}
	if !errors.IsCode(err, errors.ReplExecError) {
		t.Errorf("code = %v, want REPL_EXEC_ERROR", errors.CodeOf(err))
	}
	if len(res.Stale) == 0 {
		t.Fatal("failed exec should still flag the stale value")
	}
	if res.Stale[0].Name != "v" {
		t.Errorf("stale owner = %q, want v", res.Stale[0].Name)
	}
}

func TestGrepRegistersMatchedFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/hit.py", "def target():\n    pass\n")
	writeFile(t, root, "src/miss.py", "def other():\n    pass\n")
	e := newTestEngine(t, root)

	res, err := e.Exec(`found = grep("target", "src")`)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	_ = res

	status := e.Status()
	if len(status.Variables) != 1 || status.Variables[0].Deps != 1 {
		t.Fatalf("status = %+v, want found with exactly the matched file as dep", status.Variables)
	}

	out, err := e.Exec(`print(found)`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.Output, "src/hit.py:1:") {
		t.Errorf("output = %q, want match line with path:lineno", out.Output)
	}
	if strings.Contains(out.Output, "miss.py") {
		t.Errorf("output = %q, non-matching file leaked in", out.Output)
	}
}

func TestChunkIndicesWindows(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	for i := 0; i < 10; i++ {
		b.WriteString("line\n")
	}
	writeFile(t, root, "f.txt", b.String())
	e := newTestEngine(t, root)

	res, err := e.Exec(`print(chunk_indices("f.txt", 4, 1))`)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	want := []string{"chunk 0: lines 1-4", "chunk 1: lines 4-7", "chunk 2: lines 7-10"}
	for _, line := range want {
		if !strings.Contains(res.Output, line) {
			t.Errorf("output = %q, missing %q", res.Output, line)
		}
	}
}

func TestAddBufferCapturesDeps(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", "content\n")
	e := newTestEngine(t, root)

	code := `x = peek("a.py", 1, 1)
add_buffer("notes", "summary of a.py")`
	if _, err := e.Exec(code); err != nil {
		t.Fatalf("Exec failed: %v", err)
	}

	status := e.Status()
	if len(status.Buffers) != 1 || status.Buffers[0].Deps != 1 {
		t.Fatalf("buffers = %+v, want notes carrying the peeked dep", status.Buffers)
	}

	exported := e.ExportBuffers()
	if entries := exported["notes"]; len(entries) != 1 || entries[0] != "summary of a.py" {
		t.Errorf("exported = %+v", exported)
	}
}

func TestResetClearsEverything(t *testing.T) {
	root := t.TempDir()
	path := writeFile(t, root, "a.py", "content\n")
	e := newTestEngine(t, root)

	if _, err := e.Exec(`v = peek("a.py", 1, 1); add_buffer("b", "text")`); err != nil {
		t.Fatal(err)
	}
	touch(t, path)
	e.Reset()

	status := e.Status()
	if status.ExecCount != 0 || len(status.Variables) != 0 || len(status.Buffers) != 0 {
		t.Errorf("status after reset = %+v, want empty", status)
	}
	if len(status.Stale) != 0 {
		t.Errorf("stale after reset = %+v, want none", status.Stale)
	}
	if _, err := os.Stat(e.snapshotPath); !os.IsNotExist(err) {
		t.Error("snapshot file should be removed on reset")
	}
}

func TestOutputTruncation(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t, root)
	e.cfg.MaxOutputChars = 100

	res, err := e.Exec(`big = "` + strings.Repeat("x", 50) + `"
print(big + big + big + big)`)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if len(res.Output) > 200 {
		t.Errorf("output not truncated: %d chars", len(res.Output))
	}
	if !strings.Contains(res.Output, "truncated") || !strings.Contains(res.Output, "more chars") {
		t.Errorf("output = %q, missing truncation marker", res.Output)
	}
	if !strings.Contains(res.Output, "tokens") {
		t.Errorf("output = %q, missing token estimate", res.Output)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.py", "content\n")

	e := newTestEngine(t, root)
	if _, err := e.Exec(`v = peek("a.py", 1, 1); add_buffer("b", "entry")`); err != nil {
		t.Fatal(err)
	}

	restored := newTestEngine(t, root)
	if !restored.LoadSnapshot() {
		t.Fatal("LoadSnapshot found nothing")
	}

	status := restored.Status()
	if status.ExecCount != 1 {
		t.Errorf("exec count = %d, want 1", status.ExecCount)
	}
	if len(status.Variables) != 1 || status.Variables[0].Name != "v" {
		t.Errorf("variables = %+v, want v", status.Variables)
	}
	if exported := restored.ExportBuffers(); len(exported["b"]) != 1 {
		t.Errorf("buffers = %+v, want b with one entry", exported)
	}
}

func TestSnapshotVersionMismatchDiscarded(t *testing.T) {
	root := t.TempDir()
	e := newTestEngine(t, root)
	if _, err := e.Exec(`v = "data"`); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(e.snapshotPath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(snapshotMagic)+3]++ // bump the version field
	if err := os.WriteFile(e.snapshotPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	fresh := newTestEngine(t, root)
	if fresh.LoadSnapshot() {
		t.Fatal("version-mismatched snapshot must be discarded")
	}
	if _, err := os.Stat(fresh.snapshotPath); !os.IsNotExist(err) {
		t.Error("unusable snapshot file should be deleted")
	}
	if status := fresh.Status(); len(status.Variables) != 0 {
		t.Errorf("state after discard = %+v, want empty", status.Variables)
	}
}

func TestVarsHelper(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	if _, err := e.Exec(`a = "1"; b = "22"`); err != nil {
		t.Fatal(err)
	}

	res, err := e.Exec(`print(vars())`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Output, "a = 1 chars") || !strings.Contains(res.Output, "b = 2 chars") {
		t.Errorf("output = %q", res.Output)
	}
}

func TestPathEscapeRejected(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	_, err := e.Exec(`x = peek("../etc/passwd", 1, 1)`)
	if !errors.IsCode(err, errors.ReplExecError) {
		t.Errorf("error = %v, want REPL_EXEC_ERROR", err)
	}
}
