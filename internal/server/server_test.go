package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skeld/internal/cache"
	"skeld/internal/chunks"
	"skeld/internal/config"
	"skeld/internal/ignore"
	"skeld/internal/logging"
	"skeld/internal/repl"
	"skeld/internal/stats"
)

type fixture struct {
	server  *Server
	store   *cache.Store
	session *stats.Session
	root    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureConfig(t, config.ServerConfig{
		Port:            0,
		ReadTimeoutS:    5,
		WriteTimeoutS:   5,
		MaxRequestBytes: 1 << 20,
	})
}

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{
		Format: logging.HumanFormat,
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})
}

func newFixtureConfig(t *testing.T, serverCfg config.ServerConfig) *fixture {
	t.Helper()
	root := t.TempDir()
	logger := testLogger()
	matcher := ignore.NewMatcher([]string{".git", ".skeld"}, nil)

	store := cache.NewStore(root, logger)
	chunkStore, err := chunks.NewStore(root, config.ChunksConfig{Size: 4, Overlap: 1}, logger)
	if err != nil {
		t.Fatal(err)
	}
	engine := repl.NewEngine(root, config.ReplConfig{MaxOutputChars: 8000, GrepMaxResults: 50},
		chunkStore, matcher, logger)
	session := stats.NewSession(nil)

	srv := New(serverCfg, Deps{
		Store:    store,
		Chunks:   chunkStore,
		Engine:   engine,
		Session:  session,
		Matcher:  matcher,
		Activity: NewActivity(),
		Logger:   logger,
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(srv.Stop)

	return &fixture{server: srv, store: store, session: session, root: root}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	path := filepath.Join(f.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// request sends one JSON request, half-closes, and decodes the response.
func (f *fixture) request(t *testing.T, payload string) map[string]interface{} {
	t.Helper()
	raw := f.raw(t, payload)

	var response map[string]interface{}
	if err := json.Unmarshal(raw, &response); err != nil {
		t.Fatalf("bad response %q: %v", raw, err)
	}
	return response
}

func (f *fixture) raw(t *testing.T, payload string) []byte {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", f.server.Port()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	if payload != "" {
		if _, err := conn.Write([]byte(payload)); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	data, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

func errorCode(t *testing.T, response map[string]interface{}) string {
	t.Helper()
	errObj, ok := response["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("response has no error: %+v", response)
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestBareProbeGetsAlive(t *testing.T) {
	f := newFixture(t)
	raw := f.raw(t, "")
	if string(raw) != "ALIVE" {
		t.Errorf("probe response = %q, want ALIVE", raw)
	}
}

func TestProbeWithoutHalfCloseGetsAlive(t *testing.T) {
	f := newFixtureConfig(t, config.ServerConfig{
		Port:            0,
		ReadTimeoutS:    1,
		WriteTimeoutS:   5,
		MaxRequestBytes: 1 << 20,
	})

	// A probe that neither writes nor half-closes waits out the read
	// deadline and still gets the banner.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", f.server.Port()))
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(4 * time.Second))

	raw, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(raw) != "ALIVE" {
		t.Errorf("probe response = %q, want ALIVE", raw)
	}
}

func TestReplDispatchUnblocksAfterStop(t *testing.T) {
	// No Start: the worker goroutine is absent, as it is once shutdown
	// has begun.
	s := New(config.ServerConfig{}, Deps{Logger: testLogger()})
	close(s.done)

	got := make(chan interface{}, 1)
	go func() {
		resp, _ := s.dispatch(Request{Action: "repl_status"})
		got <- resp
	}()

	select {
	case resp := <-got:
		payload, ok := resp.(map[string]interface{})
		if !ok {
			t.Fatalf("response = %+v, want error envelope", resp)
		}
		errObj, ok := payload["error"].(map[string]interface{})
		if !ok || errObj["code"] != "RESOURCE_BUSY" {
			t.Errorf("error = %+v, want RESOURCE_BUSY", payload["error"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch still blocked after shutdown")
	}
}

func TestMalformedJSONIsProtocolError(t *testing.T) {
	f := newFixture(t)
	response := f.request(t, "{not json")
	if code := errorCode(t, response); code != "PROTOCOL_ERROR" {
		t.Errorf("code = %q, want PROTOCOL_ERROR", code)
	}
}

func TestUnknownActionIsProtocolError(t *testing.T) {
	f := newFixture(t)
	response := f.request(t, `{"action":"explode"}`)
	if code := errorCode(t, response); code != "PROTOCOL_ERROR" {
		t.Errorf("code = %q, want PROTOCOL_ERROR", code)
	}
}

func TestStatusResponse(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.py", "def foo():\n    pass\n")
	if _, err := f.store.Get(context.Background(), "a.py"); err != nil {
		t.Fatal(err)
	}

	response := f.request(t, `{"action":"status"}`)
	if response["status"] != "alive" {
		t.Errorf("status = %v, want alive", response["status"])
	}
	if response["root"] != f.root {
		t.Errorf("root = %v, want %v", response["root"], f.root)
	}
	if response["cache_size"].(float64) != 1 {
		t.Errorf("cache_size = %v, want 1", response["cache_size"])
	}
	if _, ok := response["session"].(map[string]interface{}); !ok {
		t.Errorf("session missing: %+v", response)
	}
}

func TestSqueezeScenario(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/util.py", "def foo(x):\n    return x + 1")

	response := f.request(t, `{"action":"squeeze","path":"a/util.py"}`)
	skeleton, ok := response["skeleton"].(string)
	if !ok {
		t.Fatalf("no skeleton in %+v", response)
	}
	if !strings.Contains(skeleton, "def foo(x):") || !strings.Contains(skeleton, "...") {
		t.Errorf("skeleton = %q", skeleton)
	}
	if strings.Contains(skeleton, "x + 1") {
		t.Errorf("skeleton leaks body: %q", skeleton)
	}
}

func TestSqueezeNotFound(t *testing.T) {
	f := newFixture(t)
	response := f.request(t, `{"action":"squeeze","path":"nope.py"}`)
	if code := errorCode(t, response); code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", code)
	}
}

func TestSqueezeRejectsEscape(t *testing.T) {
	f := newFixture(t)
	response := f.request(t, `{"action":"squeeze","path":"../../etc/passwd"}`)
	if code := errorCode(t, response); code != "PROTOCOL_ERROR" {
		t.Errorf("code = %q, want PROTOCOL_ERROR", code)
	}
}

func TestFindScenario(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/util.py", "def foo(x):\n    return x + 1")

	response := f.request(t, `{"action":"find","path":"a/util.py","symbol":"foo"}`)
	if response["start_line"].(float64) != 1 || response["end_line"].(float64) != 2 {
		t.Errorf("span = %v-%v, want 1-2", response["start_line"], response["end_line"])
	}
}

func TestFindUpdatesAfterModify(t *testing.T) {
	f := newFixture(t)
	f.write(t, "m.py", "def old():\n    pass\n")
	if _, err := f.store.Get(context.Background(), "m.py"); err != nil {
		t.Fatal(err)
	}

	f.write(t, "m.py", "# moved\n\ndef old():\n    pass\n")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(filepath.Join(f.root, "m.py"), future, future); err != nil {
		t.Fatal(err)
	}

	response := f.request(t, `{"action":"find","path":"m.py","symbol":"old"}`)
	if response["start_line"].(float64) != 3 {
		t.Errorf("start_line = %v, want 3 after modification", response["start_line"])
	}
}

func TestFindAvoidedExcludesSpan(t *testing.T) {
	f := newFixture(t)
	content := "def foo():\n    pass\n\ndef bar():\n    pass\n"
	f.write(t, "m.py", content)

	f.request(t, `{"action":"find","path":"m.py","symbol":"foo"}`)

	span := len("def foo():\n") + len("    pass\n")
	want := (len(content) - span) / 4
	got := f.session.Summary().Breakdown["find"].TokensAvoided
	if got != int64(want) {
		t.Errorf("find tokens avoided = %d, want %d (file minus located span)", got, want)
	}
}

func TestSearchSubtree(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a/one.py", "def foo():\n    pass\n")
	f.write(t, "b/two.py", "def foo_other():\n    pass\n")
	ctx := context.Background()
	for _, rel := range []string{"a/one.py", "b/two.py"} {
		if _, err := f.store.Get(ctx, rel); err != nil {
			t.Fatal(err)
		}
	}

	response := f.request(t, `{"action":"search","query":"foo","path":"a"}`)
	results, ok := response["results"].([]interface{})
	if !ok || len(results) != 1 {
		t.Fatalf("results = %+v, want one file", response["results"])
	}
	first := results[0].(map[string]interface{})
	if first["path"] != "a/one.py" {
		t.Errorf("path = %v, want a/one.py", first["path"])
	}
}

func TestChunksPendingThenRead(t *testing.T) {
	f := newFixture(t)
	f.write(t, "big.txt", "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n")

	response := f.request(t, `{"action":"chunks_list","path":"big.txt"}`)
	if response["status"] != "pending" {
		// generation can be instant on fast disks; both outcomes are valid
		if response["total_chunks"] == nil {
			t.Fatalf("unexpected response %+v", response)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		response = f.request(t, `{"action":"chunks_list","path":"big.txt"}`)
		if response["status"] != "pending" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("chunks never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if response["total_chunks"].(float64) != 3 {
		t.Errorf("total_chunks = %v, want 3", response["total_chunks"])
	}

	read := f.request(t, `{"action":"chunks_read","path":"big.txt","chunk":1}`)
	if read["content"] != "4\n5\n6\n7\n" {
		t.Errorf("content = %q", read["content"])
	}
	lines := read["lines"].([]interface{})
	if lines[0].(float64) != 4 || lines[1].(float64) != 7 {
		t.Errorf("lines = %v, want [4 7]", lines)
	}
}

func TestReplOverWire(t *testing.T) {
	f := newFixture(t)

	initResp := f.request(t, `{"action":"repl_init"}`)
	if initResp["status"] != "ready" {
		t.Fatalf("repl_init = %+v", initResp)
	}

	execResp := f.request(t, `{"action":"repl_exec","code":"x = \"hi\"\nprint(x)"}`)
	if execResp["output"] != "hi\n" {
		t.Errorf("output = %v, want hi", execResp["output"])
	}

	statusResp := f.request(t, `{"action":"repl_status"}`)
	if statusResp["exec_count"].(float64) != 1 {
		t.Errorf("exec_count = %v, want 1", statusResp["exec_count"])
	}

	f.request(t, `{"action":"repl_reset"}`)
	statusResp = f.request(t, `{"action":"repl_status"}`)
	if statusResp["exec_count"].(float64) != 0 {
		t.Errorf("exec_count after reset = %v, want 0", statusResp["exec_count"])
	}
}

func TestReplExecErrorSurfaced(t *testing.T) {
	f := newFixture(t)
	response := f.request(t, `{"action":"repl_exec","code":"print(undefined_var)"}`)
	if code := errorCode(t, response); code != "REPL_EXEC_ERROR" {
		t.Errorf("code = %q, want REPL_EXEC_ERROR", code)
	}
}

func TestStatsAccumulate(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.py", "def foo():\n    pass\n")

	f.request(t, `{"action":"squeeze","path":"a.py"}`)
	f.request(t, `{"action":"status"}`)

	sum := f.session.Summary()
	if sum.ToolCalls < 2 {
		t.Errorf("tool calls = %d, want >= 2", sum.ToolCalls)
	}
	if sum.Breakdown["squeeze"].Calls != 1 {
		t.Errorf("squeeze breakdown = %+v", sum.Breakdown["squeeze"])
	}
}

func TestTreeListing(t *testing.T) {
	f := newFixture(t)
	f.write(t, "src/app.py", "x = 1\n")
	f.write(t, "README.md", "# hi\n")

	response := f.request(t, `{"action":"tree","path":"","max_depth":0}`)
	tree, ok := response["tree"].(map[string]interface{})
	if !ok {
		t.Fatalf("no tree in %+v", response)
	}
	children := tree["children"].([]interface{})
	names := map[string]string{}
	for _, c := range children {
		child := c.(map[string]interface{})
		names[child["name"].(string)] = child["type"].(string)
	}
	if names["src"] != "dir" || names["README.md"] != "file" {
		t.Errorf("children = %+v", names)
	}
}

