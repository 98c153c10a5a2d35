// Package repl implements the persistent execution sandbox: a small helper
// language over one shared namespace, with per-value file dependency
// tracking and mtime-based staleness reporting.
package repl

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"skeld/internal/chunks"
	"skeld/internal/config"
	"skeld/internal/errors"
	"skeld/internal/ignore"
	"skeld/internal/logging"
	"skeld/internal/paths"
)

// Dep records a file a value was derived from, with the mtime at capture.
type Dep struct {
	Path    string `json:"path"`
	MTimeNS int64  `json:"mtime_ns"`
}

// Binding is one named variable: its value and the files it depends on.
type Binding struct {
	Value string `json:"value"`
	Deps  []Dep  `json:"deps"`
}

// Buffer accumulates text entries under one key.
type Buffer struct {
	Entries []string `json:"entries"`
	Deps    []Dep    `json:"deps"`
}

// State is everything that persists across exec calls and daemon restarts.
type State struct {
	Variables map[string]Binding `json:"variables"`
	Buffers   map[string]Buffer  `json:"buffers"`
	ExecCount int                `json:"exec_count"`
}

func newState() State {
	return State{
		Variables: make(map[string]Binding),
		Buffers:   make(map[string]Buffer),
	}
}

// StaleEntry reports one value whose dependency moved underneath it.
type StaleEntry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Reason string `json:"reason"` // "modified" or "deleted"
}

// Engine owns the sandbox state. Callers are expected to serialize exec
// calls; the internal mutex only protects against concurrent status reads.
type Engine struct {
	root    string
	cfg     config.ReplConfig
	chunks  *chunks.Store
	matcher *ignore.Matcher
	log     *logging.Logger

	snapshotPath string

	mu    sync.Mutex
	state State
}

func NewEngine(root string, cfg config.ReplConfig, chunkStore *chunks.Store, matcher *ignore.Matcher, log *logging.Logger) *Engine {
	return &Engine{
		root:         root,
		cfg:          cfg,
		chunks:       chunkStore,
		matcher:      matcher,
		log:          log,
		snapshotPath: paths.ReplSnapshot(root),
		state:        newState(),
	}
}

// InitResult describes the engine after repl_init.
type InitResult struct {
	Status    string `json:"status"`
	ExecCount int    `json:"exec_count"`
	Variables int    `json:"variables"`
	Buffers   int    `json:"buffers"`
	Restored  bool   `json:"restored,omitempty"`
}

// Init reports the engine ready. Idempotent; state survives repeated calls.
func (e *Engine) Init() InitResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return InitResult{
		Status:    "ready",
		ExecCount: e.state.ExecCount,
		Variables: len(e.state.Variables),
		Buffers:   len(e.state.Buffers),
	}
}

// ExecResult is the outcome of one repl_exec call.
type ExecResult struct {
	Output    string       `json:"output"`
	ExecCount int          `json:"exec_count"`
	Stale     []StaleEntry `json:"stale,omitempty"`
}

// Exec runs code against the shared namespace. A runtime error is returned
// as a ReplExecError; state mutated before the failing statement is kept,
// matching ordinary sequential execution.
func (e *Engine) Exec(code string) (ExecResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.ExecCount++

	ev := &evaluator{engine: e}
	output, err := ev.run(code)
	output = truncate(output, e.cfg.MaxOutputChars)

	e.saveSnapshotLocked()

	if err != nil {
		return ExecResult{Output: output, ExecCount: e.state.ExecCount, Stale: e.staleLocked()},
			errors.Wrap(errors.ReplExecError, "exec failed", err)
	}
	return ExecResult{
		Output:    output,
		ExecCount: e.state.ExecCount,
		Stale:     e.staleLocked(),
	}, nil
}

// VarInfo summarizes one variable for repl_status.
type VarInfo struct {
	Name  string `json:"name"`
	Chars int    `json:"chars"`
	Deps  int    `json:"deps"`
}

// BufInfo summarizes one buffer for repl_status.
type BufInfo struct {
	Key     string `json:"key"`
	Entries int    `json:"entries"`
	Chars   int    `json:"chars"`
	Deps    int    `json:"deps"`
}

// StatusResult is the repl_status payload.
type StatusResult struct {
	ExecCount int          `json:"exec_count"`
	Variables []VarInfo    `json:"variables"`
	Buffers   []BufInfo    `json:"buffers"`
	Stale     []StaleEntry `json:"stale,omitempty"`
}

func (e *Engine) Status() StatusResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := StatusResult{ExecCount: e.state.ExecCount, Stale: e.staleLocked()}
	for name, b := range e.state.Variables {
		res.Variables = append(res.Variables, VarInfo{Name: name, Chars: len(b.Value), Deps: len(b.Deps)})
	}
	sort.Slice(res.Variables, func(i, j int) bool { return res.Variables[i].Name < res.Variables[j].Name })
	for key, b := range e.state.Buffers {
		chars := 0
		for _, entry := range b.Entries {
			chars += len(entry)
		}
		res.Buffers = append(res.Buffers, BufInfo{Key: key, Entries: len(b.Entries), Chars: chars, Deps: len(b.Deps)})
	}
	sort.Slice(res.Buffers, func(i, j int) bool { return res.Buffers[i].Key < res.Buffers[j].Key })
	return res
}

// Reset clears variables, buffers and the exec counter atomically, and
// removes the on-disk snapshot.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.state = newState()
	if err := os.Remove(e.snapshotPath); err != nil && !os.IsNotExist(err) {
		e.log.Warn("failed to remove snapshot", map[string]interface{}{"error": err.Error()})
	}
}

// ExportBuffers returns every buffer's entries keyed by buffer name.
func (e *Engine) ExportBuffers() map[string][]string {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string][]string, len(e.state.Buffers))
	for key, b := range e.state.Buffers {
		entries := make([]string, len(b.Entries))
		copy(entries, b.Entries)
		out[key] = entries
	}
	return out
}

// staleLocked compares every tracked dep's current mtime to its captured
// value. Advisory only: nothing is refreshed or dropped.
func (e *Engine) staleLocked() []StaleEntry {
	var stale []StaleEntry

	check := func(owner string, deps []Dep) {
		for _, dep := range deps {
			abs, ok := paths.Resolve(e.root, dep.Path)
			if !ok {
				continue
			}
			info, err := os.Stat(abs)
			switch {
			case os.IsNotExist(err):
				stale = append(stale, StaleEntry{Name: owner, Path: dep.Path, Reason: "deleted"})
			case err == nil && info.ModTime().UnixNano() != dep.MTimeNS:
				stale = append(stale, StaleEntry{Name: owner, Path: dep.Path, Reason: "modified"})
			}
		}
	}

	for name, b := range e.state.Variables {
		check(name, b.Deps)
	}
	for key, b := range e.state.Buffers {
		check(key, b.Deps)
	}

	sort.Slice(stale, func(i, j int) bool {
		if stale[i].Name != stale[j].Name {
			return stale[i].Name < stale[j].Name
		}
		return stale[i].Path < stale[j].Path
	})
	return stale
}

// estimatedTokens is the rough chars-per-token divisor used for output
// accounting.
const estimatedTokens = 4

// truncate caps output at max characters with an explicit marker carrying
// how much was dropped.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	dropped := len(s) - max
	return s[:max] + fmt.Sprintf("\n... (truncated, %d more chars, ~%d tokens)",
		dropped, dropped/estimatedTokens)
}
