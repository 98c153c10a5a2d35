package repl

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// Snapshot layout: 8-byte magic, big-endian uint32 format version, then
// zstd-compressed JSON of State. A version bump invalidates old snapshots;
// they are discarded on load, never migrated.
var snapshotMagic = [8]byte{'S', 'K', 'E', 'L', 'D', 'R', 'P', 'L'}

const snapshotVersion uint32 = 1

// saveSnapshotLocked persists the current state. Called with e.mu held;
// failures are logged, not surfaced, so a full disk never breaks exec.
func (e *Engine) saveSnapshotLocked() {
	data, err := encodeSnapshot(e.state)
	if err != nil {
		e.log.Warn("snapshot encode failed", map[string]interface{}{"error": err.Error()})
		return
	}

	tmp := e.snapshotPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(e.snapshotPath), 0o755); err != nil {
		e.log.Warn("snapshot write failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		e.log.Warn("snapshot write failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.Rename(tmp, e.snapshotPath); err != nil {
		e.log.Warn("snapshot rename failed", map[string]interface{}{"error": err.Error()})
	}
}

// SaveSnapshot flushes the current state; used at shutdown.
func (e *Engine) SaveSnapshot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saveSnapshotLocked()
}

// LoadSnapshot restores persisted state. A missing file is a clean start;
// a corrupt or version-mismatched snapshot is discarded and logged.
// Returns whether state was restored.
func (e *Engine) LoadSnapshot() bool {
	data, err := os.ReadFile(e.snapshotPath)
	if err != nil {
		return false
	}

	state, err := decodeSnapshot(data)
	if err != nil {
		e.log.Warn("discarding unusable snapshot", map[string]interface{}{"error": err.Error()})
		_ = os.Remove(e.snapshotPath)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
	return true
}

func encodeSnapshot(state State) ([]byte, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	if err := binary.Write(&buf, binary.BigEndian, snapshotVersion); err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(payload); err != nil {
		enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (State, error) {
	if len(data) < len(snapshotMagic)+4 {
		return State{}, fmt.Errorf("snapshot too short")
	}
	if !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic[:]) {
		return State{}, fmt.Errorf("bad snapshot magic")
	}
	version := binary.BigEndian.Uint32(data[len(snapshotMagic):])
	if version != snapshotVersion {
		return State{}, fmt.Errorf("snapshot version %d, want %d", version, snapshotVersion)
	}

	dec, err := zstd.NewReader(bytes.NewReader(data[len(snapshotMagic)+4:]))
	if err != nil {
		return State{}, err
	}
	defer dec.Close()

	var state State
	if err := json.NewDecoder(dec).Decode(&state); err != nil {
		return State{}, err
	}
	if state.Variables == nil {
		state.Variables = make(map[string]Binding)
	}
	if state.Buffers == nil {
		state.Buffers = make(map[string]Buffer)
	}
	return state, nil
}
