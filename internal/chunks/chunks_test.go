package chunks

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"skeld/internal/config"
	"skeld/internal/errors"
	"skeld/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{
		Format: logging.HumanFormat,
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})
}

func newTestStore(t *testing.T, root string, size, overlap int) *Store {
	t.Helper()
	store, err := NewStore(root, config.ChunksConfig{Size: size, Overlap: overlap}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestIndicesSmall(t *testing.T) {
	tests := []struct {
		name    string
		total   int
		size    int
		overlap int
		want    []Window
	}{
		{
			name: "exact fit", total: 4, size: 4, overlap: 1,
			want: []Window{{1, 4}},
		},
		{
			name: "overlapping windows", total: 10, size: 4, overlap: 1,
			want: []Window{{1, 4}, {4, 7}, {7, 10}},
		},
		{
			name: "short last chunk", total: 9, size: 4, overlap: 1,
			want: []Window{{1, 4}, {4, 7}, {7, 9}},
		},
		{
			name: "file smaller than chunk", total: 2, size: 200, overlap: 20,
			want: []Window{{1, 2}},
		},
		{
			name: "empty file", total: 0, size: 4, overlap: 1,
			want: nil,
		},
		{
			name: "degenerate overlap", total: 10, size: 4, overlap: 4,
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Indices(tt.total, tt.size, tt.overlap)
			if len(got) != len(tt.want) {
				t.Fatalf("Indices = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("Indices = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestIndicesCoverageProperty(t *testing.T) {
	const total, size, overlap = 1000, 200, 20
	windows := Indices(total, size, overlap)

	if windows[0].Start != 1 {
		t.Errorf("first window starts at %d, want 1", windows[0].Start)
	}
	if windows[len(windows)-1].End != total {
		t.Errorf("last window ends at %d, want %d", windows[len(windows)-1].End, total)
	}
	for i := 1; i < len(windows); i++ {
		prev, cur := windows[i-1], windows[i]
		sharedLines := prev.End - cur.Start + 1
		if sharedLines != overlap {
			t.Errorf("windows %d/%d overlap by %d lines, want %d", i-1, i, sharedLines, overlap)
		}
	}
}

func TestGenerateAndRead(t *testing.T) {
	root := t.TempDir()
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	if err := os.WriteFile(filepath.Join(root, "big.txt"), []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, root, 4, 1)
	if err := store.Generate("big.txt"); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	manifest, pending, err := store.List("big.txt")
	if err != nil || pending {
		t.Fatalf("List = pending=%v err=%v, want ready", pending, err)
	}
	if manifest.TotalChunks != 3 || manifest.TotalLines != 10 {
		t.Fatalf("manifest = %+v, want 3 chunks of 10 lines", manifest)
	}

	res, pending, err := store.Read("big.txt", 1)
	if err != nil || pending {
		t.Fatalf("Read = pending=%v err=%v", pending, err)
	}
	if res.Window.Start != 4 || res.Window.End != 7 {
		t.Errorf("window = %+v, want 4-7", res.Window)
	}
	if res.Content != "line 4\nline 5\nline 6\nline 7\n" {
		t.Errorf("content = %q", res.Content)
	}
	if res.TotalChunks != 3 {
		t.Errorf("total chunks = %d, want 3", res.TotalChunks)
	}
}

func TestListPendingThenReady(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("a\nb\nc\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, root, 2, 1)
	_, pending, err := store.List("f.txt")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !pending {
		t.Fatal("first List should report pending while generation runs")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		manifest, pending, err := store.List("f.txt")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if !pending {
			if manifest.TotalChunks != 2 {
				t.Fatalf("manifest = %+v, want 2 chunks", manifest)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("generation never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStaleManifestRegenerates(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "f.txt")
	if err := os.WriteFile(path, []byte("a\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, root, 2, 1)
	if err := store.Generate("f.txt"); err != nil {
		t.Fatal(err)
	}
	if _, pending, _ := store.List("f.txt"); pending {
		t.Fatal("expected ready after Generate")
	}

	if err := os.WriteFile(path, []byte("a\nb\nc\nd\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	_, pending, err := store.List("f.txt")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if !pending {
		t.Fatal("changed mtime should invalidate the manifest")
	}
}

func TestReadOutOfRange(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("a\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, root, 2, 1)
	if err := store.Generate("f.txt"); err != nil {
		t.Fatal(err)
	}

	_, _, err := store.Read("f.txt", 5)
	if !errors.IsCode(err, errors.NotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}

func TestGenerateRejectsBinary(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "blob.bin"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, root, 2, 1)
	err := store.Generate("blob.bin")
	if !errors.IsCode(err, errors.ParseError) {
		t.Errorf("error = %v, want PARSE_ERROR for binary content", err)
	}
}

func TestRemoveDropsChunks(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f.txt"), []byte("a\nb\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, root, 2, 1)
	if err := store.Generate("f.txt"); err != nil {
		t.Fatal(err)
	}
	store.Remove("f.txt")

	if _, err := os.Stat(store.fileDir("f.txt")); !os.IsNotExist(err) {
		t.Error("chunk directory should be removed")
	}
}

func TestMissingFile(t *testing.T) {
	store := newTestStore(t, t.TempDir(), 2, 1)
	_, _, err := store.List("nope.txt")
	if !errors.IsCode(err, errors.NotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}
