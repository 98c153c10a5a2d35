// Package chunks splits files into fixed-size overlapping line windows and
// materializes them on disk for cheap partial reads.
package chunks

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"skeld/internal/config"
	"skeld/internal/errors"
	"skeld/internal/ignore"
	"skeld/internal/logging"
	"skeld/internal/paths"
)

// Window is a 1-indexed inclusive line range.
type Window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Indices computes the sliding windows covering totalLines. Consecutive
// windows overlap by exactly overlap lines; the last window may be short.
func Indices(totalLines, size, overlap int) []Window {
	if totalLines <= 0 || size <= 0 || overlap >= size {
		return nil
	}

	var windows []Window
	start := 1
	for {
		end := start + size - 1
		if end > totalLines {
			end = totalLines
		}
		windows = append(windows, Window{Start: start, End: end})
		if end == totalLines {
			return windows
		}
		start = end + 1 - overlap
	}
}

// Manifest records the geometry a file was chunked with. MTimeNS ties the
// chunks to the file content they were generated from.
type Manifest struct {
	TotalLines  int   `json:"total_lines"`
	ChunkSize   int   `json:"chunk_size"`
	Overlap     int   `json:"overlap"`
	TotalChunks int   `json:"total_chunks"`
	MTimeNS     int64 `json:"mtime_ns"`
}

// Window returns the line range of chunk i (0-indexed).
func (m Manifest) Window(i int) Window {
	step := m.ChunkSize - m.Overlap
	start := i*step + 1
	end := start + m.ChunkSize - 1
	if end > m.TotalLines {
		end = m.TotalLines
	}
	return Window{Start: start, End: end}
}

const manifestFile = "manifest.json"

// manifestCacheSize bounds the in-memory manifest cache.
const manifestCacheSize = 512

// Store materializes chunks under <root>/.skeld/chunks, mirroring the
// source tree. Generation runs in the background; callers polling a file
// being generated see pending until the atomic swap lands.
type Store struct {
	root    string
	dir     string
	size    int
	overlap int
	log     *logging.Logger

	mu      sync.Mutex
	pending map[string]bool

	manifests *lru.Cache[string, Manifest]
}

func NewStore(root string, cfg config.ChunksConfig, log *logging.Logger) (*Store, error) {
	manifests, err := lru.New[string, Manifest](manifestCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		root:      root,
		dir:       paths.ChunksDir(root),
		size:      cfg.Size,
		overlap:   cfg.Overlap,
		log:       log,
		pending:   make(map[string]bool),
		manifests: manifests,
	}, nil
}

// Geometry returns the configured chunk size and overlap.
func (s *Store) Geometry() (size, overlap int) {
	return s.size, s.overlap
}

// ReadResult is one chunk's content plus enough geometry to reconstruct
// absolute line numbers.
type ReadResult struct {
	Chunk       int
	TotalChunks int
	Window      Window
	Content     string
}

// List returns the manifest for rel. When no manifest exists yet, or the
// file changed since generation, generation is scheduled and pending is
// returned instead.
func (s *Store) List(rel string) (Manifest, bool, error) {
	manifest, pending, err := s.resolve(rel)
	return manifest, pending, err
}

// Read returns chunk i of rel. The same pending contract as List applies.
func (s *Store) Read(rel string, chunk int) (ReadResult, bool, error) {
	manifest, pending, err := s.resolve(rel)
	if err != nil || pending {
		return ReadResult{}, pending, err
	}
	if chunk < 0 || chunk >= manifest.TotalChunks {
		return ReadResult{}, false, errors.Newf(errors.NotFound,
			"chunk %d out of range: %s has %d chunks", chunk, rel, manifest.TotalChunks)
	}

	content, err := os.ReadFile(filepath.Join(s.fileDir(rel), chunkName(chunk)))
	if err != nil {
		return ReadResult{}, false, errors.Wrap(errors.InternalError,
			fmt.Sprintf("read chunk %d of %s", chunk, rel), err)
	}
	return ReadResult{
		Chunk:       chunk,
		TotalChunks: manifest.TotalChunks,
		Window:      manifest.Window(chunk),
		Content:     string(content),
	}, false, nil
}

// resolve loads a current manifest or schedules generation.
func (s *Store) resolve(rel string) (Manifest, bool, error) {
	abs, ok := paths.Resolve(s.root, rel)
	if !ok {
		return Manifest{}, false, errors.Newf(errors.ProtocolError, "path escapes root: %s", rel)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return Manifest{}, false, errors.Newf(errors.NotFound, "file not found: %s", rel)
		}
		return Manifest{}, false, errors.Wrap(errors.InternalError, fmt.Sprintf("stat %s", rel), err)
	}

	if manifest, ok := s.manifests.Get(rel); ok && manifest.MTimeNS == info.ModTime().UnixNano() {
		return manifest, false, nil
	}
	if manifest, err := s.loadManifest(rel); err == nil && manifest.MTimeNS == info.ModTime().UnixNano() {
		s.manifests.Add(rel, manifest)
		return manifest, false, nil
	}

	s.schedule(rel)
	return Manifest{}, true, nil
}

// schedule starts background generation for rel unless one is in flight.
func (s *Store) schedule(rel string) {
	s.mu.Lock()
	if s.pending[rel] {
		s.mu.Unlock()
		return
	}
	s.pending[rel] = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.pending, rel)
			s.mu.Unlock()
		}()
		if err := s.Generate(rel); err != nil {
			s.log.Warn("chunk generation failed", map[string]interface{}{
				"path":  rel,
				"error": err.Error(),
			})
		}
	}()
}

// Generate chunks rel synchronously: chunks are written into a temp
// directory next to the target and swapped in with a rename, so readers
// never observe a half-written chunk set.
func (s *Store) Generate(rel string) error {
	abs, ok := paths.Resolve(s.root, rel)
	if !ok {
		return errors.Newf(errors.ProtocolError, "path escapes root: %s", rel)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return errors.Wrap(errors.InternalError, fmt.Sprintf("read %s", rel), err)
	}
	if !utf8.Valid(content) {
		return errors.Newf(errors.ParseError, "not a text file: %s", rel)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return errors.Wrap(errors.InternalError, fmt.Sprintf("stat %s", rel), err)
	}

	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	windows := Indices(len(lines), s.size, s.overlap)

	target := s.fileDir(rel)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	tmp, err := os.MkdirTemp(filepath.Dir(target), ".chunks-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	for i, w := range windows {
		text := strings.Join(lines[w.Start-1:w.End], "\n") + "\n"
		if err := os.WriteFile(filepath.Join(tmp, chunkName(i)), []byte(text), 0o644); err != nil {
			return err
		}
	}

	manifest := Manifest{
		TotalLines:  len(lines),
		ChunkSize:   s.size,
		Overlap:     s.overlap,
		TotalChunks: len(windows),
		MTimeNS:     info.ModTime().UnixNano(),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestFile), data, 0o644); err != nil {
		return err
	}

	if err := os.RemoveAll(target); err != nil {
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}
	s.manifests.Add(rel, manifest)
	return nil
}

// Remove drops the chunk set for rel (or a whole directory of them).
func (s *Store) Remove(rel string) {
	s.manifests.Remove(rel)
	_ = os.RemoveAll(s.fileDir(rel))
}

func (s *Store) loadManifest(rel string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.fileDir(rel), manifestFile))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// ScanAll chunks every non-ignored text file under the root. Meant to run
// in the background after startup; per-file failures are logged and
// skipped.
func (s *Store) ScanAll(ctx context.Context, matcher *ignore.Matcher) error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && matcher.Dir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher.Path(rel) {
			return nil
		}

		if genErr := s.Generate(rel); genErr != nil {
			if !errors.IsCode(genErr, errors.ParseError) {
				s.log.Warn("scan skipping file", map[string]interface{}{
					"path":  rel,
					"error": genErr.Error(),
				})
			}
		}
		return nil
	})
}

func (s *Store) fileDir(rel string) string {
	return filepath.Join(s.dir, filepath.FromSlash(rel))
}

func chunkName(i int) string {
	return fmt.Sprintf("chunk_%03d.txt", i)
}
