// Package cache holds the in-memory skeleton store: one FileRecord per
// watched source file, replaced wholesale whenever the file changes.
package cache

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"skeld/internal/errors"
	"skeld/internal/extract"
	"skeld/internal/ignore"
	"skeld/internal/lang"
	"skeld/internal/logging"
	"skeld/internal/paths"
)

// FileRecord is the cached extraction result for one file. Records are
// immutable once stored; updates swap in a fresh record.
type FileRecord struct {
	Path        string           `json:"path"` // root-relative, slash-separated
	ContentHash string           `json:"contentHash"`
	MTime       time.Time        `json:"mtime"`
	Language    lang.Language    `json:"language"`
	Skeleton    string           `json:"skeleton"`
	Symbols     []extract.Symbol `json:"symbols"`
	TotalLines  int              `json:"totalLines"`
	SourceBytes int              `json:"sourceBytes"`
	Fallback    bool             `json:"fallback"`
}

// Store maps root-relative paths to their current FileRecord.
type Store struct {
	root string
	log  *logging.Logger

	mu    sync.RWMutex
	files map[string]*FileRecord
}

func NewStore(root string, log *logging.Logger) *Store {
	return &Store{
		root:  root,
		log:   log,
		files: make(map[string]*FileRecord),
	}
}

// Root returns the absolute directory the store indexes.
func (s *Store) Root() string {
	return s.root
}

// Lookup returns the current record without triggering extraction.
func (s *Store) Lookup(rel string) (*FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.files[rel]
	return rec, ok
}

// Get returns a current record for rel, extracting if the cache entry is
// missing or the file's mtime moved. Extraction runs outside the lock so
// concurrent readers of other files are never blocked by a parse.
func (s *Store) Get(ctx context.Context, rel string) (*FileRecord, error) {
	abs, ok := paths.Resolve(s.root, rel)
	if !ok {
		return nil, errors.Newf(errors.ProtocolError, "path escapes root: %s", rel)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.Remove(rel)
			return nil, errors.Newf(errors.NotFound, "file not found: %s", rel)
		}
		return nil, errors.Wrap(errors.InternalError, fmt.Sprintf("stat %s", rel), err)
	}
	if info.IsDir() {
		return nil, errors.Newf(errors.ProtocolError, "not a file: %s", rel)
	}

	s.mu.RLock()
	rec, ok := s.files[rel]
	s.mu.RUnlock()
	if ok && rec.MTime.Equal(info.ModTime()) {
		return rec, nil
	}

	return s.Update(ctx, rel)
}

// Update re-extracts rel and swaps the record in. A record computed from a
// newer mtime than ours wins the swap; a stale compute is dropped.
func (s *Store) Update(ctx context.Context, rel string) (*FileRecord, error) {
	abs, ok := paths.Resolve(s.root, rel)
	if !ok {
		return nil, errors.Newf(errors.ProtocolError, "path escapes root: %s", rel)
	}

	content, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.Remove(rel)
			return nil, errors.Newf(errors.NotFound, "file not found: %s", rel)
		}
		return nil, errors.Wrap(errors.InternalError, fmt.Sprintf("read %s", rel), err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrap(errors.InternalError, fmt.Sprintf("stat %s", rel), err)
	}

	language := lang.Detect(rel)
	result, extractErr := extract.Extract(ctx, content, language)
	if extractErr != nil {
		s.log.Warn("extraction failed, using fallback", map[string]interface{}{
			"path":  rel,
			"error": extractErr.Error(),
		})
	}

	rec := &FileRecord{
		Path:        rel,
		ContentHash: fmt.Sprintf("%016x", xxh3.Hash(content)),
		MTime:       info.ModTime(),
		Language:    language,
		Skeleton:    result.Skeleton,
		Symbols:     result.Symbols,
		TotalLines:  result.TotalLines,
		SourceBytes: len(content),
		Fallback:    result.Fallback,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.files[rel]; ok && existing.MTime.After(rec.MTime) {
		return existing, nil
	}
	s.files[rel] = rec
	return rec, nil
}

// Remove drops the record for rel, if any.
func (s *Store) Remove(rel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, rel)
}

// RemovePrefix drops rel and every record under it as a directory. Returns
// the removed paths.
func (s *Store) RemovePrefix(rel string) []string {
	prefix := rel + "/"
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for path := range s.files {
		if path == rel || len(path) > len(prefix) && path[:len(prefix)] == prefix {
			delete(s.files, path)
			removed = append(removed, path)
		}
	}
	sort.Strings(removed)
	return removed
}

// Len reports the number of cached files.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}

// Paths returns all cached paths sorted.
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.files))
	for path := range s.files {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Languages returns the distinct languages in the cache, sorted, excluding
// files that fell back to the default rendering.
func (s *Store) Languages() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	for _, rec := range s.files {
		if rec.Language != lang.Unknown {
			seen[string(rec.Language)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Records returns all records under the given root-relative directory
// ("" or "." for the whole tree), sorted by path.
func (s *Store) Records(dir string) []*FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := ""
	if dir != "" && dir != "." {
		prefix = dir + "/"
	}

	var out []*FileRecord
	for path, rec := range s.files {
		if prefix == "" || path == dir || len(path) > len(prefix) && path[:len(prefix)] == prefix {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Scan walks the root and extracts every supported, non-ignored file.
// Used at startup to prime the cache; errors per file are logged and
// skipped, a context cancel aborts the walk.
func (s *Store) Scan(ctx context.Context, matcher *ignore.Matcher) error {
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
		if lang.Detect(rel) == lang.Unknown {
			return nil
		}

		if _, updateErr := s.Update(ctx, rel); updateErr != nil {
			s.log.Warn("scan skipping file", map[string]interface{}{
				"path":  rel,
				"error": updateErr.Error(),
			})
		}
		return nil
	})
}
