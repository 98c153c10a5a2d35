package server

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"skeld/internal/errors"
	"skeld/internal/index"
	"skeld/internal/lang"
	"skeld/internal/paths"
)

func (s *Server) dispatchQuery(req Request) result {
	switch req.Action {
	case "status":
		return s.handleStatus()
	case "tree":
		return s.handleTree(req)
	case "squeeze":
		return s.handleSqueeze(req)
	case "find":
		return s.handleFind(req)
	case "search":
		return s.handleSearch(req)
	case "chunks_list":
		return s.handleChunksList(req)
	case "chunks_read":
		return s.handleChunksRead(req)
	default:
		return result{payload: errorResponse(
			errors.Newf(errors.ProtocolError, "unknown action %q", req.Action))}
	}
}

// dispatchRepl handles the repl_* actions; always called from the single
// REPL worker goroutine.
func (s *Server) dispatchRepl(req Request) interface{} {
	switch req.Action {
	case "repl_init":
		return s.engine.Init()
	case "repl_exec":
		res, err := s.engine.Exec(req.Code)
		if err != nil {
			payload := errorResponse(err)
			payload["output"] = res.Output
			payload["exec_count"] = res.ExecCount
			if len(res.Stale) > 0 {
				payload["stale"] = res.Stale
			}
			return payload
		}
		return res
	case "repl_status":
		return s.engine.Status()
	case "repl_reset":
		s.engine.Reset()
		return map[string]interface{}{"status": "reset"}
	case "repl_export_buffers":
		return map[string]interface{}{"buffers": s.engine.ExportBuffers()}
	default:
		return errorResponse(errors.Newf(errors.ProtocolError, "unknown action %q", req.Action))
	}
}

func (s *Server) handleStatus() result {
	root := s.store.Root()
	if _, err := os.Stat(root); err != nil {
		s.logger.Error("watched root is gone", map[string]interface{}{"root": root})
		return result{payload: errorResponse(
			errors.Newf(errors.RootLost, "watched root no longer exists: %s", root))}
	}

	return result{payload: map[string]interface{}{
		"status":     "alive",
		"root":       root,
		"cache_size": s.store.Len(),
		"languages":  s.store.Languages(),
		"session":    s.session.Summary(),
	}}
}

func (s *Server) handleSqueeze(req Request) result {
	rec, err := s.store.Get(context.Background(), req.Path)
	if err != nil {
		return result{payload: errorResponse(err)}
	}
	avoided := rec.SourceBytes - len(rec.Skeleton)
	if avoided < 0 {
		avoided = 0
	}
	return result{
		payload: map[string]interface{}{"skeleton": rec.Skeleton},
		avoided: avoided,
	}
}

func (s *Server) handleFind(req Request) result {
	if req.Symbol == "" {
		return result{payload: errorResponse(
			errors.New(errors.ProtocolError, "find requires a symbol"))}
	}
	rec, err := s.store.Get(context.Background(), req.Path)
	if err != nil {
		return result{payload: errorResponse(err)}
	}
	found, err := index.Find(rec, req.Symbol)
	if err != nil {
		return result{payload: errorResponse(err)}
	}

	payload := map[string]interface{}{
		"start_line": found.StartLine,
		"end_line":   found.EndLine,
		"kind":       found.Symbol.Kind,
	}
	if found.Ambiguous {
		payload["ambiguous"] = true
	}

	// The caller still reads the located span, so only the rest of the
	// file counts as avoided.
	avoided := rec.SourceBytes - s.spanBytes(req.Path, found.StartLine, found.EndLine)
	if avoided < 0 {
		avoided = 0
	}
	return result{payload: payload, avoided: avoided}
}

// spanBytes measures the source bytes of the inclusive line range, 0 when
// the file cannot be read back.
func (s *Server) spanBytes(rel string, start, end int) int {
	abs, ok := paths.Resolve(s.store.Root(), rel)
	if !ok {
		return 0
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return 0
	}
	lines := strings.Split(string(data), "\n")
	n := 0
	for i := start; i <= end && i <= len(lines); i++ {
		n += len(lines[i-1]) + 1
	}
	return n
}

// searchMaxFiles caps how many files one search response names.
const searchMaxFiles = 50

func (s *Server) handleSearch(req Request) result {
	if req.Query == "" {
		return result{payload: errorResponse(
			errors.New(errors.ProtocolError, "search requires a query"))}
	}

	matches := index.Search(s.store, req.Query, req.Path, searchMaxFiles)
	avoided := 0
	for _, m := range matches {
		if rec, ok := s.store.Lookup(m.Path); ok {
			avoided += rec.SourceBytes
		}
	}
	return result{
		payload: map[string]interface{}{"results": matches},
		avoided: avoided,
	}
}

func (s *Server) handleChunksList(req Request) result {
	manifest, pending, err := s.chunks.List(req.Path)
	if err != nil {
		return result{payload: errorResponse(err)}
	}
	if pending {
		return result{payload: map[string]interface{}{"status": "pending"}}
	}
	return result{payload: map[string]interface{}{
		"total_lines":  manifest.TotalLines,
		"chunk_size":   manifest.ChunkSize,
		"overlap":      manifest.Overlap,
		"total_chunks": manifest.TotalChunks,
	}}
}

func (s *Server) handleChunksRead(req Request) result {
	res, pending, err := s.chunks.Read(req.Path, req.Chunk)
	if err != nil {
		return result{payload: errorResponse(err)}
	}
	if pending {
		return result{payload: map[string]interface{}{"status": "pending"}}
	}

	avoided := 0
	if rec, ok := s.store.Lookup(req.Path); ok {
		avoided = rec.SourceBytes - len(res.Content)
		if avoided < 0 {
			avoided = 0
		}
	}
	return result{
		payload: map[string]interface{}{
			"chunk":        res.Chunk,
			"total_chunks": res.TotalChunks,
			"lines":        [2]int{res.Window.Start, res.Window.End},
			"content":      res.Content,
		},
		avoided: avoided,
	}
}

// treeNode is one entry of the directory listing. Directories carry
// children; files carry size and detected language.
type treeNode struct {
	Name      string      `json:"name"`
	Type      string      `json:"type"`
	SizeBytes int64       `json:"size_bytes,omitempty"`
	Language  string      `json:"language,omitempty"`
	Children  []*treeNode `json:"children,omitempty"`
}

func (s *Server) handleTree(req Request) result {
	rel := req.Path
	if rel == "" {
		rel = "."
	}
	abs, ok := paths.Resolve(s.store.Root(), rel)
	if !ok {
		return result{payload: errorResponse(
			errors.Newf(errors.ProtocolError, "path escapes root: %s", req.Path))}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return result{payload: errorResponse(
			errors.Newf(errors.NotFound, "directory not found: %s", rel))}
	}
	if !info.IsDir() {
		return result{payload: errorResponse(
			errors.Newf(errors.ProtocolError, "not a directory: %s", rel))}
	}

	node, err := s.buildTree(abs, filepath.Base(abs), req.MaxDepth)
	if err != nil {
		return result{payload: errorResponse(
			errors.Wrap(errors.InternalError, "tree listing failed", err))}
	}
	return result{payload: map[string]interface{}{"tree": node}}
}

// buildTree lists one directory level; maxDepth <= 0 means unlimited.
func (s *Server) buildTree(dir, name string, maxDepth int) (*treeNode, error) {
	node := &treeNode{Name: name, Type: "dir"}
	if maxDepth == 1 {
		return node, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			if s.matcher.Dir(entry.Name()) {
				continue
			}
			child, err := s.buildTree(filepath.Join(dir, entry.Name()), entry.Name(), nextDepth(maxDepth))
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // raced a delete
			}
			return nil, err
		}
		child := &treeNode{
			Name:      entry.Name(),
			Type:      "file",
			SizeBytes: info.Size(),
			Language:  string(lang.Detect(entry.Name())),
		}
		node.Children = append(node.Children, child)
	}
	return node, nil
}

func nextDepth(maxDepth int) int {
	if maxDepth <= 0 {
		return 0
	}
	return maxDepth - 1
}
