// Package watcher keeps the skeleton cache in sync with the filesystem.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"skeld/internal/config"
	"skeld/internal/ignore"
	"skeld/internal/logging"
)

// EventType represents the type of file system event
type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

// String returns a string representation of the event type
func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// Event is one debounced change to a root-relative path.
type Event struct {
	Type      EventType
	Path      string
	Timestamp time.Time
}

// Handler receives debounced events, one path at a time.
type Handler func(Event)

// Watcher follows the whole tree under root recursively. Newly created
// directories join the watch; a burst of writes to one file collapses
// into a single handler call after the debounce period.
type Watcher struct {
	root     string
	debounce time.Duration
	matcher  *ignore.Matcher
	logger   *logging.Logger
	handler  Handler

	fsw *fsnotify.Watcher

	mu         sync.Mutex
	debouncers map[string]*Debouncer
	latest     map[string]Event

	done chan struct{}
	wg   sync.WaitGroup
}

func New(root string, cfg config.WatcherConfig, matcher *ignore.Matcher, logger *logging.Logger, handler Handler) *Watcher {
	return &Watcher{
		root:       root,
		debounce:   time.Duration(cfg.DebounceMs) * time.Millisecond,
		matcher:    matcher,
		logger:     logger,
		handler:    handler,
		debouncers: make(map[string]*Debouncer),
		latest:     make(map[string]Event),
		done:       make(chan struct{}),
	}
}

// Start registers every non-ignored directory and begins dispatching.
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.fsw = fsw

	if err := w.addTree(w.root); err != nil {
		fsw.Close()
		return err
	}

	w.logger.Info("Starting file watcher", map[string]interface{}{
		"root":       w.root,
		"debounceMs": w.debounce.Milliseconds(),
	})

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts dispatching. Events still sitting in a debounce window are
// flushed to the handler so a write racing shutdown is not lost.
func (w *Watcher) Stop() {
	close(w.done)
	if w.fsw != nil {
		w.fsw.Close()
	}
	w.wg.Wait()

	w.mu.Lock()
	pending := make([]*Debouncer, 0, len(w.debouncers))
	for _, d := range w.debouncers {
		pending = append(pending, d)
	}
	w.mu.Unlock()
	for _, d := range pending {
		d.Flush()
	}

	w.mu.Lock()
	w.debouncers = make(map[string]*Debouncer)
	w.latest = make(map[string]Event)
	w.mu.Unlock()

	w.logger.Info("Stopped file watcher", nil)
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || w.matcher.Path(rel) {
		return
	}

	var eventType EventType
	switch {
	case ev.Op&fsnotify.Create != 0:
		eventType = EventCreate
	case ev.Op&fsnotify.Write != 0:
		eventType = EventModify
	case ev.Op&fsnotify.Remove != 0:
		eventType = EventDelete
	case ev.Op&fsnotify.Rename != 0:
		eventType = EventRename
	default:
		return // chmod etc.
	}

	if eventType == EventCreate {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.matcher.Dir(filepath.Base(ev.Name)) {
				return
			}
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", map[string]interface{}{
					"path":  rel,
					"error": err.Error(),
				})
			}
			// files that arrived with the directory get their own events
			w.emitContained(ev.Name)
			return
		}
	}

	w.schedule(Event{Type: eventType, Path: rel, Timestamp: time.Now()})
}

// schedule coalesces events per path; the last event type before the quiet
// period wins.
func (w *Watcher) schedule(ev Event) {
	w.mu.Lock()
	w.latest[ev.Path] = ev
	d, ok := w.debouncers[ev.Path]
	if !ok {
		d = NewDebouncer(w.debounce)
		w.debouncers[ev.Path] = d
	}
	w.mu.Unlock()

	d.Trigger(func() {
		w.mu.Lock()
		final, ok := w.latest[ev.Path]
		delete(w.latest, ev.Path)
		delete(w.debouncers, ev.Path)
		w.mu.Unlock()

		if ok {
			w.handler(final)
		}
	})
}

// addTree watches dir and all non-ignored directories below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.matcher.Dir(d.Name()) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// emitContained synthesizes create events for files already present in a
// newly watched directory, since their own creation raced the watch.
func (w *Watcher) emitContained(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(w.root, path)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !w.matcher.Path(rel) {
			w.schedule(Event{Type: EventCreate, Path: rel, Timestamp: time.Now()})
		}
		return nil
	})
}
