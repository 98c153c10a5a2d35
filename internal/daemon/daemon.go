// Package daemon assembles and runs the indexing daemon: cache, watcher,
// chunk store, REPL engine, query server, and the idle watchdog.
package daemon

import (
	"context"
	"os"
	"sync"
	"time"

	"skeld/internal/cache"
	"skeld/internal/chunks"
	"skeld/internal/config"
	"skeld/internal/ignore"
	"skeld/internal/lang"
	"skeld/internal/logging"
	"skeld/internal/paths"
	"skeld/internal/repl"
	"skeld/internal/server"
	"skeld/internal/stats"
	"skeld/internal/version"
	"skeld/internal/watcher"
)

// watchdogInterval is how often the idle clock is checked.
const watchdogInterval = 10 * time.Second

// Daemon ties all components to one project root.
type Daemon struct {
	root   string
	cfg    *config.Config
	logger *logging.Logger

	store    *cache.Store
	chunks   *chunks.Store
	engine   *repl.Engine
	session  *stats.Session
	statsLog *stats.Log
	srv      *server.Server
	fw       *watcher.Watcher
	matcher  *ignore.Matcher
	activity *server.Activity

	// watchTick is the idle-check period; tests shorten it.
	watchTick time.Duration

	cancel   context.CancelFunc
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func New(root string, cfg *config.Config, logger *logging.Logger) (*Daemon, error) {
	matcher := ignore.NewMatcher(cfg.Watcher.IgnoreDirs, cfg.Watcher.IgnorePatterns)
	store := cache.NewStore(root, logger)

	chunkStore, err := chunks.NewStore(root, cfg.Chunks, logger)
	if err != nil {
		return nil, err
	}

	var statsLog *stats.Log
	if cfg.Stats.PersistLog {
		if _, err := paths.EnsureStateDir(root); err != nil {
			return nil, err
		}
		statsLog, err = stats.OpenLog(paths.StatsDB(root), logger)
		if err != nil {
			return nil, err
		}
	}
	session := stats.NewSession(statsLog)

	engine := repl.NewEngine(root, cfg.Repl, chunkStore, matcher, logger)
	activity := server.NewActivity()

	d := &Daemon{
		root:      root,
		cfg:       cfg,
		logger:    logger,
		store:     store,
		chunks:    chunkStore,
		engine:    engine,
		session:   session,
		statsLog:  statsLog,
		matcher:   matcher,
		activity:  activity,
		watchTick: watchdogInterval,
		stopped:   make(chan struct{}),
	}

	d.srv = server.New(cfg.Server, server.Deps{
		Store:    store,
		Chunks:   chunkStore,
		Engine:   engine,
		Session:  session,
		Matcher:  matcher,
		Activity: activity,
		Logger:   logger,
	})
	d.fw = watcher.New(root, cfg.Watcher, matcher, logger, d.handleChange)
	return d, nil
}

// Start brings every component up and writes the discovery file. The
// initial cache and chunk scans run in the background; queries issued
// before they finish are served from whatever has been indexed so far.
func (d *Daemon) Start() error {
	if _, err := paths.EnsureStateDir(d.root); err != nil {
		return err
	}

	if d.engine.LoadSnapshot() {
		d.logger.Info("Restored REPL state from snapshot", nil)
	}

	if err := d.srv.Start(); err != nil {
		return err
	}
	if err := WriteDiscovery(d.root, Info{Port: d.srv.Port(), PID: os.Getpid()}); err != nil {
		d.srv.Stop()
		return err
	}
	if err := d.fw.Start(); err != nil {
		d.srv.Stop()
		_ = RemoveDiscovery(d.root)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.store.Scan(ctx, d.matcher); err != nil && ctx.Err() == nil {
			d.logger.Warn("initial cache scan aborted", map[string]interface{}{"error": err.Error()})
		}
		if err := d.chunks.ScanAll(ctx, d.matcher); err != nil && ctx.Err() == nil {
			d.logger.Warn("initial chunk scan aborted", map[string]interface{}{"error": err.Error()})
		}
	}()

	if idle := time.Duration(d.cfg.Server.IdleTimeoutS) * time.Second; idle > 0 {
		d.wg.Add(1)
		go d.watchdog(ctx, idle)
	}

	d.logger.Info("Daemon started", map[string]interface{}{
		"root":    d.root,
		"port":    d.srv.Port(),
		"pid":     os.Getpid(),
		"version": version.Info(),
	})
	return nil
}

// Stop shuts everything down in dependency order and removes the
// discovery file. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Daemon stopping", nil)

		if d.cancel != nil {
			d.cancel()
		}
		d.fw.Stop()
		d.srv.Stop()
		d.engine.SaveSnapshot()
		if d.statsLog != nil {
			_ = d.statsLog.Close()
		}
		if err := RemoveDiscovery(d.root); err != nil {
			d.logger.Warn("failed to remove discovery file", map[string]interface{}{"error": err.Error()})
		}

		d.wg.Wait()
		close(d.stopped)
	})
}

// Wait blocks until Stop completes (explicitly or via the watchdog).
func (d *Daemon) Wait() {
	<-d.stopped
}

// Port returns the bound query port. Valid after Start.
func (d *Daemon) Port() int {
	return d.srv.Port()
}

// watchdog self-terminates the daemon after the configured quiet period.
func (d *Daemon) watchdog(ctx context.Context, idle time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.watchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.activity.IdleFor() >= idle {
				d.logger.Info("Idle timeout reached, shutting down", map[string]interface{}{
					"idleS": int(d.activity.IdleFor().Seconds()),
				})
				go d.Stop()
				return
			}
		}
	}
}

// handleChange applies one debounced filesystem event to the cache and
// the chunk store.
func (d *Daemon) handleChange(ev watcher.Event) {
	switch ev.Type {
	case watcher.EventCreate, watcher.EventModify:
		if lang.Detect(ev.Path) != lang.Unknown {
			if _, err := d.store.Update(context.Background(), ev.Path); err != nil {
				d.logger.Warn("re-extraction failed", map[string]interface{}{
					"path":  ev.Path,
					"error": err.Error(),
				})
			}
		}
		if err := d.chunks.Generate(ev.Path); err != nil {
			d.logger.Debug("re-chunking skipped", map[string]interface{}{
				"path":  ev.Path,
				"error": err.Error(),
			})
		}
	case watcher.EventDelete, watcher.EventRename:
		d.store.Remove(ev.Path)
		d.store.RemovePrefix(ev.Path)
		d.chunks.Remove(ev.Path)
		d.logger.Debug("removed from cache", map[string]interface{}{"path": ev.Path})
	}
}
