package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ocdev21/l1sentry/internal/events"
	"github.com/ocdev21/l1sentry/internal/logging"
	"github.com/ocdev21/l1sentry/internal/parser"
)

// Watcher polls a directory and feeds newly arrived capture files through
// one engine, preserving cross-file learning state.
type Watcher struct {
	engine   *Engine
	interval time.Duration
	log      *logging.Logger

	// seen maps processed paths to their size at processing time.
	seen map[string]int64
	// pending holds files whose size must hold steady for one scan before
	// processing, so half-written uploads are not parsed.
	pending map[string]int64
}

// NewWatcher wraps an engine in a polling loop.
func NewWatcher(e *Engine, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Watcher{
		engine:   e,
		interval: interval,
		log:      logging.EngineLogger().WithComponent("watch"),
		seen:     make(map[string]int64),
		pending:  make(map[string]int64),
	}
}

// Watch scans dir until the context is canceled, invoking sink for each
// completed report. Files already present at startup are processed first.
// Per-file failures are logged and skipped; only context cancellation ends
// the loop.
func (w *Watcher) Watch(ctx context.Context, dir string, sink func(*FileReport)) error {
	w.publish(events.EventWatchStarted, dir)
	defer w.publish(events.EventWatchStopped, dir)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.scan(ctx, dir, sink)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scan(ctx context.Context, dir string, sink func(*FileReport)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.log.Error("directory scan failed", "dir", dir, logging.Err(err))
		return
	}

	var ready []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if _, done := w.seen[path]; done {
			continue
		}
		if _, err := parser.Sniff(path); errors.Is(err, parser.ErrUnknownFormat) {
			w.seen[path] = info.Size()
			continue
		} else if err != nil {
			continue
		}

		// First sighting arms the stability check; process on the next
		// scan if the size held.
		if prev, ok := w.pending[path]; !ok || prev != info.Size() {
			w.pending[path] = info.Size()
			w.publish(events.EventFileDiscovered, path)
			continue
		}
		ready = append(ready, path)
	}
	sort.Strings(ready)

	for _, path := range ready {
		if ctx.Err() != nil {
			return
		}
		delete(w.pending, path)
		report, err := w.engine.AnalyzeFile(ctx, path)
		if err != nil {
			w.log.Error("file analysis failed", "file", path, logging.Err(err))
			w.seen[path] = -1
			continue
		}
		w.seen[path] = int64(report.Records)
		if sink != nil {
			sink(report)
		}
	}
}

func (w *Watcher) publish(t events.Type, path string) {
	if w.engine.bus != nil {
		w.engine.bus.PublishImmediate(t, &FileInfo{Path: path})
	}
}
