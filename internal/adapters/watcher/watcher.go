// Package watcher harvests raster files as they appear in or disappear from
// the mosaic directory.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event represents a file system event.
type Event struct {
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler is called when a relevant file event occurs. Handlers run one at
// a time in event order.
type Handler func(ctx context.Context, event Event) error

// pendingEvent holds a debounced event with its operation.
type pendingEvent struct {
	timestamp time.Time
	op        Operation
}

// Watcher watches directories for granule changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	match     func(path string) bool
	logger    *slog.Logger
	paths     []string
	recursive bool
	debounce  time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent

	queue  chan Event
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	Paths     []string
	Recursive bool
	Debounce  time.Duration
	// Match selects the files passed to the handler. It must not depend on
	// the file still existing, since it is also asked about deleted files.
	Match func(path string) bool
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	match := cfg.Match
	if match == nil {
		match = func(string) bool { return true }
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		match:     match,
		logger:    logger,
		paths:     cfg.Paths,
		recursive: cfg.Recursive,
		debounce:  cfg.Debounce,
		pending:   make(map[string]*pendingEvent),
		queue:     make(chan Event, 64),
	}, nil
}

// Start starts watching the configured paths.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range w.paths {
		if err := w.AddPath(path); err != nil {
			w.logger.Warn("failed to watch path", "path", path, "error", err)
		}
	}

	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.eventLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.debounceLoop(ctx)
	}()
	go func() {
		defer w.wg.Done()
		w.dispatchLoop(ctx)
	}()

	return nil
}

// Stop stops the watcher and waits for a running handler to return.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

// eventLoop processes fsnotify events.
func (w *Watcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleFsEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// handleFsEvent processes a single fsnotify event.
func (w *Watcher) handleFsEvent(event fsnotify.Event) {
	if w.recursive && event.Op.Has(fsnotify.Create) && isDir(event.Name) {
		if err := w.addTree(event.Name); err != nil {
			w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
		}
		return
	}

	if !w.match(event.Name) {
		return
	}

	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())

	op := fsnotifyOpToOperation(event.Op)

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, exists := w.pending[event.Name]
	if !exists {
		w.pending[event.Name] = &pendingEvent{
			timestamp: time.Now(),
			op:        op,
		}
		return
	}

	w.updatePendingEvent(existing, op)
}

// updatePendingEvent updates an existing pending event based on the new operation.
func (w *Watcher) updatePendingEvent(existing *pendingEvent, newOp Operation) {
	existing.timestamp = time.Now()

	switch {
	case existing.op == OpDelete && newOp == OpCreate:
		// Deleted then recreated.
		existing.op = OpCreate
	case newOp == OpDelete:
		existing.op = OpDelete
	}
}

// debounceLoop processes debounced events.
func (w *Watcher) debounceLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			w.processPending(ctx)
		}
	}
}

// processPending queues the events that have been quiet for the debounce
// interval, oldest first.
func (w *Watcher) processPending(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []Event
	var stamps []time.Time
	for path, pending := range w.pending {
		if now.Sub(pending.timestamp) < w.debounce {
			continue
		}
		delete(w.pending, path)
		ready = append(ready, Event{Path: path, Operation: pending.op})
		stamps = append(stamps, pending.timestamp)
	}
	w.mu.Unlock()

	sortByTime(ready, stamps)

	for _, e := range ready {
		select {
		case w.queue <- e:
		case <-ctx.Done():
			return
		}
	}
}

// dispatchLoop runs the handler for queued events.
func (w *Watcher) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-w.queue:
			w.logger.Info("processing file event",
				"path", e.Path,
				"operation", e.Operation.String(),
			)
			if err := w.handler(ctx, e); err != nil {
				w.logger.Error("handler error",
					"path", e.Path,
					"operation", e.Operation.String(),
					"error", err,
				)
			}
		}
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func sortByTime(events []Event, stamps []time.Time) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && stamps[j].Before(stamps[j-1]); j-- {
			events[j], events[j-1] = events[j-1], events[j]
			stamps[j], stamps[j-1] = stamps[j-1], stamps[j]
		}
	}
}

// fsnotifyOpToOperation converts fsnotify.Op to our Operation type.
func fsnotifyOpToOperation(op fsnotify.Op) Operation {
	switch {
	case op.Has(fsnotify.Remove):
		return OpDelete
	case op.Has(fsnotify.Rename):
		// The file is gone from its original location.
		return OpDelete
	case op.Has(fsnotify.Create):
		return OpCreate
	default:
		return OpModify
	}
}

// AddPath adds a path to watch, with its subdirectories when recursive.
func (w *Watcher) AddPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if w.recursive {
		return w.addTree(absPath)
	}

	if err := w.fsWatcher.Add(absPath); err != nil {
		return err
	}
	w.logger.Info("watching directory", "path", absPath)
	return nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return err
		}
		w.logger.Info("watching directory", "path", path)
		return nil
	})
}

// RemovePath removes a path from watching.
func (w *Watcher) RemovePath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	if err := w.fsWatcher.Remove(absPath); err != nil {
		return err
	}

	w.logger.Info("removed watch path", "path", absPath)
	return nil
}
