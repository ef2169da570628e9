package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a directory tree with fsnotify. New directories are
// added as they appear and the files already inside them are reported as
// created.
type Watcher struct {
	fs        *fsnotify.Watcher
	debouncer *Debouncer
	opts      Options
	logger    *slog.Logger

	events chan []FileEvent
	errors chan error

	mu      sync.RWMutex
	root    string
	stopped bool
	stopCh  chan struct{}
}

// New creates a watcher. Start begins watching.
func New(opts Options, logger *slog.Logger) (*Watcher, error) {
	opts = opts.WithDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		fs:        fsw,
		debouncer: NewDebouncer(opts.DebounceWindow, logger),
		opts:      opts,
		logger:    logger,
		events:    make(chan []FileEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start watches root until ctx is done or Stop is called. It blocks.
func (w *Watcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", root, err)
	}
	w.mu.Lock()
	w.root = abs
	w.mu.Unlock()

	if err := w.addRecursive(abs, false); err != nil {
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}
	go w.forward()

	w.logger.Info("watch_started", slog.String("root", abs))
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}
	if w.ignored(ev.Name, isDir) {
		return
	}

	var op Operation
	switch {
	case ev.Op&fsnotify.Create != 0:
		if isDir {
			// Files written before the directory was watched have no events.
			if err := w.addRecursive(ev.Name, true); err != nil {
				w.emitError(err)
			}
			return
		}
		op = OpCreate
	case ev.Op&fsnotify.Write != 0:
		op = OpModify
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		op = OpDelete
	default:
		return
	}
	w.debouncer.Add(FileEvent{Path: ev.Name, Operation: op, IsDir: isDir, Timestamp: time.Now()})
}

// addRecursive watches dir and its subdirectories. announce reports the
// regular files found as created.
func (w *Watcher) addRecursive(dir string, announce bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != dir && w.ignored(path, true) {
				return filepath.SkipDir
			}
			return w.fs.Add(path)
		}
		if announce && d.Type().IsRegular() && !w.ignored(path, false) {
			w.debouncer.Add(FileEvent{Path: path, Operation: OpCreate, Timestamp: time.Now()})
		}
		return nil
	})
}

func (w *Watcher) ignored(path string, isDir bool) bool {
	w.mu.RLock()
	root := w.root
	w.mu.RUnlock()
	if path == root {
		return false
	}
	if w.opts.SkipHidden {
		rel, err := filepath.Rel(root, path)
		if err == nil {
			for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
				if strings.HasPrefix(part, ".") && part != "." && part != ".." {
					return true
				}
			}
		}
	}
	return w.opts.Ignore != nil && w.opts.Ignore(path, isDir)
}

func (w *Watcher) forward() {
	for batch := range w.debouncer.Output() {
		w.mu.RLock()
		if w.stopped {
			w.mu.RUnlock()
			return
		}
		select {
		case w.events <- batch:
		default:
			w.logger.Warn("watch_batch_dropped", slog.Int("batch_size", len(batch)))
		}
		w.mu.RUnlock()
	}
}

func (w *Watcher) emitError(err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return
	}
	select {
	case w.errors <- err:
	default:
	}
}

// Events returns debounced batches. It is closed by Stop.
func (w *Watcher) Events() <-chan []FileEvent {
	return w.events
}

// Errors returns non-fatal watch errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Stop stops watching and closes Events and Errors. Safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.debouncer.Stop()
	err := w.fs.Close()
	close(w.events)
	close(w.errors)
	return err
}
