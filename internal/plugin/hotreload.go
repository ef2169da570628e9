package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultReloadDebounce coalesces the burst of events an editor produces
// when saving a manifest.
const DefaultReloadDebounce = 250 * time.Millisecond

// HotReloader watches plugin directories and reloads a plugin when anything
// in its directory changes. New plugin directories are loaded as they appear.
type HotReloader struct {
	manager  *Manager
	watcher  *fsnotify.Watcher
	roots    []string
	debounce time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	reloaded chan string
	stopCh   chan struct{}
	stopped  bool
}

// NewHotReloader watches roots and every plugin directory directly beneath them.
func NewHotReloader(m *Manager, roots []string, debounce time.Duration) (*HotReloader, error) {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	h := &HotReloader{
		manager:  m,
		watcher:  w,
		debounce: debounce,
		logger:   m.logger,
		timers:   make(map[string]*time.Timer),
		reloaded: make(chan string, 16),
		stopCh:   make(chan struct{}),
	}
	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if err := w.Add(abs); err != nil {
			h.logger.Warn("plugin_dir_watch_failed",
				slog.String("dir", abs),
				slog.String("error", err.Error()))
			continue
		}
		h.roots = append(h.roots, abs)

		entries, _ := os.ReadDir(abs)
		for _, e := range entries {
			if e.IsDir() {
				_ = w.Add(filepath.Join(abs, e.Name()))
			}
		}
	}
	return h, nil
}

// Reloaded delivers the name (or directory, for new plugins) of every
// completed reload. Sends never block; slow readers miss notifications.
func (h *HotReloader) Reloaded() <-chan string {
	return h.reloaded
}

// Run processes events until ctx is done or Close is called.
func (h *HotReloader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			_ = h.Close()
			return ctx.Err()
		case <-h.stopCh:
			return nil
		case event, ok := <-h.watcher.Events:
			if !ok {
				return nil
			}
			h.handle(ctx, event)
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Warn("plugin_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (h *HotReloader) handle(ctx context.Context, event fsnotify.Event) {
	dir := h.pluginDir(event.Name)
	if dir == "" {
		return
	}
	if event.Has(fsnotify.Create) && event.Name == dir {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			_ = h.watcher.Add(dir)
		}
	}
	h.schedule(ctx, dir)
}

// pluginDir maps a changed path to the plugin directory containing it.
func (h *HotReloader) pluginDir(path string) string {
	for _, root := range h.roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		first := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		return filepath.Join(root, first)
	}
	return ""
}

func (h *HotReloader) schedule(ctx context.Context, dir string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	if t, ok := h.timers[dir]; ok {
		t.Stop()
	}
	h.timers[dir] = time.AfterFunc(h.debounce, func() {
		h.mu.Lock()
		delete(h.timers, dir)
		stopped := h.stopped
		h.mu.Unlock()
		if !stopped {
			h.apply(ctx, dir)
		}
	})
}

// apply reloads the plugin discovered from dir, or loads whatever new plugin
// the directory now holds.
func (h *HotReloader) apply(ctx context.Context, dir string) {
	if name, ok := h.manager.pluginAtPath(dir); ok {
		if err := h.manager.ReloadPlugin(ctx, name); err != nil {
			h.logger.Warn("plugin_hot_reload_failed",
				slog.String("plugin", name),
				slog.String("error", err.Error()))
			return
		}
		h.notify(name)
		return
	}

	if !h.manager.discovery.Validate(dir) {
		return
	}
	report, err := h.manager.LoadPlugins(ctx, "")
	if err != nil {
		h.logger.Warn("plugin_hot_load_failed",
			slog.String("dir", dir),
			slog.String("error", err.Error()))
		return
	}
	if len(report.Loaded) > 0 {
		h.notify(dir)
	}
}

func (h *HotReloader) notify(what string) {
	select {
	case h.reloaded <- what:
	default:
	}
}

// Close stops watching. Safe to call multiple times.
func (h *HotReloader) Close() error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	for _, t := range h.timers {
		t.Stop()
	}
	close(h.stopCh)
	h.mu.Unlock()

	return h.watcher.Close()
}

// StartHotReload starts watching the configured plugin directories when
// enable_hot_reload is set. It returns nil when hot reload is off. The
// watcher stops on Shutdown or when ctx is done.
func (m *Manager) StartHotReload(ctx context.Context) (*HotReloader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.EnableHotReload || len(m.cfg.PluginDirs) == 0 {
		return nil, nil
	}
	if m.reload != nil {
		return m.reload, nil
	}

	h, err := NewHotReloader(m, m.cfg.PluginDirs, DefaultReloadDebounce)
	if err != nil {
		return nil, err
	}
	m.reload = h
	go func() {
		if err := h.Run(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("plugin_hot_reload_stopped", slog.String("error", err.Error()))
		}
	}()
	m.logger.Info("plugin_hot_reload_started", slog.Int("dirs", len(h.roots)))
	return h, nil
}
