package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/Aman-CERP/codeindex/internal/config"
	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// ActivePlugin is an initialized or started plugin with its descriptor.
type ActivePlugin struct {
	Name       string
	Descriptor Descriptor
	Plugin     Plugin
}

// LoadReport summarizes one LoadPlugins call.
type LoadReport struct {
	Discovered int               `json:"discovered"`
	Loaded     []string          `json:"loaded"`
	Active     []string          `json:"active"`
	Disabled   []string          `json:"disabled"`
	Failed     map[string]string `json:"failed"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithStorage injects the shared relational store into plugins that accept it.
func WithStorage(st store.Storage) Option {
	return func(m *Manager) { m.storage = st }
}

// WithLogger sets the logger used by the manager and handed to plugins.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager is the single entry point to the plugin system. Registry and
// lifecycle state are guarded by one mutex.
type Manager struct {
	mu        sync.RWMutex
	cfg       config.PluginsConfig
	modules   *Modules
	storage   store.Storage
	logger    *slog.Logger
	discovery *Discovery
	loader    *Loader
	registry  *Registry
	lifecycle *Lifecycle

	// skipped holds descriptors excluded by configuration, for listing.
	skipped map[string]Descriptor
	reload  *HotReloader
}

// NewManager creates a manager over the given modules.
func NewManager(cfg config.PluginsConfig, modules *Modules, opts ...Option) *Manager {
	if cfg.Plugins != nil {
		plugins := make(map[string]config.PluginSettings, len(cfg.Plugins))
		for k, v := range cfg.Plugins {
			plugins[k] = v
		}
		cfg.Plugins = plugins
	}
	m := &Manager{
		cfg:     cfg,
		modules: modules,
		logger:  slog.Default(),
		skipped: make(map[string]Descriptor),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.modules == nil {
		m.modules, _ = NewModules()
	}
	m.discovery = NewDiscovery(m.modules, m.logger)
	m.loader = NewLoader(m.modules, cfg.ValidateInterfaces)
	m.registry = NewRegistry(m.logger)
	m.lifecycle = NewLifecycle(m.storage, m.logger)
	return m
}

// Config returns the plugin configuration in effect.
func (m *Manager) Config() config.PluginsConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// LoadPlugins optionally reads configuration from configPath, discovers
// plugins and loads, registers and (with auto_load) initializes every one
// that is not disabled. A failing plugin is recorded in the report and never
// stops the others. Plugins already tracked are left alone.
func (m *Manager) LoadPlugins(ctx context.Context, configPath string) (*LoadReport, error) {
	if configPath != "" {
		pc, err := config.LoadPluginConfig(configPath)
		if err != nil {
			return nil, cerrors.New(cerrors.ErrCodeConfigInvalid, "failed to load plugin configuration", err)
		}
		m.mu.Lock()
		m.cfg = *pc
		m.loader = NewLoader(m.modules, pc.ValidateInterfaces)
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	report := &LoadReport{Failed: map[string]string{}}
	descs := m.discoverLocked()
	report.Discovered = len(descs)

	var loaded []Descriptor
	for _, desc := range descs {
		if _, tracked := m.lifecycle.State(desc.Name); tracked {
			continue
		}
		if !m.cfg.IsEnabled(desc.Name) {
			m.skipped[desc.Name] = desc
			report.Disabled = append(report.Disabled, desc.Name)
			m.logger.Info("plugin_disabled", slog.String("plugin", desc.Name))
			continue
		}
		delete(m.skipped, desc.Name)

		full, mod, err := m.loader.Load(desc)
		if err != nil {
			m.recordFailure(report, desc.Name, "plugin_load_failed", err)
			continue
		}
		loaded = append(loaded, full)
		m.registry.Register(full, mod)
		m.lifecycle.Load(full, mod)
	}

	if m.cfg.ValidateInterfaces {
		loaded = m.checkRequiresLocked(loaded, report)
	}
	for _, desc := range loaded {
		report.Loaded = append(report.Loaded, desc.Name)
	}

	if m.cfg.AutoLoad {
		for _, name := range m.byPriorityLocked(report.Loaded) {
			if err := m.activateLocked(ctx, name, m.cfg.StartOnLoad); err != nil {
				m.recordFailure(report, name, "plugin_init_failed", err)
				continue
			}
			report.Active = append(report.Active, name)
		}
	}

	m.logger.Info("plugins_loaded",
		slog.Int("discovered", report.Discovered),
		slog.Int("loaded", len(report.Loaded)),
		slog.Int("active", len(report.Active)),
		slog.Int("disabled", len(report.Disabled)),
		slog.Int("failed", len(report.Failed)))
	return report, nil
}

func (m *Manager) recordFailure(report *LoadReport, name, event string, err error) {
	report.Failed[name] = err.Error()
	m.logger.Warn(event,
		slog.String("plugin", name),
		slog.String("error", err.Error()))
}

// discoverLocked runs discovery and applies per-plugin configuration.
func (m *Manager) discoverLocked() []Descriptor {
	descs := m.discovery.Discover(m.cfg.PluginDirs)
	if m.cfg.AutoDiscover {
		descs = m.discovery.AppendBuiltins(descs)
	}
	for i := range descs {
		descs[i] = m.applyConfig(descs[i])
	}
	return descs
}

// applyConfig overlays configured priority and settings onto a descriptor.
func (m *Manager) applyConfig(desc Descriptor) Descriptor {
	ps, ok := m.cfg.Plugins[desc.Name]
	if !ok {
		return desc
	}
	if ps.Priority != 0 {
		desc.Priority = ps.Priority
	}
	if len(ps.Settings) > 0 {
		merged := make(Settings, len(desc.Settings)+len(ps.Settings))
		for k, v := range desc.Settings {
			merged[k] = v
		}
		for k, v := range ps.Settings {
			merged[k] = v
		}
		desc.Settings = merged
	}
	return desc
}

// checkRequiresLocked drops plugins whose dependencies are missing or at the
// wrong version, repeating until the loaded set is stable.
func (m *Manager) checkRequiresLocked(loaded []Descriptor, report *LoadReport) []Descriptor {
	for {
		available := make(map[string]string, m.registry.Len())
		for _, name := range m.registry.Names() {
			desc, _, _ := m.registry.Get(name)
			available[name] = desc.Version
		}

		var kept []Descriptor
		dropped := false
		for _, desc := range loaded {
			if err := CheckRequires(desc, available); err != nil {
				m.recordFailure(report, desc.Name, "plugin_requires_unsatisfied", err)
				m.forgetLocked(desc.Name)
				dropped = true
				continue
			}
			kept = append(kept, desc)
		}
		loaded = kept
		if !dropped {
			return loaded
		}
	}
}

func (m *Manager) forgetLocked(name string) {
	m.lifecycle.Remove(name)
	m.registry.Unregister(name)
	m.loader.Unload(name)
}

// activateLocked initializes a plugin and optionally starts it.
func (m *Manager) activateLocked(ctx context.Context, name string, start bool) error {
	desc, _, ok := m.registry.Get(name)
	if !ok {
		return cerrors.PluginNotFound(name)
	}
	if err := m.lifecycle.Initialize(ctx, name, desc.Settings); err != nil {
		return err
	}
	if start {
		return m.lifecycle.Start(ctx, name)
	}
	return nil
}

// byPriorityLocked orders names by descending priority, ties by registration order.
func (m *Manager) byPriorityLocked(names []string) []string {
	position := make(map[string]int, m.registry.Len())
	for i, n := range m.registry.Names() {
		position[n] = i
	}
	priority := func(name string) int {
		desc, _, _ := m.registry.Get(name)
		return desc.Priority
	}

	out := slices.Clone(names)
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := priority(out[i]), priority(out[j])
		if pi != pj {
			return pi > pj
		}
		return position[out[i]] < position[out[j]]
	})
	return out
}

func (m *Manager) activeNamesLocked() []string {
	var active []string
	for _, name := range m.registry.Names() {
		if s, ok := m.lifecycle.State(name); ok && s.IsActive() {
			active = append(active, name)
		}
	}
	return m.byPriorityLocked(active)
}

// GetPluginForFile returns the plugin for path, or "" if none handles it.
// Active plugins are asked first through Supports, in priority order; the
// static extension index is the fallback, where the first registered plugin
// wins. Disabled plugins are never returned.
func (m *Manager) GetPluginForFile(path string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.activeNamesLocked() {
		if supports(m.lifecycle.GetInstance(name), path) {
			return name
		}
	}
	for _, name := range m.registry.PluginsForExtension(ExtensionOf(path)) {
		if s, _ := m.lifecycle.State(name); s != StateDisabled {
			return name
		}
	}
	return ""
}

// supports guards the dynamic routing pass against a panicking plugin.
func supports(p Plugin, path string) (ok bool) {
	if p == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return p.Supports(path)
}

// PluginForFile resolves path to a usable instance. It returns "" and nil when
// no plugin claims the file, and the name with a nil instance when the
// claiming plugin is not active.
func (m *Manager) PluginForFile(path string) (string, Plugin) {
	name := m.GetPluginForFile(path)
	if name == "" {
		return "", nil
	}
	return name, m.GetPluginInstance(name)
}

// GetPluginByLanguage returns the first active plugin registered for lang.
// Inactive plugins are skipped, never activated.
func (m *Manager) GetPluginByLanguage(lang string) (string, Plugin) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, name := range m.registry.PluginsForLanguage(lang) {
		if inst := m.lifecycle.GetInstance(name); inst != nil {
			return name, inst
		}
	}
	return "", nil
}

// GetPluginInstance returns the live instance of name, or nil unless the
// plugin is initialized or started.
func (m *Manager) GetPluginInstance(name string) Plugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifecycle.GetInstance(name)
}

// GetActivePlugins returns every active plugin in priority order.
func (m *Manager) GetActivePlugins() []ActivePlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := m.activeNamesLocked()
	out := make([]ActivePlugin, 0, len(names))
	for _, name := range names {
		desc, _, _ := m.registry.Get(name)
		out = append(out, ActivePlugin{Name: name, Descriptor: desc, Plugin: m.lifecycle.GetInstance(name)})
	}
	return out
}

// State returns the lifecycle state of name.
func (m *Manager) State(name string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.lifecycle.State(name); ok {
		return s, true
	}
	if _, ok := m.skipped[name]; ok {
		return StateDisabled, true
	}
	return StateDiscovered, false
}

// ListPlugins describes every known plugin: registered ones in registration
// order, then those excluded by configuration.
func (m *Manager) ListPlugins() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Info
	for _, name := range m.registry.Names() {
		rs, _ := m.lifecycle.Snapshot(name)
		out = append(out, infoFor(rs.Descriptor, rs.State, rs.LastError))
	}

	var skipped []string
	for name := range m.skipped {
		skipped = append(skipped, name)
	}
	sort.Strings(skipped)
	for _, name := range skipped {
		out = append(out, infoFor(m.skipped[name], StateDisabled, ""))
	}
	return out
}

func infoFor(desc Descriptor, s State, lastErr string) Info {
	source := "builtin"
	if !desc.Builtin() {
		source = desc.Path
	}
	return Info{
		Name:       desc.Name,
		Version:    desc.Version,
		Language:   desc.Language,
		Extensions: slices.Clone(desc.Extensions),
		Kind:       desc.Kind,
		Source:     source,
		Priority:   desc.Priority,
		State:      s.String(),
		LastError:  lastErr,
	}
}

// EnablePlugin re-enables a plugin and activates it. A plugin excluded by
// configuration is discovered and loaded first.
func (m *Manager) EnablePlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cfg.DisabledPlugins = slices.DeleteFunc(slices.Clone(m.cfg.DisabledPlugins), func(n string) bool { return n == name })
	if ps, ok := m.cfg.Plugins[name]; ok && ps.Enabled != nil && !*ps.Enabled {
		enabled := true
		ps.Enabled = &enabled
		m.cfg.Plugins[name] = ps
	}

	if _, tracked := m.lifecycle.State(name); !tracked {
		if err := m.loadOneLocked(name); err != nil {
			return err
		}
		delete(m.skipped, name)
	}
	if err := m.lifecycle.Enable(name); err != nil {
		return err
	}
	return m.activateLocked(ctx, name, m.cfg.StartOnLoad)
}

// DisablePlugin stops and destroys an active plugin and marks it disabled.
// It stays registered so it can be listed and re-enabled.
func (m *Manager) DisablePlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, tracked := m.lifecycle.State(name)
	if !tracked {
		return cerrors.PluginNotFound(name)
	}
	if s.IsActive() {
		_ = m.lifecycle.Stop(ctx, name)
	}
	if s, _ = m.lifecycle.State(name); s == StateStopped {
		if err := m.lifecycle.Destroy(name); err != nil {
			return err
		}
	}
	if !slices.Contains(m.cfg.DisabledPlugins, name) {
		m.cfg.DisabledPlugins = append(slices.Clone(m.cfg.DisabledPlugins), name)
	}
	return m.lifecycle.Disable(name)
}

// loadOneLocked rediscovers, loads and registers a single plugin.
func (m *Manager) loadOneLocked(name string) error {
	desc, ok := m.discovery.Find(m.cfg.PluginDirs, name, m.cfg.AutoDiscover)
	if !ok {
		return cerrors.PluginNotFound(name)
	}
	full, mod, err := m.loader.Load(m.applyConfig(desc))
	if err != nil {
		return err
	}
	if m.cfg.ValidateInterfaces {
		available := make(map[string]string)
		for _, n := range m.registry.Names() {
			if n == name {
				continue
			}
			d, _, _ := m.registry.Get(n)
			available[n] = d.Version
		}
		if err := CheckRequires(full, available); err != nil {
			m.loader.Unload(name)
			return err
		}
	}
	m.registry.Register(full, mod)
	m.lifecycle.Load(full, mod)
	return nil
}

// ReloadPlugin tears a plugin down, rediscovers and reloads it, and restores
// its previous intent: an active plugin is re-activated (a plugin in the
// error state too), a disabled one stays disabled.
func (m *Manager) ReloadPlugin(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, tracked := m.lifecycle.State(name)
	if !tracked {
		return cerrors.PluginNotFound(name)
	}

	if prev.IsActive() {
		_ = m.lifecycle.Stop(ctx, name)
		_ = m.lifecycle.Destroy(name)
	}
	m.lifecycle.Remove(name)
	m.loader.Unload(name)

	if err := m.loadOneLocked(name); err != nil {
		m.registry.Unregister(name)
		m.logger.Warn("plugin_reload_failed",
			slog.String("plugin", name),
			slog.String("error", err.Error()))
		return err
	}

	switch {
	case prev == StateDisabled:
		return m.lifecycle.Disable(name)
	case prev.IsActive() || prev == StateError:
		if err := m.activateLocked(ctx, name, prev == StateStarted); err != nil {
			return err
		}
	}

	m.logger.Info("plugin_reloaded",
		slog.String("plugin", name),
		slog.String("previous_state", prev.String()))
	return nil
}

// pluginAtPath returns the plugin discovered from dir, if any.
func (m *Manager) pluginAtPath(dir string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, name := range m.registry.Names() {
		desc, _, _ := m.registry.Get(name)
		if desc.Path == "" {
			continue
		}
		if abs, err := filepath.Abs(desc.Path); err == nil && abs == dir {
			return name, true
		}
	}
	return "", false
}

// Shutdown stops and destroys every active plugin, tolerating individual
// failures, then clears the registry.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	reload := m.reload
	m.reload = nil
	m.mu.Unlock()
	if reload != nil {
		_ = reload.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	active := m.activeNamesLocked()
	for i := len(active) - 1; i >= 0; i-- {
		name := active[i]
		if err := m.lifecycle.Stop(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", name, err))
		}
		if err := m.lifecycle.Destroy(name); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", name, err))
		}
	}
	for _, name := range m.registry.Names() {
		m.forgetLocked(name)
	}
	m.registry.Clear()

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("plugin_shutdown_errors", slog.String("error", err.Error()))
		return err
	}
	m.logger.Debug("plugins_shutdown", slog.Int("stopped", len(active)))
	return nil
}
