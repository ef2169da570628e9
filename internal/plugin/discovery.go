package plugin

import (
	"log/slog"
	"os"
	"path/filepath"
)

// Discovery finds plugin candidates in directories and among the registered
// modules.
type Discovery struct {
	modules *Modules
	logger  *slog.Logger
}

// NewDiscovery creates a discovery over the given module table.
func NewDiscovery(modules *Modules, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{modules: modules, logger: logger}
}

// Validate reports whether path is a plugin candidate: a directory holding a
// manifest, or a directory named after a registered module.
func (d *Discovery) Validate(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if _, ok := FindManifest(path); ok {
		return true
	}
	_, ok := d.modules.Get(filepath.Base(path))
	return ok
}

// Discover scans each directory non-recursively and returns one descriptor
// per plugin name. Earlier directories win over later ones; a bad candidate
// is logged and skipped.
func (d *Discovery) Discover(dirs []string) []Descriptor {
	var found []Descriptor
	seen := make(map[string]struct{})

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			d.logger.Warn("plugin_dir_unreadable",
				slog.String("dir", dir),
				slog.String("error", err.Error()))
			continue
		}

		// os.ReadDir sorts by name, which keeps discovery order stable.
		for _, e := range entries {
			candidate := filepath.Join(dir, e.Name())
			if !e.IsDir() || !d.Validate(candidate) {
				continue
			}

			desc, err := d.describe(candidate)
			if err != nil {
				d.logger.Warn("plugin_candidate_invalid",
					slog.String("path", candidate),
					slog.String("error", err.Error()))
				continue
			}
			if _, dup := seen[desc.Name]; dup {
				d.logger.Debug("plugin_duplicate_skipped",
					slog.String("plugin", desc.Name),
					slog.String("path", candidate))
				continue
			}
			seen[desc.Name] = struct{}{}
			found = append(found, desc)
		}
	}
	return found
}

// AppendBuiltins adds a descriptor for every registered module whose name is
// not already in descs.
func (d *Discovery) AppendBuiltins(descs []Descriptor) []Descriptor {
	seen := make(map[string]struct{}, len(descs))
	for _, desc := range descs {
		seen[desc.Name] = struct{}{}
	}
	for _, m := range d.modules.List() {
		if _, dup := seen[m.Name]; dup {
			continue
		}
		descs = append(descs, m.Descriptor())
	}
	return descs
}

// Find rediscovers a single plugin by name, directories first.
func (d *Discovery) Find(dirs []string, name string, includeBuiltins bool) (Descriptor, bool) {
	descs := d.Discover(dirs)
	if includeBuiltins {
		descs = d.AppendBuiltins(descs)
	}
	for _, desc := range descs {
		if desc.Name == name {
			return desc, true
		}
	}
	return Descriptor{}, false
}

func (d *Discovery) describe(dir string) (Descriptor, error) {
	if path, ok := FindManifest(dir); ok {
		return ReadManifest(path)
	}
	m, _ := d.modules.Get(filepath.Base(dir))
	desc := m.Descriptor()
	desc.Path = dir
	return desc, nil
}
