package plugin

import (
	"log/slog"
	"slices"
	"strings"
)

type registration struct {
	desc   Descriptor
	module *Module
}

// Registry maps plugin names to descriptors and keeps language and extension
// indices in registration order. It is not safe for concurrent use; the
// Manager serializes access.
type Registry struct {
	logger      *slog.Logger
	entries     map[string]*registration
	order       []string
	byLanguage  map[string][]string
	byExtension map[string][]string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.Clear()
	return r
}

// Register adds a plugin. Registering a name again overwrites it in place,
// keeping its original position.
func (r *Registry) Register(desc Descriptor, m *Module) {
	if _, exists := r.entries[desc.Name]; exists {
		r.logger.Warn("plugin_registration_overwritten", slog.String("plugin", desc.Name))
	} else {
		r.order = append(r.order, desc.Name)
	}
	r.entries[desc.Name] = &registration{desc: desc.clone(), module: m}
	r.reindex()
}

// Unregister removes a plugin and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	if _, exists := r.entries[name]; !exists {
		return false
	}
	delete(r.entries, name)
	r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
	r.reindex()
	return true
}

func (r *Registry) reindex() {
	r.byLanguage = make(map[string][]string)
	r.byExtension = make(map[string][]string)
	for _, name := range r.order {
		desc := r.entries[name].desc
		if desc.Language != "" {
			lang := strings.ToLower(desc.Language)
			r.byLanguage[lang] = append(r.byLanguage[lang], name)
		}
		for _, ext := range desc.Extensions {
			r.byExtension[ext] = append(r.byExtension[ext], name)
		}
	}
}

// Get returns the registration for name.
func (r *Registry) Get(name string) (Descriptor, *Module, bool) {
	reg, ok := r.entries[name]
	if !ok {
		return Descriptor{}, nil, false
	}
	return reg.desc.clone(), reg.module, true
}

// GetPluginForFile returns the first registered plugin claiming the file's
// extension, or "" if none does.
func (r *Registry) GetPluginForFile(path string) string {
	names := r.byExtension[ExtensionOf(path)]
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// PluginsForLanguage returns plugin names for lang in registration order.
func (r *Registry) PluginsForLanguage(lang string) []string {
	return slices.Clone(r.byLanguage[strings.ToLower(lang)])
}

// PluginsForExtension returns plugin names claiming ext in registration order.
func (r *Registry) PluginsForExtension(ext string) []string {
	return slices.Clone(r.byExtension[NormalizeExtension(ext)])
}

// Names returns all plugin names in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.order)
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.order)
}

// Clear removes every registration.
func (r *Registry) Clear() {
	r.entries = make(map[string]*registration)
	r.order = nil
	r.byLanguage = make(map[string][]string)
	r.byExtension = make(map[string][]string)
}
