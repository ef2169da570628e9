package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
)

// Loader resolves descriptors to modules. It is not safe for concurrent use;
// the Manager serializes access.
type Loader struct {
	modules  *Modules
	validate bool
	loaded   map[string]*Module
}

// NewLoader creates a loader. With validate set, descriptors are checked
// against their module once at load time.
func NewLoader(modules *Modules, validate bool) *Loader {
	return &Loader{
		modules:  modules,
		validate: validate,
		loaded:   make(map[string]*Module),
	}
}

// Load resolves desc to its module and returns the descriptor completed with
// the module's metadata. Failures are ErrPluginLoad and are never retried.
func (l *Loader) Load(desc Descriptor) (Descriptor, *Module, error) {
	ref := desc.Module
	if ref == "" {
		ref = desc.Name
	}
	m, ok := l.modules.Get(ref)
	if !ok {
		return desc, nil, cerrors.PluginLoad(desc.Name, fmt.Errorf("module %q is not registered", ref))
	}

	desc = complete(desc.clone(), m)
	if l.validate {
		if err := validateDescriptor(desc, m); err != nil {
			return desc, nil, cerrors.PluginLoad(desc.Name, err)
		}
	}

	l.loaded[desc.Name] = m
	return desc, m, nil
}

// Unload drops the cached module for name. Unloading something never loaded
// is not an error.
func (l *Loader) Unload(name string) {
	delete(l.loaded, name)
}

// Loaded returns the module loaded under name.
func (l *Loader) Loaded(name string) (*Module, bool) {
	m, ok := l.loaded[name]
	return m, ok
}

// complete fills fields the manifest left empty from the module.
func complete(desc Descriptor, m *Module) Descriptor {
	desc.Module = m.Name
	if desc.Version == "" {
		desc.Version = m.Version
	}
	if desc.Language == "" {
		desc.Language = m.Language
	}
	if len(desc.Extensions) == 0 {
		desc.Extensions = NormalizeExtensions(m.Extensions)
	}
	if desc.Kind == "" {
		desc.Kind = m.Kind
	}
	if desc.Kind == "" {
		desc.Kind = KindLanguage
	}
	if desc.Description == "" {
		desc.Description = m.Description
	}
	return desc
}

func validateDescriptor(desc Descriptor, m *Module) error {
	if m.New == nil && m.NewWithStorage == nil {
		return fmt.Errorf("module %s has no constructor", m.Name)
	}
	if desc.Version != "" {
		if _, err := semver.NewVersion(desc.Version); err != nil {
			return fmt.Errorf("invalid version %q: %w", desc.Version, err)
		}
	}
	if m.Language != "" && !strings.EqualFold(desc.Language, m.Language) {
		return fmt.Errorf("language %q does not match module %s (%s)", desc.Language, m.Name, m.Language)
	}
	if desc.Kind == KindLanguage && len(desc.Extensions) == 0 {
		return fmt.Errorf("language plugin declares no file extensions")
	}
	for dep, constraint := range desc.Requires {
		if _, err := semver.NewConstraint(constraint); err != nil {
			return fmt.Errorf("invalid constraint %q for %s: %w", constraint, dep, err)
		}
	}
	return nil
}

// CheckRequires verifies that every plugin desc requires is available at a
// version satisfying its constraint. available maps plugin name to version.
func CheckRequires(desc Descriptor, available map[string]string) error {
	deps := make([]string, 0, len(desc.Requires))
	for dep := range desc.Requires {
		deps = append(deps, dep)
	}
	sort.Strings(deps)

	for _, dep := range deps {
		raw := desc.Requires[dep]
		version, ok := available[dep]
		if !ok {
			return cerrors.PluginLoad(desc.Name, fmt.Errorf("requires %s %s, which is not available", dep, raw))
		}
		constraint, err := semver.NewConstraint(raw)
		if err != nil {
			return cerrors.PluginLoad(desc.Name, fmt.Errorf("invalid constraint %q for %s: %w", raw, dep, err))
		}
		v, err := semver.NewVersion(version)
		if err != nil {
			return cerrors.PluginLoad(desc.Name, fmt.Errorf("%s has invalid version %q: %w", dep, version, err))
		}
		if !constraint.Check(v) {
			return cerrors.PluginLoad(desc.Name, fmt.Errorf("requires %s %s, found %s", dep, raw, version))
		}
	}
	return nil
}
