package plugin

import (
	"path/filepath"
	"strings"
)

// Descriptor is the static identity of a plugin. It is immutable once
// discovered; the lifecycle wraps it with mutable state.
type Descriptor struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Description string            `json:"description,omitempty"`
	Language    string            `json:"language"`
	Extensions  []string          `json:"extensions"`
	Kind        Kind              `json:"kind"`
	Module      string            `json:"module"`             // registered module implementing the plugin
	Path        string            `json:"path,omitempty"`     // discovery directory, empty for built-ins
	Requires    map[string]string `json:"requires,omitempty"` // plugin name -> semver constraint
	Priority    int               `json:"priority"`
	Settings    Settings          `json:"settings,omitempty"`
}

// Builtin reports whether the descriptor came from a registered module rather
// than a plugin directory.
func (d Descriptor) Builtin() bool {
	return d.Path == ""
}

// clone returns a deep enough copy that callers cannot mutate shared slices.
func (d Descriptor) clone() Descriptor {
	d.Extensions = append([]string(nil), d.Extensions...)
	if d.Requires != nil {
		req := make(map[string]string, len(d.Requires))
		for k, v := range d.Requires {
			req[k] = v
		}
		d.Requires = req
	}
	if d.Settings != nil {
		s := make(Settings, len(d.Settings))
		for k, v := range d.Settings {
			s[k] = v
		}
		d.Settings = s
	}
	return d
}

// NormalizeExtension lowercases ext and ensures a leading dot.
func NormalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// NormalizeExtensions normalizes and de-duplicates exts, keeping order.
func NormalizeExtensions(exts []string) []string {
	seen := make(map[string]struct{}, len(exts))
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		n := NormalizeExtension(e)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// ExtensionOf returns the normalized extension of path.
func ExtensionOf(path string) string {
	return NormalizeExtension(filepath.Ext(path))
}

// Info is the read-only view of a plugin returned by ListPlugins.
type Info struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Language   string   `json:"language"`
	Extensions []string `json:"extensions"`
	Kind       Kind     `json:"kind"`
	Source     string   `json:"source"` // "builtin" or the discovery directory
	Priority   int      `json:"priority"`
	State      string   `json:"state"`
	LastError  string   `json:"last_error,omitempty"`
}
