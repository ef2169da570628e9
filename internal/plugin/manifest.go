package plugin

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ManifestNames are the manifest files looked for in a plugin directory, in
// order of preference.
var ManifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.toml", "plugin.json"}

// manifest is the on-disk shape shared by the YAML, TOML and JSON formats.
type manifest struct {
	Name        string            `yaml:"name" toml:"name" json:"name"`
	Version     string            `yaml:"version" toml:"version" json:"version"`
	Description string            `yaml:"description" toml:"description" json:"description"`
	Language    string            `yaml:"language" toml:"language" json:"language"`
	Extensions  []string          `yaml:"extensions" toml:"extensions" json:"extensions"`
	Kind        string            `yaml:"kind" toml:"kind" json:"kind"`
	Module      string            `yaml:"module" toml:"module" json:"module"`
	Requires    map[string]string `yaml:"requires" toml:"requires" json:"requires"`
	Priority    int               `yaml:"priority" toml:"priority" json:"priority"`
	Settings    map[string]any    `yaml:"settings" toml:"settings" json:"settings"`
}

// FindManifest returns the first manifest file present in dir.
func FindManifest(dir string) (string, bool) {
	for _, name := range ManifestNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// IsManifestFile reports whether path names a plugin manifest.
func IsManifestFile(path string) bool {
	base := filepath.Base(path)
	for _, name := range ManifestNames {
		if base == name {
			return true
		}
	}
	return false
}

// ReadManifest parses the manifest at path into a descriptor. The format is
// chosen by extension. Module defaults to the plugin name.
func ReadManifest(path string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	case ".toml":
		_, err = toml.Decode(string(data), &m)
	case ".json":
		err = json.Unmarshal(data, &m)
	default:
		return Descriptor{}, fmt.Errorf("unsupported manifest format: %s", filepath.Base(path))
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}

	if strings.TrimSpace(m.Name) == "" {
		return Descriptor{}, fmt.Errorf("manifest %s: name is required", path)
	}
	kind := Kind(m.Kind)
	if kind == "" {
		kind = KindLanguage
	}
	if !kind.Valid() {
		return Descriptor{}, fmt.Errorf("manifest %s: unknown kind %q", path, m.Kind)
	}
	module := m.Module
	if module == "" {
		module = m.Name
	}

	return Descriptor{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Language:    m.Language,
		Extensions:  NormalizeExtensions(m.Extensions),
		Kind:        kind,
		Module:      module,
		Path:        filepath.Dir(path),
		Requires:    m.Requires,
		Priority:    m.Priority,
		Settings:    Settings(m.Settings),
	}, nil
}
