package plugin

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadManifest_Formats(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"yaml", "plugin.yaml", `
name: python-extra
version: 1.2.0
language: python
extensions: [py, .PYI]
kind: language
module: python
requires:
  go: ">=1.0"
priority: 7
settings:
  max_depth: 3
`},
		{"toml", "plugin.toml", `
name = "python-extra"
version = "1.2.0"
language = "python"
extensions = ["py", ".PYI"]
kind = "language"
module = "python"
priority = 7

[requires]
go = ">=1.0"

[settings]
max_depth = 3
`},
		{"json", "plugin.json", `{
  "name": "python-extra",
  "version": "1.2.0",
  "language": "python",
  "extensions": ["py", ".PYI"],
  "kind": "language",
  "module": "python",
  "requires": {"go": ">=1.0"},
  "priority": 7,
  "settings": {"max_depth": 3}
}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "python-extra")
			path := writeManifest(t, dir, tt.file, tt.content)

			desc, err := ReadManifest(path)

			require.NoError(t, err)
			assert.Equal(t, "python-extra", desc.Name)
			assert.Equal(t, "1.2.0", desc.Version)
			assert.Equal(t, "python", desc.Language)
			assert.Equal(t, []string{".py", ".pyi"}, desc.Extensions)
			assert.Equal(t, KindLanguage, desc.Kind)
			assert.Equal(t, "python", desc.Module)
			assert.Equal(t, dir, desc.Path)
			assert.Equal(t, map[string]string{"go": ">=1.0"}, desc.Requires)
			assert.Equal(t, 7, desc.Priority)
			assert.Equal(t, 3, desc.Settings.Int("max_depth", 0))
		})
	}
}

func TestReadManifest_Defaults(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "plugin.yml", "name: yaml\n")

	desc, err := ReadManifest(path)

	require.NoError(t, err)
	assert.Equal(t, "yaml", desc.Module, "module defaults to the plugin name")
	assert.Equal(t, KindLanguage, desc.Kind)
	assert.False(t, desc.Builtin())
}

func TestReadManifest_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		wantErr string
	}{
		{"missing name", "plugin.yaml", "version: 1.0.0\n", "name is required"},
		{"unknown kind", "plugin.yaml", "name: x\nkind: widget\n", "unknown kind"},
		{"malformed yaml", "plugin.yaml", "name: [unclosed\n", "failed to parse manifest"},
		{"malformed json", "plugin.json", "{", "failed to parse manifest"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, t.TempDir(), tt.file, tt.content)
			_, err := ReadManifest(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindManifest_PrefersYAML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "plugin.json", `{"name":"a"}`)
	writeManifest(t, dir, "plugin.yaml", "name: a\n")

	path, ok := FindManifest(dir)

	require.True(t, ok)
	assert.Equal(t, "plugin.yaml", filepath.Base(path))
	assert.True(t, IsManifestFile(path))
	assert.False(t, IsManifestFile(filepath.Join(dir, "main.go")))
}

func TestSettings_Accessors(t *testing.T) {
	s := Settings{"name": "x", "n": 2, "f": 3.0, "i64": int64(4), "on": true}

	assert.Equal(t, "x", s.String("name", "d"))
	assert.Equal(t, "d", s.String("missing", "d"))
	assert.Equal(t, 2, s.Int("n", 0))
	assert.Equal(t, 3, s.Int("f", 0))
	assert.Equal(t, 4, s.Int("i64", 0))
	assert.Equal(t, 9, s.Int("name", 9))
	assert.True(t, s.Bool("on", false))
	assert.True(t, Settings(nil).Bool("on", true))
}

func TestNormalizeExtensions(t *testing.T) {
	assert.Equal(t, []string{".py", ".go"}, NormalizeExtensions([]string{"PY", ".py", " go ", ""}))
	assert.Equal(t, ".yaml", ExtensionOf("dir/X.YAML"))
	assert.Equal(t, "", ExtensionOf("Makefile"))
}
