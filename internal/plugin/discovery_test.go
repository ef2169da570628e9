package plugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscovery_Validate(t *testing.T) {
	root := t.TempDir()
	d := NewDiscovery(mustModules(t, fakeModule("go", "go", []string{".go"}, nil)), quietLogger())

	withManifest := filepath.Join(root, "custom")
	writeManifest(t, withManifest, "plugin.yaml", "name: custom\n")
	namedAfterModule := filepath.Join(root, "go")
	require.NoError(t, os.MkdirAll(namedAfterModule, 0o755))
	empty := filepath.Join(root, "empty")
	require.NoError(t, os.MkdirAll(empty, 0o755))
	file := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	assert.True(t, d.Validate(withManifest))
	assert.True(t, d.Validate(namedAfterModule))
	assert.False(t, d.Validate(empty))
	assert.False(t, d.Validate(file))
	assert.False(t, d.Validate(filepath.Join(root, "missing")))
}

func TestDiscovery_Discover_FirstFoundWins(t *testing.T) {
	// Given: two directories both providing "shared", one bad candidate
	first, second := t.TempDir(), t.TempDir()
	writeManifest(t, filepath.Join(first, "shared"), "plugin.yaml", "name: shared\nversion: 1.0.0\n")
	writeManifest(t, filepath.Join(second, "shared"), "plugin.yaml", "name: shared\nversion: 2.0.0\n")
	writeManifest(t, filepath.Join(second, "broken"), "plugin.yaml", "name: [\n")
	writeManifest(t, filepath.Join(second, "other"), "plugin.toml", "name = \"other\"\n")

	d := NewDiscovery(mustModules(t), quietLogger())

	// When: discovering both directories plus a missing one
	descs := d.Discover([]string{first, filepath.Join(first, "nope"), second})

	// Then: the earlier directory wins and the bad candidate is skipped
	require.Len(t, descs, 2)
	assert.Equal(t, "shared", descs[0].Name)
	assert.Equal(t, "1.0.0", descs[0].Version)
	assert.Equal(t, "other", descs[1].Name)
}

func TestDiscovery_ModuleDirectoryAndBuiltins(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "python"), 0o755))

	mods := mustModules(t,
		fakeModule("go", "go", []string{".go"}, nil),
		fakeModule("python", "python", []string{".py"}, nil),
	)
	d := NewDiscovery(mods, quietLogger())

	descs := d.AppendBuiltins(d.Discover([]string{root}))

	require.Len(t, descs, 2)
	assert.Equal(t, "python", descs[0].Name)
	assert.Equal(t, filepath.Join(root, "python"), descs[0].Path, "directory copy wins over the built-in")
	assert.Equal(t, "go", descs[1].Name)
	assert.True(t, descs[1].Builtin())
	assert.Equal(t, []string{".go"}, descs[1].Extensions)

	found, ok := d.Find([]string{root}, "go", true)
	require.True(t, ok)
	assert.Equal(t, "go", found.Name)
	_, ok = d.Find([]string{root}, "go", false)
	assert.False(t, ok)
}
