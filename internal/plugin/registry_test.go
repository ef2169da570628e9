package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistry_FirstRegisteredWinsForExtension(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Register(Descriptor{Name: "yaml-a", Language: "yaml", Extensions: []string{".yaml"}}, nil)
	r.Register(Descriptor{Name: "yaml-b", Language: "yaml", Extensions: []string{".yaml", ".yml"}}, nil)

	for i := 0; i < 10; i++ {
		assert.Equal(t, "yaml-a", r.GetPluginForFile("x.yaml"))
	}
	assert.Equal(t, "yaml-a", r.GetPluginForFile("CONFIG.YAML"), "extension lookup is case-insensitive")
	assert.Equal(t, "yaml-b", r.GetPluginForFile("x.yml"))
	assert.Equal(t, "", r.GetPluginForFile("x.toml"))
	assert.Equal(t, "", r.GetPluginForFile("Makefile"))
	assert.Equal(t, []string{"yaml-a", "yaml-b"}, r.PluginsForLanguage("YAML"))
	assert.Equal(t, []string{"yaml-a", "yaml-b"}, r.PluginsForExtension("yaml"))
}

func TestRegistry_OverwriteKeepsPosition(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Register(Descriptor{Name: "a", Extensions: []string{".txt"}, Version: "1.0.0"}, nil)
	r.Register(Descriptor{Name: "b", Extensions: []string{".txt"}}, nil)

	// When: "a" registers again with new metadata
	r.Register(Descriptor{Name: "a", Extensions: []string{".txt", ".md"}, Version: "2.0.0"}, nil)

	// Then: it keeps precedence and the indices reflect the new descriptor
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.Equal(t, "a", r.GetPluginForFile("x.txt"))
	assert.Equal(t, "a", r.GetPluginForFile("x.md"))
	desc, _, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2.0.0", desc.Version)
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Register(Descriptor{Name: "a", Language: "go", Extensions: []string{".go"}}, nil)
	r.Register(Descriptor{Name: "b", Language: "go", Extensions: []string{".go"}}, nil)

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))
	assert.Equal(t, "b", r.GetPluginForFile("main.go"))
	assert.Equal(t, []string{"b"}, r.PluginsForLanguage("go"))

	r.Clear()
	assert.Zero(t, r.Len())
	assert.Equal(t, "", r.GetPluginForFile("main.go"))
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	r := NewRegistry(quietLogger())
	r.Register(Descriptor{Name: "a", Extensions: []string{".go"}}, nil)

	desc, _, _ := r.Get("a")
	desc.Extensions[0] = ".rs"

	assert.Equal(t, "a", r.GetPluginForFile("main.go"))
}
