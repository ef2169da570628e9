package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateUserConfig points XDG_CONFIG_HOME at an empty temp dir so a
// developer's own config cannot leak into the test.
func isolateUserConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestNewConfig_ReturnsDefaults(t *testing.T) {
	// Given: no configuration file exists
	cfg := NewConfig()

	// Then: all defaults should be applied
	require.NotNil(t, cfg)
	assert.Equal(t, 1, cfg.Version)

	// Plugin defaults
	assert.True(t, cfg.Plugins.AutoDiscover)
	assert.True(t, cfg.Plugins.AutoLoad)
	assert.True(t, cfg.Plugins.ValidateInterfaces)
	assert.False(t, cfg.Plugins.EnableHotReload)
	assert.Empty(t, cfg.Plugins.DisabledPlugins)
	assert.NotNil(t, cfg.Plugins.Plugins)

	// BM25 defaults
	assert.Equal(t, "sqlite", cfg.BM25.Backend)
	assert.Equal(t, 3, cfg.BM25.SnippetLines)

	// Semantic defaults
	assert.False(t, cfg.Semantic.Enabled)
	assert.Equal(t, 1024, cfg.Semantic.Dimension)
	assert.Equal(t, 32, cfg.Semantic.BatchSize)
	assert.Equal(t, 4, cfg.Semantic.MaxConcurrentBatches)
	assert.Equal(t, 1, cfg.Semantic.Sharding.MinShards)
	assert.Equal(t, 16, cfg.Semantic.Sharding.MaxShards)

	// Worker defaults
	assert.Equal(t, 5*time.Second, cfg.Worker.PopTimeout)
	assert.Equal(t, 10*time.Second, cfg.Worker.HeartbeatInterval)

	assert.Contains(t, cfg.Index.Exclude, "**/node_modules/**")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoConfigFile_ReturnsDefaults(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, NewConfig().BM25, cfg.BM25)
	assert.True(t, cfg.Plugins.AutoLoad)
}

func TestLoad_YamlFile_OverridesDefaults(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()

	// Given: a project config that turns auto_load off and picks bleve
	writeFile(t, filepath.Join(dir, ".codeindex.yaml"), `
plugins:
  auto_load: false
  disabled_plugins: [markdown]
  plugins:
    python:
      priority: 10
      settings:
        max_depth: 3
bm25:
  backend: bleve
semantic:
  dimension: 512
  request_timeout: 5s
`)

	// When: loading
	cfg, err := Load(dir)

	// Then: explicit false and zero-like values override the defaults
	require.NoError(t, err)
	assert.False(t, cfg.Plugins.AutoLoad)
	assert.True(t, cfg.Plugins.AutoDiscover, "keys absent from the file keep defaults")
	assert.Equal(t, []string{"markdown"}, cfg.Plugins.DisabledPlugins)
	assert.Equal(t, 10, cfg.Plugins.Priority("python"))
	assert.Equal(t, 3, cfg.Plugins.SettingsFor("python")["max_depth"])
	assert.Equal(t, "bleve", cfg.BM25.Backend)
	assert.Equal(t, 512, cfg.Semantic.Dimension)
	assert.Equal(t, 5*time.Second, cfg.Semantic.RequestTimeout)
}

func TestLoad_YmlExtension_IsRecognized(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".codeindex.yml"), "bm25:\n  backend: bleve\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, "bleve", cfg.BM25.Backend)
}

func TestLoad_InvalidValues_ReturnsError(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{"unsupported dimension", "semantic:\n  dimension: 768\n", "semantic.dimension"},
		{"unknown backend", "bm25:\n  backend: lucene\n", "bm25.backend"},
		{"unknown provider", "semantic:\n  provider: magic\n", "semantic.provider"},
		{"bad log level", "logging:\n  level: loud\n", "logging.level"},
		{"inverted shard bounds", "semantic:\n  sharding:\n    min_shards: 4\n    max_shards: 2\n", "min_shards"},
		{"malformed yaml", "plugins: [unclosed\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolateUserConfig(t)
			dir := t.TempDir()
			writeFile(t, filepath.Join(dir, ".codeindex.yaml"), tt.content)

			_, err := Load(dir)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_ProjectConfigOverridesUserConfig(t *testing.T) {
	xdg := isolateUserConfig(t)
	writeFile(t, filepath.Join(xdg, "codeindex", "config.yaml"), `
bm25:
  backend: bleve
logging:
  level: debug
`)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".codeindex.yaml"), "bm25:\n  backend: sqlite\n")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.BM25.Backend, "project wins over user")
	assert.Equal(t, "debug", cfg.Logging.Level, "user value survives when project is silent")
}

func TestLoad_EnvVarOverridesFiles(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ".codeindex.yaml"), "bm25:\n  backend: bleve\n")

	t.Setenv("CODEINDEX_BM25_BACKEND", "sqlite")
	t.Setenv("CODEINDEX_DIMENSION", "2048")
	t.Setenv("CODEINDEX_SEMANTIC_ENABLED", "true")
	t.Setenv("CODEINDEX_PLUGIN_DIRS", "/a"+string(os.PathListSeparator)+"/b")

	cfg, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.BM25.Backend)
	assert.Equal(t, 2048, cfg.Semantic.Dimension)
	assert.True(t, cfg.Semantic.Enabled)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Plugins.PluginDirs)
}

func TestPluginsConfig_IsEnabled(t *testing.T) {
	off := false
	on := true
	pc := NewPluginsConfig()
	pc.DisabledPlugins = []string{"yaml"}
	pc.Plugins["go"] = PluginSettings{Enabled: &off}
	pc.Plugins["python"] = PluginSettings{Enabled: &on}
	pc.Plugins["yaml"] = PluginSettings{Enabled: &on}

	assert.False(t, pc.IsEnabled("yaml"), "disabled_plugins wins over enabled: true")
	assert.False(t, pc.IsEnabled("go"))
	assert.True(t, pc.IsEnabled("python"))
	assert.True(t, pc.IsEnabled("javascript"), "unconfigured plugins are enabled")
}

func TestLoadPluginConfig(t *testing.T) {
	t.Run("empty path returns defaults", func(t *testing.T) {
		pc, err := LoadPluginConfig("")
		require.NoError(t, err)
		assert.True(t, pc.AutoLoad)
	})

	t.Run("top-level keys", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plugins.yaml")
		writeFile(t, path, `
plugin_dirs: [./plugins]
auto_load: false
plugins:
  go:
    priority: 5
`)
		pc, err := LoadPluginConfig(path)
		require.NoError(t, err)
		assert.Equal(t, []string{"./plugins"}, pc.PluginDirs)
		assert.False(t, pc.AutoLoad)
		assert.Equal(t, 5, pc.Priority("go"))
	})

	t.Run("nested under plugins key", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "codeindex.yaml")
		writeFile(t, path, `
plugins:
  enable_hot_reload: true
  disabled_plugins: [yaml]
`)
		pc, err := LoadPluginConfig(path)
		require.NoError(t, err)
		assert.True(t, pc.EnableHotReload)
		assert.False(t, pc.IsEnabled("yaml"))
		assert.True(t, pc.AutoDiscover)
	})

	t.Run("only per-plugin blocks", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "plugins.yaml")
		writeFile(t, path, `
plugins:
  python:
    enabled: false
`)
		pc, err := LoadPluginConfig(path)
		require.NoError(t, err)
		assert.False(t, pc.IsEnabled("python"))
		assert.True(t, pc.IsEnabled("go"))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPluginConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestFindProjectRoot(t *testing.T) {
	t.Run("git directory", func(t *testing.T) {
		root := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
		nested := filepath.Join(root, "a", "b")
		require.NoError(t, os.MkdirAll(nested, 0o755))

		got, err := FindProjectRoot(nested)

		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("config file", func(t *testing.T) {
		root := t.TempDir()
		writeFile(t, filepath.Join(root, ".codeindex.yaml"), "version: 1\n")
		nested := filepath.Join(root, "src")
		require.NoError(t, os.MkdirAll(nested, 0o755))

		got, err := FindProjectRoot(nested)

		require.NoError(t, err)
		assert.Equal(t, root, got)
	})
}

func TestWriteYAML_RoundTripsThroughLoad(t *testing.T) {
	isolateUserConfig(t)
	dir := t.TempDir()
	cfg := NewConfig()
	cfg.BM25.Backend = "bleve"
	cfg.Plugins.EnableHotReload = true

	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, ".codeindex.yaml")))
	loaded, err := Load(dir)

	require.NoError(t, err)
	assert.Equal(t, "bleve", loaded.BM25.Backend)
	assert.True(t, loaded.Plugins.EnableHotReload)
}
