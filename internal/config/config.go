package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SupportedDimensions lists the embedding dimensions a vector collection may use.
var SupportedDimensions = []int{256, 512, 1024, 2048}

// Config represents the complete codeindex configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	DataDir  string         `yaml:"data_dir" json:"data_dir"`
	Plugins  PluginsConfig  `yaml:"plugins" json:"plugins"`
	Index    IndexConfig    `yaml:"index" json:"index"`
	BM25     BM25Config     `yaml:"bm25" json:"bm25"`
	Semantic SemanticConfig `yaml:"semantic" json:"semantic"`
	Worker   WorkerConfig   `yaml:"worker" json:"worker"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// PluginsConfig holds the options recognized by the plugin manager.
type PluginsConfig struct {
	PluginDirs         []string `yaml:"plugin_dirs" json:"plugin_dirs"`
	AutoDiscover       bool     `yaml:"auto_discover" json:"auto_discover"`
	AutoLoad           bool     `yaml:"auto_load" json:"auto_load"`
	ValidateInterfaces bool     `yaml:"validate_interfaces" json:"validate_interfaces"`
	EnableHotReload    bool     `yaml:"enable_hot_reload" json:"enable_hot_reload"`
	// StartOnLoad also runs the start hook after auto_load initialization.
	StartOnLoad     bool                      `yaml:"start_on_load" json:"start_on_load"`
	DisabledPlugins []string                  `yaml:"disabled_plugins" json:"disabled_plugins"`
	Plugins         map[string]PluginSettings `yaml:"plugins" json:"plugins"`
}

// PluginSettings is the per-plugin block. A nil Enabled means enabled.
type PluginSettings struct {
	Enabled  *bool          `yaml:"enabled" json:"enabled"`
	Priority int            `yaml:"priority" json:"priority"`
	Settings map[string]any `yaml:"settings" json:"settings"`
}

// IndexConfig configures directory walking.
type IndexConfig struct {
	MaxFileSizeMB    int      `yaml:"max_file_size_mb" json:"max_file_size_mb"`
	FollowSymlinks   bool     `yaml:"follow_symlinks" json:"follow_symlinks"`
	SkipHidden       bool     `yaml:"skip_hidden" json:"skip_hidden"`
	RespectGitignore bool     `yaml:"respect_gitignore" json:"respect_gitignore"`
	// Exclude holds gitignore-style patterns matched against paths relative
	// to the indexed root.
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// BM25Config selects and tunes the full-text index.
// Options for Backend: "sqlite" (default, FTS5) or "bleve".
type BM25Config struct {
	Backend string `yaml:"backend" json:"backend"`
	// SnippetLines is the size of the line window returned as a result snippet.
	SnippetLines int `yaml:"snippet_lines" json:"snippet_lines"`
}

// SemanticConfig configures the optional vector layer.
type SemanticConfig struct {
	Enabled              bool           `yaml:"enabled" json:"enabled"`
	Provider             string         `yaml:"provider" json:"provider"`
	Model                string         `yaml:"model" json:"model"`
	Endpoint             string         `yaml:"endpoint" json:"endpoint"`
	APIKeyEnv            string         `yaml:"api_key_env" json:"api_key_env"`
	Dimension            int            `yaml:"dimension" json:"dimension"`
	BatchSize            int            `yaml:"batch_size" json:"batch_size"`
	MaxConcurrentBatches int            `yaml:"max_concurrent_batches" json:"max_concurrent_batches"`
	MemoryCacheSize      int            `yaml:"memory_cache_size" json:"memory_cache_size"`
	SharedCache          bool           `yaml:"shared_cache" json:"shared_cache"`
	SharedCacheTTL       time.Duration  `yaml:"shared_cache_ttl" json:"shared_cache_ttl"`
	CollectionPrefix     string         `yaml:"collection_prefix" json:"collection_prefix"`
	ExpectedPoints       int            `yaml:"expected_points" json:"expected_points"`
	ScoreThreshold       float64        `yaml:"score_threshold" json:"score_threshold"`
	RequestsPerSecond    float64        `yaml:"requests_per_second" json:"requests_per_second"`
	RequestTimeout       time.Duration  `yaml:"request_timeout" json:"request_timeout"`
	Sharding             ShardingConfig `yaml:"sharding" json:"sharding"`
}

// ShardingConfig drives shard-count planning for new collections.
type ShardingConfig struct {
	MaxPointsPerShard   int `yaml:"max_points_per_shard" json:"max_points_per_shard"`
	MaxMemoryPerShardMB int `yaml:"max_memory_per_shard_mb" json:"max_memory_per_shard_mb"`
	MinShards           int `yaml:"min_shards" json:"min_shards"`
	MaxShards           int `yaml:"max_shards" json:"max_shards"`
	ReplicationFactor   int `yaml:"replication_factor" json:"replication_factor"`
}

// WorkerConfig configures distributed workers.
type WorkerConfig struct {
	QueuePrefix       string        `yaml:"queue_prefix" json:"queue_prefix"`
	PopTimeout        time.Duration `yaml:"pop_timeout" json:"pop_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	StatusTTL         time.Duration `yaml:"status_ttl" json:"status_ttl"`
	ErrorBackoff      time.Duration `yaml:"error_backoff" json:"error_backoff"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	File      string `yaml:"file" json:"file"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// NewConfig returns a Config with all defaults applied.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		DataDir: ".codeindex",
		Plugins: NewPluginsConfig(),
		Index: IndexConfig{
			MaxFileSizeMB:    10,
			SkipHidden:       true,
			RespectGitignore: true,
			Exclude: []string{
				"**/node_modules/**",
				"**/.git/**",
				"**/vendor/**",
				"**/__pycache__/**",
			},
		},
		BM25: BM25Config{
			Backend:      "sqlite",
			SnippetLines: 3,
		},
		Semantic: SemanticConfig{
			Enabled:              false,
			Provider:             "static",
			Model:                "voyage-code-3",
			Endpoint:             "https://api.voyageai.com/v1",
			APIKeyEnv:            "VOYAGE_API_KEY",
			Dimension:            1024,
			BatchSize:            32,
			MaxConcurrentBatches: 4,
			MemoryCacheSize:      10000,
			SharedCache:          true,
			SharedCacheTTL:       30 * 24 * time.Hour,
			CollectionPrefix:     "code",
			ExpectedPoints:       100000,
			ScoreThreshold:       0,
			RequestsPerSecond:    5,
			RequestTimeout:       30 * time.Second,
			Sharding: ShardingConfig{
				MaxPointsPerShard:   100000,
				MaxMemoryPerShardMB: 512,
				MinShards:           1,
				MaxShards:           16,
				ReplicationFactor:   1,
			},
		},
		Worker: WorkerConfig{
			QueuePrefix:       "codeindex",
			PopTimeout:        5 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			StatusTTL:         60 * time.Second,
			ErrorBackoff:      5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
	}
}

// NewPluginsConfig returns the plugin defaults.
func NewPluginsConfig() PluginsConfig {
	return PluginsConfig{
		AutoDiscover:       true,
		AutoLoad:           true,
		ValidateInterfaces: true,
		EnableHotReload:    false,
		Plugins:            map[string]PluginSettings{},
	}
}

// IsEnabled reports whether a plugin may be loaded: it is not listed in
// disabled_plugins and its own block does not say enabled: false.
func (p *PluginsConfig) IsEnabled(name string) bool {
	if slices.Contains(p.DisabledPlugins, name) {
		return false
	}
	if s, ok := p.Plugins[name]; ok && s.Enabled != nil {
		return *s.Enabled
	}
	return true
}

// Priority returns the configured priority of a plugin (0 when unset).
func (p *PluginsConfig) Priority(name string) int {
	return p.Plugins[name].Priority
}

// SettingsFor returns the free-form settings of a plugin, never nil.
func (p *PluginsConfig) SettingsFor(name string) map[string]any {
	if s, ok := p.Plugins[name]; ok && s.Settings != nil {
		return s.Settings
	}
	return map[string]any{}
}

// GetUserConfigPath returns the path to the user configuration file:
//   - $XDG_CONFIG_HOME/codeindex/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/codeindex/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "codeindex", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "codeindex", "config.yaml")
	}
	return filepath.Join(home, ".config", "codeindex", "config.yaml")
}

// Load loads configuration for the project in dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User config (~/.config/codeindex/config.yaml)
//  3. Project config (.codeindex.yaml in dir)
//  4. Environment variables (CODEINDEX_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.loadYAML(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	if err := cfg.loadFromDir(dir); err != nil {
		return nil, err
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile loads defaults plus a single explicit config file.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadPluginConfig reads plugin options from a YAML file. The file may hold
// the options at the top level or under a "plugins" key.
// An empty path returns the defaults.
func LoadPluginConfig(path string) (*PluginsConfig, error) {
	pc := NewPluginsConfig()
	if path == "" {
		return &pc, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin config %s: %w", path, err)
	}

	var probe map[string]yaml.Node
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse plugin config %s: %w", path, err)
	}
	if node, ok := probe["plugins"]; ok && isPluginsBlock(node) {
		if err := node.Decode(&pc); err != nil {
			return nil, fmt.Errorf("failed to parse plugin config %s: %w", path, err)
		}
		return &pc, nil
	}

	if err := yaml.Unmarshal(data, &pc); err != nil {
		return nil, fmt.Errorf("failed to parse plugin config %s: %w", path, err)
	}
	return &pc, nil
}

// pluginOptionKeys are the keys that mark a mapping as a plugin options block
// rather than a per-plugin settings map.
var pluginOptionKeys = []string{
	"plugin_dirs", "auto_discover", "auto_load", "validate_interfaces",
	"enable_hot_reload", "start_on_load", "disabled_plugins", "plugins",
}

func isPluginsBlock(node yaml.Node) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if slices.Contains(pluginOptionKeys, node.Content[i].Value) {
			return true
		}
	}
	return false
}

// loadFromDir loads .codeindex.yaml or .codeindex.yml when present.
func (c *Config) loadFromDir(dir string) error {
	for _, name := range []string{".codeindex.yaml", ".codeindex.yml"} {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			return c.loadYAML(path)
		}
	}
	return nil
}

// loadYAML decodes a file over the current values. Keys absent from the
// file keep their current value, so false and zero can be set explicitly.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if c.Plugins.Plugins == nil {
		c.Plugins.Plugins = map[string]PluginSettings{}
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CODEINDEX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CODEINDEX_PLUGIN_DIRS"); v != "" {
		c.Plugins.PluginDirs = filepath.SplitList(v)
	}
	if v := os.Getenv("CODEINDEX_HOT_RELOAD"); v != "" {
		c.Plugins.EnableHotReload = parseBool(v)
	}
	if v := os.Getenv("CODEINDEX_BM25_BACKEND"); v != "" {
		c.BM25.Backend = v
	}
	if v := os.Getenv("CODEINDEX_SEMANTIC_ENABLED"); v != "" {
		c.Semantic.Enabled = parseBool(v)
	}
	if v := os.Getenv("CODEINDEX_EMBEDDINGS_PROVIDER"); v != "" {
		c.Semantic.Provider = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDINGS_MODEL"); v != "" {
		c.Semantic.Model = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDINGS_ENDPOINT"); v != "" {
		c.Semantic.Endpoint = v
	}
	if v := os.Getenv("CODEINDEX_DIMENSION"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			c.Semantic.Dimension = d
		}
	}
	if v := os.Getenv("CODEINDEX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes"
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	if !slices.Contains(SupportedDimensions, c.Semantic.Dimension) {
		return fmt.Errorf("semantic.dimension must be one of %v, got %d", SupportedDimensions, c.Semantic.Dimension)
	}
	if c.Semantic.BatchSize <= 0 {
		return fmt.Errorf("semantic.batch_size must be positive, got %d", c.Semantic.BatchSize)
	}
	if c.Semantic.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("semantic.max_concurrent_batches must be positive, got %d", c.Semantic.MaxConcurrentBatches)
	}

	validProviders := map[string]bool{"static": true, "http": true}
	if !validProviders[strings.ToLower(c.Semantic.Provider)] {
		return fmt.Errorf("semantic.provider must be 'static' or 'http', got %s", c.Semantic.Provider)
	}

	sh := c.Semantic.Sharding
	if sh.MinShards < 1 || sh.MaxShards < sh.MinShards {
		return fmt.Errorf("semantic.sharding requires 1 <= min_shards <= max_shards, got %d..%d", sh.MinShards, sh.MaxShards)
	}
	if sh.MaxPointsPerShard <= 0 || sh.MaxMemoryPerShardMB <= 0 {
		return fmt.Errorf("semantic.sharding capacities must be positive")
	}
	if sh.ReplicationFactor < 1 {
		return fmt.Errorf("semantic.sharding.replication_factor must be at least 1, got %d", sh.ReplicationFactor)
	}

	validBackends := map[string]bool{"sqlite": true, "bleve": true}
	if !validBackends[strings.ToLower(c.BM25.Backend)] {
		return fmt.Errorf("bm25.backend must be 'sqlite' or 'bleve', got %s", c.BM25.Backend)
	}

	if c.BM25.SnippetLines < 1 {
		return fmt.Errorf("bm25.snippet_lines must be at least 1, got %d", c.BM25.SnippetLines)
	}

	if c.Index.MaxFileSizeMB < 0 {
		return fmt.Errorf("index.max_file_size_mb must be non-negative, got %d", c.Index.MaxFileSizeMB)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// WriteYAML writes the configuration to path.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// FindProjectRoot walks up from startDir looking for .git or .codeindex.yaml.
// Returns startDir (absolute) when nothing is found.
func FindProjectRoot(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}

	current := absDir
	for {
		if dirExists(filepath.Join(current, ".git")) ||
			fileExists(filepath.Join(current, ".codeindex.yaml")) ||
			fileExists(filepath.Join(current, ".codeindex.yml")) {
			return current, nil
		}

		parent := filepath.Dir(current)
		if parent == current {
			return absDir, nil
		}
		current = parent
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
