package plugin

import (
	"context"
	"log/slog"

	"github.com/Aman-CERP/codeindex/internal/store"
)

// Kind classifies what a plugin contributes.
type Kind string

const (
	KindLanguage  Kind = "language"
	KindIndexer   Kind = "indexer"
	KindAnalyzer  Kind = "analyzer"
	KindFormatter Kind = "formatter"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLanguage, KindIndexer, KindAnalyzer, KindFormatter:
		return true
	}
	return false
}

// State is a plugin's lifecycle state.
type State int

const (
	StateDiscovered State = iota
	StateLoaded
	StateInitialized
	StateStarted
	StateStopped
	StateError
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// IsActive reports whether a plugin in state s may be used.
func (s State) IsActive() bool {
	return s == StateInitialized || s == StateStarted
}

// ExtractionResult is what a plugin produces for one file. Symbols are in
// source order.
type ExtractionResult struct {
	FilePath string         `json:"file_path"`
	Language string         `json:"language"`
	Symbols  []store.Symbol `json:"symbols"`
	Imports  []string       `json:"imports,omitempty"`
	Comments []string       `json:"comments,omitempty"`

	// Unsupported marks a file no plugin handles. Such results carry no
	// symbols and are not errors.
	Unsupported bool `json:"unsupported,omitempty"`
}

// UnsupportedResult returns the empty result for a file no plugin handles.
func UnsupportedResult(path string) *ExtractionResult {
	return &ExtractionResult{FilePath: path, Symbols: []store.Symbol{}, Unsupported: true}
}

// Definition is where a symbol is defined.
type Definition struct {
	Symbol   store.Symbol `json:"symbol"`
	Language string       `json:"language"`
	Plugin   string       `json:"plugin"`
}

// Reference is one use of a symbol name.
type Reference struct {
	FilePath string `json:"file_path"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
}

// SearchOptions tune a plugin-level search.
type SearchOptions struct {
	Limit int
	Kinds []store.SymbolKind // empty means all kinds
}

// SearchResult is one plugin-level search hit.
type SearchResult struct {
	Symbol store.Symbol `json:"symbol"`
	Score  float64      `json:"score"`
}

// Plugin is the capability surface every plugin exposes.
type Plugin interface {
	// Supports reports whether the plugin handles path. It may look at more
	// than the extension.
	Supports(path string) bool

	// Index extracts symbols from one file.
	Index(ctx context.Context, path string, content []byte) (*ExtractionResult, error)

	// GetDefinition returns the definition of symbol, or nil if unknown.
	GetDefinition(ctx context.Context, symbol string) (*Definition, error)

	FindReferences(ctx context.Context, symbol string) ([]Reference, error)

	Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error)
}

// Starter is implemented by plugins with a start hook.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by plugins with a stop hook.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Destroyer is implemented by plugins holding resources to release.
type Destroyer interface {
	Destroy() error
}

// Settings are the per-plugin settings from configuration and manifest.
type Settings map[string]any

// String returns a string setting or def.
func (s Settings) String(key, def string) string {
	if v, ok := s[key].(string); ok {
		return v
	}
	return def
}

// Int returns an integer setting or def. YAML and JSON decode numbers
// differently, so both int and float64 are accepted.
func (s Settings) Int(key string, def int) int {
	switch v := s[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Bool returns a boolean setting or def.
func (s Settings) Bool(key string, def bool) bool {
	if v, ok := s[key].(bool); ok {
		return v
	}
	return def
}

// Factory constructs a plugin without dependencies.
type Factory func(settings Settings, logger *slog.Logger) (Plugin, error)

// StorageFactory constructs a plugin that uses the shared relational store.
type StorageFactory func(st store.Storage, settings Settings, logger *slog.Logger) (Plugin, error)

// Module is the executable unit behind a descriptor: static metadata plus a
// constructor. Modules are assembled at build time and handed to the loader.
type Module struct {
	Name        string
	Version     string
	Description string
	Language    string
	Extensions  []string
	Kind        Kind

	// New and NewWithStorage are constructors. NewWithStorage is preferred
	// when a store is available.
	New            Factory
	NewWithStorage StorageFactory
}

// Descriptor returns the descriptor a module declares for itself.
func (m *Module) Descriptor() Descriptor {
	kind := m.Kind
	if kind == "" {
		kind = KindLanguage
	}
	return Descriptor{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Language:    m.Language,
		Extensions:  NormalizeExtensions(m.Extensions),
		Kind:        kind,
		Module:      m.Name,
	}
}
