// Package treesitter provides the language plugins backed by tree-sitter
// grammars: Go, Python, JavaScript and TypeScript.
package treesitter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// Version is reported by every tree-sitter module.
const Version = "1.0.0"

// Settings keys.
const (
	SettingStrict      = "strict"       // fail files with syntax errors
	SettingMaxComments = "max_comments" // comments kept per file
	SettingReferences  = "references"   // track identifier references
)

const defaultSearchLimit = 20

// fileIndex is what the plugin remembers about one indexed file.
type fileIndex struct {
	symbols []store.Symbol
	refs    map[string][]plugin.Reference
}

// Plugin extracts symbols with tree-sitter and answers definition, reference
// and symbol search queries over the files it indexed. When a store is
// attached, definitions and searches also fall back to previously persisted
// symbols.
type Plugin struct {
	lang        *Language
	parser      *Parser
	storage     store.Storage
	logger      *slog.Logger
	strict      bool
	maxComments int
	withRefs    bool

	mu     sync.RWMutex
	files  map[string]*fileIndex
	closed bool
}

var (
	_ plugin.Plugin    = (*Plugin)(nil)
	_ plugin.Destroyer = (*Plugin)(nil)
)

// New creates a plugin for lang. st may be nil.
func New(lang *Language, st store.Storage, settings plugin.Settings, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugin{
		lang:        lang,
		parser:      NewParser(),
		storage:     st,
		logger:      logger,
		strict:      settings.Bool(SettingStrict, false),
		maxComments: settings.Int(SettingMaxComments, 200),
		withRefs:    settings.Bool(SettingReferences, true),
		files:       make(map[string]*fileIndex),
	}
}

// Module returns the plugin module for lang.
func Module(lang *Language) *plugin.Module {
	return &plugin.Module{
		Name:        lang.Name,
		Version:     Version,
		Description: fmt.Sprintf("tree-sitter %s symbols", lang.Name),
		Language:    lang.Name,
		Extensions:  lang.Extensions(),
		Kind:        plugin.KindLanguage,
		New: func(settings plugin.Settings, logger *slog.Logger) (plugin.Plugin, error) {
			return New(lang, nil, settings, logger), nil
		},
		NewWithStorage: func(st store.Storage, settings plugin.Settings, logger *slog.Logger) (plugin.Plugin, error) {
			return New(lang, st, settings, logger), nil
		},
	}
}

// Modules returns a module for every supported language.
func Modules() []*plugin.Module {
	langs := Languages()
	mods := make([]*plugin.Module, 0, len(langs))
	for _, l := range langs {
		mods = append(mods, Module(l))
	}
	return mods
}

// Language returns the language this plugin handles.
func (p *Plugin) Language() *Language {
	return p.lang
}

// Supports reports whether path has one of the language's extensions.
func (p *Plugin) Supports(path string) bool {
	_, ok := p.lang.grammar(plugin.ExtensionOf(path))
	return ok
}

// Index parses content and extracts its symbols. Syntax errors are tolerated
// unless the strict setting is on.
func (p *Plugin) Index(ctx context.Context, path string, content []byte) (*plugin.ExtractionResult, error) {
	grammar, ok := p.lang.grammar(plugin.ExtensionOf(path))
	if !ok {
		return plugin.UnsupportedResult(path), nil
	}

	root, err := p.parser.Parse(ctx, content, grammar)
	if err != nil {
		return nil, cerrors.Extraction(path, err)
	}
	if root.HasError && p.strict {
		return nil, cerrors.Extraction(path, fmt.Errorf("syntax error in %s source", p.lang.Name))
	}

	x := newExtraction(p.lang, path, content, p.maxComments, p.withRefs)
	x.run(root)

	p.mu.Lock()
	if !p.closed {
		p.files[path] = &fileIndex{symbols: x.symbols, refs: x.refs}
	}
	p.mu.Unlock()

	p.logger.Debug("file_extracted",
		slog.String("path", path),
		slog.Int("symbols", len(x.symbols)),
		slog.Bool("syntax_errors", root.HasError))

	return &plugin.ExtractionResult{
		FilePath: path,
		Language: p.lang.Name,
		Symbols:  x.symbols,
		Imports:  x.imports,
		Comments: x.comments,
	}, nil
}

// kindRank orders candidate definitions: type-like declarations first.
var kindRank = map[store.SymbolKind]int{
	store.SymbolKindClass:     0,
	store.SymbolKindInterface: 0,
	store.SymbolKindType:      0,
	store.SymbolKindFunction:  1,
	store.SymbolKindMethod:    2,
	store.SymbolKindConstant:  3,
	store.SymbolKindVariable:  4,
}

// GetDefinition returns the best definition named symbol, or nil.
func (p *Plugin) GetDefinition(ctx context.Context, symbol string) (*plugin.Definition, error) {
	if strings.TrimSpace(symbol) == "" {
		return nil, nil
	}

	candidates := p.memorySymbols(func(s store.Symbol) bool { return s.Name == symbol })
	if len(candidates) == 0 && p.storage != nil {
		stored, err := p.storage.FindSymbols(ctx, symbol, 50)
		if err != nil {
			return nil, fmt.Errorf("failed to look up %s: %w", symbol, err)
		}
		for _, s := range stored {
			if s.Name == symbol && p.Supports(s.FilePath) {
				candidates = append(candidates, s)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if kindRank[a.Kind] != kindRank[b.Kind] {
			return kindRank[a.Kind] < kindRank[b.Kind]
		}
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		return a.StartLine < b.StartLine
	})
	return &plugin.Definition{Symbol: candidates[0], Language: p.lang.Name, Plugin: p.lang.Name}, nil
}

// FindReferences returns every identifier occurrence named symbol across the
// indexed files, ordered by file and position.
func (p *Plugin) FindReferences(ctx context.Context, symbol string) ([]plugin.Reference, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	refs := []plugin.Reference{}
	for _, f := range p.files {
		refs = append(refs, f.refs[symbol]...)
	}
	sort.Slice(refs, func(i, j int) bool {
		a, b := refs[i], refs[j]
		if a.FilePath != b.FilePath {
			return a.FilePath < b.FilePath
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.Column < b.Column
	})
	return refs, nil
}

// Search ranks symbols by how well their names match query: exact, then
// prefix, then substring, all case-insensitive.
func (p *Plugin) Search(ctx context.Context, query string, opts plugin.SearchOptions) ([]plugin.SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []plugin.SearchResult{}, nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	type key struct {
		path string
		line int
		name string
	}
	seen := make(map[key]bool)
	var results []plugin.SearchResult
	collect := func(s store.Symbol) {
		score := matchScore(s.Name, query)
		k := key{s.FilePath, s.StartLine, s.Name}
		if score == 0 || !kindAllowed(s.Kind, opts.Kinds) || seen[k] {
			return
		}
		seen[k] = true
		results = append(results, plugin.SearchResult{Symbol: s, Score: score})
	}

	for _, s := range p.memorySymbols(nil) {
		collect(s)
	}
	if p.storage != nil {
		stored, err := p.storage.FindSymbols(ctx, query, limit*4)
		if err != nil {
			p.logger.Warn("symbol_search_storage_failed", slog.String("error", err.Error()))
		}
		for _, s := range stored {
			if p.Supports(s.FilePath) {
				collect(s)
			}
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Symbol.Name != b.Symbol.Name {
			return a.Symbol.Name < b.Symbol.Name
		}
		return a.Symbol.FilePath < b.Symbol.FilePath
	})
	if len(results) > limit {
		results = results[:limit]
	}
	if results == nil {
		results = []plugin.SearchResult{}
	}
	return results, nil
}

// Forget drops what the plugin remembers about path.
func (p *Plugin) Forget(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.files, path)
}

// Destroy releases the parser and the in-memory symbol table.
func (p *Plugin) Destroy() error {
	p.mu.Lock()
	p.closed = true
	p.files = make(map[string]*fileIndex)
	p.mu.Unlock()

	p.parser.Close()
	return nil
}

func (p *Plugin) memorySymbols(keep func(store.Symbol) bool) []store.Symbol {
	p.mu.RLock()
	defer p.mu.RUnlock()

	paths := make([]string, 0, len(p.files))
	for path := range p.files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var out []store.Symbol
	for _, path := range paths {
		for _, s := range p.files[path].symbols {
			if keep == nil || keep(s) {
				out = append(out, s)
			}
		}
	}
	return out
}

func matchScore(name, query string) float64 {
	n, q := strings.ToLower(name), strings.ToLower(query)
	switch {
	case name == query:
		return 1.0
	case n == q:
		return 0.9
	case strings.HasPrefix(n, q):
		return 0.7
	case strings.Contains(n, q):
		return 0.5
	}
	return 0
}

func kindAllowed(kind store.SymbolKind, kinds []store.SymbolKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
