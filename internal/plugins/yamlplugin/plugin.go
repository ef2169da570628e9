// Package yamlplugin indexes YAML documents: top-level mapping keys become
// key symbols and anchors become variables.
package yamlplugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	cerrors "github.com/Aman-CERP/codeindex/internal/errors"
	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

// Name is the module name and language tag.
const Name = "yaml"

// Version of the YAML plugin.
const Version = "1.0.0"

// SettingNestedDepth indexes keys of nested mappings down to this depth
// (1 means top-level only).
const SettingNestedDepth = "nested_depth"

// Plugin implements plugin.Plugin for YAML files.
type Plugin struct {
	logger *slog.Logger
	depth  int

	mu      sync.RWMutex
	symbols map[string][]store.Symbol
	refs    map[string]map[string][]plugin.Reference // path -> alias name -> uses
}

var _ plugin.Plugin = (*Plugin)(nil)

// New creates a YAML plugin.
func New(settings plugin.Settings, logger *slog.Logger) *Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	depth := settings.Int(SettingNestedDepth, 1)
	if depth < 1 {
		depth = 1
	}
	return &Plugin{
		logger:  logger,
		depth:   depth,
		symbols: make(map[string][]store.Symbol),
		refs:    make(map[string]map[string][]plugin.Reference),
	}
}

// Module returns the YAML plugin module.
func Module() *plugin.Module {
	return &plugin.Module{
		Name:        Name,
		Version:     Version,
		Description: "YAML keys and anchors",
		Language:    Name,
		Extensions:  []string{".yaml", ".yml"},
		Kind:        plugin.KindLanguage,
		New: func(settings plugin.Settings, logger *slog.Logger) (plugin.Plugin, error) {
			return New(settings, logger), nil
		},
	}
}

// Supports reports whether path is a YAML file.
func (p *Plugin) Supports(path string) bool {
	switch plugin.ExtensionOf(path) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Index parses every document in content. Invalid YAML is an extraction error.
func (p *Plugin) Index(ctx context.Context, path string, content []byte) (*plugin.ExtractionResult, error) {
	if !p.Supports(path) {
		return plugin.UnsupportedResult(path), nil
	}

	x := &extraction{path: path, depth: p.depth, symbols: []store.Symbol{}, refs: map[string][]plugin.Reference{}}
	dec := yaml.NewDecoder(bytes.NewReader(content))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, cerrors.Extraction(path, err)
		}
		x.document(&doc)
	}

	p.mu.Lock()
	p.symbols[path] = x.symbols
	p.refs[path] = x.refs
	p.mu.Unlock()

	return &plugin.ExtractionResult{
		FilePath: path,
		Language: Name,
		Symbols:  x.symbols,
		Comments: x.comments,
	}, nil
}

// GetDefinition returns the first key or anchor named symbol.
func (p *Plugin) GetDefinition(ctx context.Context, symbol string) (*plugin.Definition, error) {
	for _, s := range p.all() {
		if s.Name == symbol {
			return &plugin.Definition{Symbol: s, Language: Name, Plugin: Name}, nil
		}
	}
	return nil, nil
}

// FindReferences returns the aliases (*name) that use an anchor.
func (p *Plugin) FindReferences(ctx context.Context, symbol string) ([]plugin.Reference, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	paths := make([]string, 0, len(p.refs))
	for path := range p.refs {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := []plugin.Reference{}
	for _, path := range paths {
		out = append(out, p.refs[path][symbol]...)
	}
	return out, nil
}

// Search matches key and anchor names case-insensitively by substring.
func (p *Plugin) Search(ctx context.Context, query string, opts plugin.SearchOptions) ([]plugin.SearchResult, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	out := []plugin.SearchResult{}
	if q == "" {
		return out, nil
	}
	for _, s := range p.all() {
		if len(opts.Kinds) > 0 && !containsKind(opts.Kinds, s.Kind) {
			continue
		}
		name := strings.ToLower(s.Name)
		switch {
		case name == q:
			out = append(out, plugin.SearchResult{Symbol: s, Score: 1})
		case strings.Contains(name, q):
			out = append(out, plugin.SearchResult{Symbol: s, Score: 0.5})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (p *Plugin) all() []store.Symbol {
	p.mu.RLock()
	defer p.mu.RUnlock()

	paths := make([]string, 0, len(p.symbols))
	for path := range p.symbols {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var out []store.Symbol
	for _, path := range paths {
		out = append(out, p.symbols[path]...)
	}
	return out
}

func containsKind(kinds []store.SymbolKind, k store.SymbolKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}

type extraction struct {
	path     string
	depth    int
	symbols  []store.Symbol
	comments []string
	refs     map[string][]plugin.Reference
}

func (x *extraction) document(doc *yaml.Node) {
	x.comment(doc)
	for _, n := range doc.Content {
		x.node(n, 1, "")
	}
}

// node walks n. level is the mapping depth of n; prefix is the dotted path of
// the enclosing keys.
func (x *extraction) node(n *yaml.Node, level int, prefix string) {
	x.comment(n)
	if n.Anchor != "" {
		x.symbols = append(x.symbols, store.Symbol{
			Name:      n.Anchor,
			Kind:      store.SymbolKindVariable,
			FilePath:  x.path,
			StartLine: n.Line,
			EndLine:   lastLine(n),
			Signature: "&" + n.Anchor,
		})
	}
	if n.Kind == yaml.AliasNode {
		x.refs[n.Value] = append(x.refs[n.Value], plugin.Reference{FilePath: x.path, Line: n.Line, Column: n.Column})
		return
	}

	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i], n.Content[i+1]
			x.comment(key)
			name := key.Value
			if prefix != "" {
				name = prefix + "." + key.Value
			}
			if level <= x.depth {
				x.symbols = append(x.symbols, store.Symbol{
					Name:      name,
					Kind:      store.SymbolKindKey,
					FilePath:  x.path,
					StartLine: key.Line,
					EndLine:   lastLine(val),
					Signature: signature(key, val),
					Doc:       strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key.HeadComment), "#")),
				})
			}
			x.node(val, level+1, name)
		}
	case yaml.SequenceNode:
		for _, c := range n.Content {
			x.node(c, level, prefix)
		}
	}
}

func (x *extraction) comment(n *yaml.Node) {
	for _, c := range []string{n.HeadComment, n.LineComment, n.FootComment} {
		if c = strings.TrimSpace(c); c != "" {
			x.comments = append(x.comments, c)
		}
	}
}

func signature(key, val *yaml.Node) string {
	switch val.Kind {
	case yaml.ScalarNode:
		v := val.Value
		if len(v) > 80 {
			v = v[:80]
		}
		return fmt.Sprintf("%s: %s", key.Value, v)
	case yaml.MappingNode:
		return key.Value + ": {...}"
	case yaml.SequenceNode:
		return key.Value + ": [...]"
	case yaml.AliasNode:
		return fmt.Sprintf("%s: *%s", key.Value, val.Value)
	}
	return key.Value
}

// lastLine returns the last line n spans as far as the node tree tells.
func lastLine(n *yaml.Node) int {
	line := n.Line
	for _, c := range n.Content {
		if l := lastLine(c); l > line {
			line = l
		}
	}
	return line
}
