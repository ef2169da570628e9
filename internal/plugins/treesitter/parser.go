package treesitter

import (
	"context"
	"fmt"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
)

// Node is a tree-sitter node copied out of the C tree so it can be walked
// without holding the parser.
type Node struct {
	Type      string
	StartByte uint32
	EndByte   uint32
	StartRow  uint32 // 0-indexed
	StartCol  uint32
	EndRow    uint32
	Children  []*Node
	HasError  bool
}

// Parser wraps a tree-sitter parser. A tree-sitter parser is not safe for
// concurrent use, so calls are serialized.
type Parser struct {
	mu     sync.Mutex
	parser *sitter.Parser
}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{parser: sitter.NewParser()}
}

// Parse parses source with the given grammar.
func (p *Parser) Parse(ctx context.Context, source []byte, lang *sitter.Language) (*Node, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.parser == nil {
		return nil, fmt.Errorf("parser is closed")
	}
	p.parser.SetLanguage(lang)

	tree, err := p.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse source: %w", err)
	}
	if tree == nil {
		return nil, fmt.Errorf("failed to parse source: nil tree")
	}
	return convertNode(tree.RootNode()), nil
}

// Close releases parser resources. Safe to call more than once.
func (p *Parser) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parser != nil {
		p.parser.Close()
		p.parser = nil
	}
}

func convertNode(ts *sitter.Node) *Node {
	if ts == nil {
		return nil
	}
	n := &Node{
		Type:      ts.Type(),
		StartByte: ts.StartByte(),
		EndByte:   ts.EndByte(),
		StartRow:  ts.StartPoint().Row,
		StartCol:  ts.StartPoint().Column,
		EndRow:    ts.EndPoint().Row,
		HasError:  ts.HasError(),
		Children:  make([]*Node, 0, int(ts.ChildCount())),
	}
	for i := 0; i < int(ts.ChildCount()); i++ {
		if child := ts.Child(i); child != nil {
			n.Children = append(n.Children, convertNode(child))
		}
	}
	return n
}

// Content returns the source text covered by n.
func (n *Node) Content(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// Child returns the first direct child of one of the given types.
func (n *Node) Child(types ...string) *Node {
	for _, c := range n.Children {
		for _, t := range types {
			if c.Type == t {
				return c
			}
		}
	}
	return nil
}

// FindAll returns every descendant of type t, n included, in source order.
func (n *Node) FindAll(t string) []*Node {
	var out []*Node
	if n.Type == t {
		out = append(out, n)
	}
	for _, c := range n.Children {
		out = append(out, c.FindAll(t)...)
	}
	return out
}
