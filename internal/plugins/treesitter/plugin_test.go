package treesitter

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPlugin(t *testing.T, lang *Language, settings plugin.Settings) *Plugin {
	t.Helper()
	p := New(lang, nil, settings, quietLogger())
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func symbolNames(symbols []store.Symbol) []string {
	names := make([]string, 0, len(symbols))
	for _, s := range symbols {
		names = append(names, s.Name)
	}
	return names
}

func findSymbol(t *testing.T, symbols []store.Symbol, name string) store.Symbol {
	t.Helper()
	for _, s := range symbols {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("symbol %q not found in %v", name, symbolNames(symbols))
	return store.Symbol{}
}

const pythonSource = `import os
from typing import List

MAX_RETRIES = 3
default_name = "app"


class Logger:
    """Writes structured log lines."""

    level = "info"

    def log(self, msg):
        # emit one line
        print(msg)


def make_logger(name):
    """Create a logger."""
    inner = 1
    return Logger()
`

func TestPythonExtraction(t *testing.T) {
	// Given: a Python module with a class, methods, functions and globals
	p := newPlugin(t, Python(), nil)

	// When: it is indexed
	res, err := p.Index(context.Background(), "pkg/log.py", []byte(pythonSource))

	// Then: symbols are in source order with the right kinds
	require.NoError(t, err)
	assert.Equal(t, "python", res.Language)
	assert.False(t, res.Unsupported)
	assert.Equal(t, []string{"MAX_RETRIES", "default_name", "Logger", "log", "make_logger"}, symbolNames(res.Symbols))

	logger := findSymbol(t, res.Symbols, "Logger")
	assert.Equal(t, store.SymbolKindClass, logger.Kind)
	assert.Equal(t, 8, logger.StartLine)
	assert.Equal(t, "class Logger:", logger.Signature)
	assert.Equal(t, "Writes structured log lines.", logger.Doc)
	assert.Equal(t, "pkg/log.py", logger.FilePath)

	assert.Equal(t, store.SymbolKindMethod, findSymbol(t, res.Symbols, "log").Kind)
	mk := findSymbol(t, res.Symbols, "make_logger")
	assert.Equal(t, store.SymbolKindFunction, mk.Kind)
	assert.Equal(t, "def make_logger(name):", mk.Signature)
	assert.Equal(t, "Create a logger.", mk.Doc)
	assert.Equal(t, store.SymbolKindConstant, findSymbol(t, res.Symbols, "MAX_RETRIES").Kind)
	assert.Equal(t, store.SymbolKindVariable, findSymbol(t, res.Symbols, "default_name").Kind)

	assert.Equal(t, []string{"os", "typing"}, res.Imports)
	assert.Equal(t, []string{"# emit one line"}, res.Comments)
}

const goSource = `package server

import (
	"context"
	"fmt"
)

// MaxConns caps open connections.
const MaxConns = 10

var (
	defaultAddr = ":8080"
)

// Server handles requests.
type Server struct {
	addr string
}

type Handler interface {
	Serve(ctx context.Context) error
}

// Start runs the server.
func (s *Server) Start(ctx context.Context) error {
	const local = 1
	return fmt.Errorf("not implemented")
}

func NewServer(addr string) *Server {
	return &Server{addr: addr}
}
`

func TestGoExtraction(t *testing.T) {
	p := newPlugin(t, Go(), nil)

	res, err := p.Index(context.Background(), "server.go", []byte(goSource))

	require.NoError(t, err)
	assert.Equal(t, []string{"MaxConns", "defaultAddr", "Server", "Handler", "Start", "NewServer"}, symbolNames(res.Symbols))

	maxConns := findSymbol(t, res.Symbols, "MaxConns")
	assert.Equal(t, store.SymbolKindConstant, maxConns.Kind)
	assert.Equal(t, "MaxConns caps open connections.", maxConns.Doc)

	server := findSymbol(t, res.Symbols, "Server")
	assert.Equal(t, store.SymbolKindType, server.Kind)
	assert.Equal(t, "type Server struct", server.Signature)
	assert.Equal(t, "Server handles requests.", server.Doc)
	assert.Equal(t, 16, server.StartLine)
	assert.Equal(t, 18, server.EndLine)

	assert.Equal(t, store.SymbolKindInterface, findSymbol(t, res.Symbols, "Handler").Kind)

	start := findSymbol(t, res.Symbols, "Start")
	assert.Equal(t, store.SymbolKindMethod, start.Kind)
	assert.Equal(t, "func (s *Server) Start(ctx context.Context) error", start.Signature)
	assert.Equal(t, "Start runs the server.", start.Doc)

	assert.Equal(t, store.SymbolKindFunction, findSymbol(t, res.Symbols, "NewServer").Kind)
	assert.Equal(t, store.SymbolKindVariable, findSymbol(t, res.Symbols, "defaultAddr").Kind)
	assert.Equal(t, []string{"context", "fmt"}, res.Imports)
}

const jsSource = `import { readFile } from './fs.js';

/**
 * Greets people.
 */
class Greeter {
  hello(name) {
    return greet(name);
  }
}

function greet(name) {
  return "hi " + name;
}

const add = (a, b) => a + b;
const LIMIT = 5;
let counter = 0;
`

func TestJavaScriptExtraction(t *testing.T) {
	p := newPlugin(t, JavaScript(), nil)

	res, err := p.Index(context.Background(), "web/app.jsx", []byte(jsSource))

	require.NoError(t, err)
	assert.Equal(t, "javascript", res.Language)
	assert.Equal(t, []string{"Greeter", "hello", "greet", "add", "LIMIT", "counter"}, symbolNames(res.Symbols))

	greeter := findSymbol(t, res.Symbols, "Greeter")
	assert.Equal(t, store.SymbolKindClass, greeter.Kind)
	assert.Equal(t, "Greets people.", greeter.Doc)
	assert.Equal(t, "class Greeter", greeter.Signature)

	assert.Equal(t, store.SymbolKindMethod, findSymbol(t, res.Symbols, "hello").Kind)
	assert.Equal(t, store.SymbolKindFunction, findSymbol(t, res.Symbols, "add").Kind)
	assert.Equal(t, store.SymbolKindConstant, findSymbol(t, res.Symbols, "LIMIT").Kind)
	assert.Equal(t, store.SymbolKindVariable, findSymbol(t, res.Symbols, "counter").Kind)
	assert.Equal(t, []string{"./fs.js"}, res.Imports)
}

const tsSource = `export interface User {
  name: string;
}

export type ID = string;

enum Color { Red, Green }

export class UserService {
  find(id: ID): User | undefined {
    return undefined;
  }
}
`

func TestTypeScriptExtraction(t *testing.T) {
	p := newPlugin(t, TypeScript(), nil)

	res, err := p.Index(context.Background(), "src/user.ts", []byte(tsSource))

	require.NoError(t, err)
	assert.Equal(t, []string{"User", "ID", "Color", "UserService", "find"}, symbolNames(res.Symbols))
	assert.Equal(t, store.SymbolKindInterface, findSymbol(t, res.Symbols, "User").Kind)
	assert.Equal(t, store.SymbolKindType, findSymbol(t, res.Symbols, "ID").Kind)
	assert.Equal(t, store.SymbolKindClass, findSymbol(t, res.Symbols, "UserService").Kind)
	assert.Equal(t, store.SymbolKindMethod, findSymbol(t, res.Symbols, "find").Kind)
}

func TestTSXUsesTSXGrammar(t *testing.T) {
	p := newPlugin(t, TypeScript(), plugin.Settings{SettingStrict: true})
	src := "export function App(): JSX.Element {\n  return <div className=\"app\">hi</div>;\n}\n"

	res, err := p.Index(context.Background(), "ui/App.tsx", []byte(src))

	require.NoError(t, err)
	assert.Equal(t, []string{"App"}, symbolNames(res.Symbols))
}

func TestIndex_UnsupportedExtension(t *testing.T) {
	p := newPlugin(t, Python(), nil)

	res, err := p.Index(context.Background(), "notes.txt", []byte("hello"))

	require.NoError(t, err)
	assert.True(t, res.Unsupported)
	assert.Empty(t, res.Symbols)
}

func TestIndex_StrictRejectsSyntaxErrors(t *testing.T) {
	broken := []byte("def broken(:\n    pass\n")

	lenient := newPlugin(t, Python(), nil)
	res, err := lenient.Index(context.Background(), "a.py", broken)
	require.NoError(t, err)
	assert.NotNil(t, res)

	strict := newPlugin(t, Python(), plugin.Settings{SettingStrict: true})
	_, err = strict.Index(context.Background(), "a.py", broken)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.py")
}

func TestIndex_EmptyFile(t *testing.T) {
	p := newPlugin(t, Go(), nil)

	res, err := p.Index(context.Background(), "empty.go", []byte{})

	require.NoError(t, err)
	assert.NotNil(t, res.Symbols)
	assert.Empty(t, res.Symbols)
}

func TestSupports(t *testing.T) {
	tests := []struct {
		lang *Language
		path string
		want bool
	}{
		{Go(), "main.go", true},
		{Go(), "MAIN.GO", true},
		{Go(), "main.py", false},
		{Python(), "stub.pyi", true},
		{JavaScript(), "x.mjs", true},
		{JavaScript(), "x.ts", false},
		{TypeScript(), "x.tsx", true},
		{TypeScript(), "Makefile", false},
	}
	for _, tt := range tests {
		t.Run(tt.lang.Name+"/"+tt.path, func(t *testing.T) {
			p := newPlugin(t, tt.lang, nil)
			assert.Equal(t, tt.want, p.Supports(tt.path))
		})
	}
}

func TestGetDefinitionAndReferences(t *testing.T) {
	ctx := context.Background()
	p := newPlugin(t, Python(), nil)
	_, err := p.Index(ctx, "log.py", []byte(pythonSource))
	require.NoError(t, err)
	_, err = p.Index(ctx, "main.py", []byte("from log import Logger\n\nl = Logger()\n"))
	require.NoError(t, err)

	def, err := p.GetDefinition(ctx, "Logger")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "log.py", def.Symbol.FilePath)
	assert.Equal(t, store.SymbolKindClass, def.Symbol.Kind)
	assert.Equal(t, "python", def.Plugin)

	missing, err := p.GetDefinition(ctx, "Nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	refs, err := p.FindReferences(ctx, "Logger")
	require.NoError(t, err)
	// class name and constructor call in log.py, import and call in main.py
	require.Len(t, refs, 4)
	assert.Equal(t, plugin.Reference{FilePath: "log.py", Line: 8, Column: 7}, refs[0])
	assert.Equal(t, "main.py", refs[2].FilePath)
	assert.Equal(t, 1, refs[2].Line)
}

func TestGetDefinition_FallsBackToStorage(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	repo, err := st.CreateRepository(ctx, "/repo", "repo")
	require.NoError(t, err)
	f, _, err := st.StoreFile(ctx, &store.File{RepositoryID: repo.ID, Path: "svc.go", Language: "go", Hash: "h"})
	require.NoError(t, err)
	require.NoError(t, st.StoreSymbols(ctx, f.ID, []store.Symbol{
		{Name: "Serve", Kind: store.SymbolKindFunction, FilePath: "svc.go", StartLine: 3, EndLine: 9},
	}))

	p := New(Go(), st, nil, quietLogger())
	t.Cleanup(func() { _ = p.Destroy() })

	def, err := p.GetDefinition(ctx, "Serve")
	require.NoError(t, err)
	require.NotNil(t, def)
	assert.Equal(t, "svc.go", def.Symbol.FilePath)

	results, err := p.Search(ctx, "Serv", plugin.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Serve", results[0].Symbol.Name)
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	p := newPlugin(t, Python(), nil)
	_, err := p.Index(ctx, "log.py", []byte(pythonSource))
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		opts  plugin.SearchOptions
		want  []string
	}{
		{"exact first", "Logger", plugin.SearchOptions{}, []string{"Logger", "make_logger"}},
		{"case-insensitive prefix", "log", plugin.SearchOptions{}, []string{"log", "Logger", "make_logger"}},
		{"kind filter", "log", plugin.SearchOptions{Kinds: []store.SymbolKind{store.SymbolKindFunction}}, []string{"make_logger"}},
		{"limit", "log", plugin.SearchOptions{Limit: 1}, []string{"log"}},
		{"no match", "zzz", plugin.SearchOptions{}, []string{}},
		{"blank query", "  ", plugin.SearchOptions{}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := p.Search(ctx, tt.query, tt.opts)
			require.NoError(t, err)
			names := []string{}
			for _, r := range results {
				names = append(names, r.Symbol.Name)
			}
			assert.Equal(t, tt.want, names)
		})
	}
}

func TestReindexReplacesFileSymbols(t *testing.T) {
	ctx := context.Background()
	p := newPlugin(t, Python(), nil)
	_, err := p.Index(ctx, "a.py", []byte("def old():\n    pass\n"))
	require.NoError(t, err)

	_, err = p.Index(ctx, "a.py", []byte("def new():\n    pass\n"))
	require.NoError(t, err)

	def, err := p.GetDefinition(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, def)
	def, err = p.GetDefinition(ctx, "new")
	require.NoError(t, err)
	assert.NotNil(t, def)

	p.Forget("a.py")
	def, err = p.GetDefinition(ctx, "new")
	require.NoError(t, err)
	assert.Nil(t, def)
}

func TestModules(t *testing.T) {
	mods := Modules()
	require.Len(t, mods, 4)
	assert.Equal(t, "go", mods[0].Name)
	assert.Equal(t, []string{".cts", ".mts", ".ts", ".tsx"}, mods[3].Extensions)

	inst, err := mods[1].New(nil, quietLogger())
	require.NoError(t, err)
	assert.True(t, inst.Supports("x.py"))
	_ = inst.(*Plugin).Destroy()
}
