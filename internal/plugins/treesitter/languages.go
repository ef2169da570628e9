package treesitter

import (
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Language describes how one language family is parsed and which node types
// carry symbols, imports and identifiers.
type Language struct {
	Name string

	// grammars maps a normalized extension to its tree-sitter grammar.
	// TypeScript needs a separate grammar for .tsx.
	grammars map[string]*sitter.Language

	// scopes are node types whose bodies are not top-level.
	scopes map[string]scope

	identifiers map[string]bool

	// commentPrefix marks line comments for doc comment lookup.
	commentPrefix string
}

type scope int

const (
	scopeNone scope = iota
	scopeClass
	scopeFunction
)

// Extensions returns the supported extensions, sorted.
func (l *Language) Extensions() []string {
	exts := make([]string, 0, len(l.grammars))
	for ext := range l.grammars {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// grammar returns the tree-sitter grammar for ext.
func (l *Language) grammar(ext string) (*sitter.Language, bool) {
	g, ok := l.grammars[ext]
	return g, ok
}

func set(types ...string) map[string]bool {
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}

// Go returns the Go language definition.
func Go() *Language {
	return &Language{
		Name:     "go",
		grammars: map[string]*sitter.Language{".go": golang.GetLanguage()},
		scopes: map[string]scope{
			"function_declaration": scopeFunction,
			"method_declaration":   scopeFunction,
			"func_literal":         scopeFunction,
		},
		identifiers:   set("identifier", "type_identifier", "field_identifier"),
		commentPrefix: "//",
	}
}

// Python returns the Python language definition. Methods are function
// definitions directly inside a class body.
func Python() *Language {
	py := python.GetLanguage()
	return &Language{
		Name:     "python",
		grammars: map[string]*sitter.Language{".py": py, ".pyi": py},
		scopes: map[string]scope{
			"class_definition":    scopeClass,
			"function_definition": scopeFunction,
			"lambda":              scopeFunction,
		},
		identifiers:   set("identifier"),
		commentPrefix: "#",
	}
}

var jsScopes = map[string]scope{
	"class_declaration":              scopeClass,
	"abstract_class_declaration":     scopeClass,
	"class":                          scopeClass,
	"function_declaration":           scopeFunction,
	"generator_function_declaration": scopeFunction,
	"function":                       scopeFunction,
	"function_expression":            scopeFunction,
	"generator_function":             scopeFunction,
	"arrow_function":                 scopeFunction,
	"method_definition":              scopeFunction,
}

// JavaScript returns the JavaScript language definition, JSX included.
func JavaScript() *Language {
	js := javascript.GetLanguage()
	return &Language{
		Name:          "javascript",
		grammars:      map[string]*sitter.Language{".js": js, ".jsx": js, ".mjs": js, ".cjs": js},
		scopes:        jsScopes,
		identifiers:   set("identifier", "property_identifier"),
		commentPrefix: "//",
	}
}

// TypeScript returns the TypeScript language definition. .tsx files use the
// TSX grammar.
func TypeScript() *Language {
	ts := typescript.GetLanguage()
	return &Language{
		Name: "typescript",
		grammars: map[string]*sitter.Language{
			".ts":  ts,
			".mts": ts,
			".cts": ts,
			".tsx": tsx.GetLanguage(),
		},
		scopes:        jsScopes,
		identifiers:   set("identifier", "type_identifier", "property_identifier"),
		commentPrefix: "//",
	}
}

// Languages returns every supported language in registration order.
func Languages() []*Language {
	return []*Language{Go(), Python(), JavaScript(), TypeScript()}
}
