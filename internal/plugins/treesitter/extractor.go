package treesitter

import (
	"strings"
	"unicode"

	"github.com/Aman-CERP/codeindex/internal/plugin"
	"github.com/Aman-CERP/codeindex/internal/store"
)

const maxSignatureLen = 200

// extraction collects symbols, imports, comments and identifier references
// from one parsed file. Symbols are appended in source order.
type extraction struct {
	lang        *Language
	src         []byte
	lines       []string
	path        string
	maxComments int
	withRefs    bool

	symbols  []store.Symbol
	imports  []string
	comments []string
	refs     map[string][]plugin.Reference
}

func newExtraction(lang *Language, path string, src []byte, maxComments int, withRefs bool) *extraction {
	return &extraction{
		lang:        lang,
		src:         src,
		lines:       strings.Split(string(src), "\n"),
		path:        path,
		maxComments: maxComments,
		withRefs:    withRefs,
		symbols:     []store.Symbol{},
		refs:        make(map[string][]plugin.Reference),
	}
}

func (x *extraction) run(root *Node) {
	x.walk(root, nil)
}

// walk visits n depth-first. scopes holds the enclosing class and function
// scopes, innermost last.
func (x *extraction) walk(n *Node, scopes []scope) {
	if n.Type == "comment" {
		x.addComment(n)
		return
	}
	if x.withRefs && x.lang.identifiers[n.Type] {
		x.addRef(n)
	}

	switch x.lang.Name {
	case "go":
		x.declareGo(n, scopes)
	case "python":
		x.declarePython(n, scopes)
	case "javascript", "typescript":
		x.declareJS(n, scopes)
	}

	if s, ok := x.lang.scopes[n.Type]; ok && len(n.Children) > 0 {
		scopes = append(scopes[:len(scopes):len(scopes)], s)
	}
	for _, c := range n.Children {
		x.walk(c, scopes)
	}
}

func innermost(scopes []scope) scope {
	if len(scopes) == 0 {
		return scopeNone
	}
	return scopes[len(scopes)-1]
}

func inFunction(scopes []scope) bool {
	for _, s := range scopes {
		if s == scopeFunction {
			return true
		}
	}
	return false
}

func (x *extraction) add(n *Node, name string, kind store.SymbolKind, doc string) {
	if name == "" {
		return
	}
	if doc == "" {
		doc = x.leadingComment(n)
	}
	x.symbols = append(x.symbols, store.Symbol{
		Name:      name,
		Kind:      kind,
		FilePath:  x.path,
		StartLine: int(n.StartRow) + 1,
		EndLine:   int(n.EndRow) + 1,
		Signature: x.signature(n, kind),
		Doc:       doc,
	})
}

func (x *extraction) text(n *Node) string {
	if n == nil {
		return ""
	}
	return n.Content(x.src)
}

// Go

func (x *extraction) declareGo(n *Node, scopes []scope) {
	switch n.Type {
	case "function_declaration":
		x.add(n, x.text(n.Child("identifier")), store.SymbolKindFunction, "")
	case "method_declaration":
		x.add(n, x.text(n.Child("field_identifier")), store.SymbolKindMethod, "")
	case "type_declaration":
		for _, spec := range n.Children {
			if spec.Type != "type_spec" && spec.Type != "type_alias" {
				continue
			}
			kind := store.SymbolKindType
			if spec.Child("interface_type") != nil {
				kind = store.SymbolKindInterface
			}
			x.add(ungrouped(n, spec), x.text(spec.Child("type_identifier")), kind, "")
		}
	case "const_declaration", "var_declaration":
		if inFunction(scopes) {
			return
		}
		kind, specType := store.SymbolKindConstant, "const_spec"
		if n.Type == "var_declaration" {
			kind, specType = store.SymbolKindVariable, "var_spec"
		}
		for _, spec := range n.FindAll(specType) {
			for _, id := range spec.Children {
				if id.Type == "identifier" {
					x.add(ungrouped(n, spec), x.text(id), kind, "")
				}
			}
		}
	case "import_declaration":
		for _, spec := range n.FindAll("import_spec") {
			if lit := spec.Child("interpreted_string_literal", "raw_string_literal"); lit != nil {
				x.imports = append(x.imports, strings.Trim(x.text(lit), "\"`"))
			}
		}
	}
}

// ungrouped returns decl for a single-spec declaration and spec for one
// inside a parenthesized group, so positions and signatures cover the spec.
func ungrouped(decl, spec *Node) *Node {
	if decl.Child("(") == nil && decl.Child("var_spec_list") == nil {
		return decl
	}
	return spec
}

// Python

func (x *extraction) declarePython(n *Node, scopes []scope) {
	switch n.Type {
	case "class_definition":
		x.add(n, x.text(n.Child("identifier")), store.SymbolKindClass, x.docstring(n))
	case "function_definition":
		kind := store.SymbolKindFunction
		if innermost(scopes) == scopeClass {
			kind = store.SymbolKindMethod
		}
		x.add(n, x.text(n.Child("identifier")), kind, x.docstring(n))
	case "assignment":
		if len(scopes) > 0 || len(n.Children) == 0 || n.Children[0].Type != "identifier" {
			return
		}
		name := x.text(n.Children[0])
		kind := store.SymbolKindVariable
		if isUpperSnake(name) {
			kind = store.SymbolKindConstant
		}
		x.add(n, name, kind, "")
	case "import_statement":
		for _, c := range n.Children {
			switch c.Type {
			case "dotted_name":
				x.imports = append(x.imports, x.text(c))
			case "aliased_import":
				x.imports = append(x.imports, x.text(c.Child("dotted_name")))
			}
		}
	case "import_from_statement":
		if mod := n.Child("dotted_name", "relative_import"); mod != nil {
			x.imports = append(x.imports, x.text(mod))
		}
	}
}

// docstring returns the leading string literal of a Python class or function body.
func (x *extraction) docstring(n *Node) string {
	if x.lang.Name != "python" {
		return ""
	}
	body := n.Child("block")
	if body == nil || len(body.Children) == 0 {
		return ""
	}
	first := body.Children[0]
	if first.Type != "expression_statement" {
		return ""
	}
	str := first.Child("string")
	if str == nil {
		return ""
	}
	doc := strings.TrimSpace(x.text(str))
	doc = strings.TrimLeft(doc, "rRbBuUfF")
	return strings.TrimSpace(strings.Trim(doc, `"'`))
}

func isUpperSnake(name string) bool {
	hasLetter := false
	for _, r := range name {
		switch {
		case unicode.IsLower(r):
			return false
		case unicode.IsUpper(r):
			hasLetter = true
		}
	}
	return hasLetter
}

// JavaScript and TypeScript

func (x *extraction) declareJS(n *Node, scopes []scope) {
	switch n.Type {
	case "function_declaration", "generator_function_declaration":
		x.add(n, x.text(n.Child("identifier")), store.SymbolKindFunction, "")
	case "class_declaration", "abstract_class_declaration":
		x.add(n, x.text(n.Child("identifier", "type_identifier")), store.SymbolKindClass, "")
	case "method_definition":
		x.add(n, x.text(n.Child("property_identifier", "private_property_identifier")), store.SymbolKindMethod, "")
	case "interface_declaration":
		x.add(n, x.text(n.Child("type_identifier")), store.SymbolKindInterface, "")
	case "type_alias_declaration":
		x.add(n, x.text(n.Child("type_identifier")), store.SymbolKindType, "")
	case "enum_declaration":
		x.add(n, x.text(n.Child("identifier")), store.SymbolKindType, "")
	case "lexical_declaration", "variable_declaration":
		if inFunction(scopes) {
			return
		}
		isConst := len(n.Children) > 0 && n.Children[0].Type == "const"
		for _, decl := range n.Children {
			if decl.Type != "variable_declarator" {
				continue
			}
			kind := store.SymbolKindVariable
			switch {
			case decl.Child("arrow_function", "function", "function_expression", "generator_function") != nil:
				kind = store.SymbolKindFunction
			case isConst:
				kind = store.SymbolKindConstant
			}
			x.add(n, x.text(decl.Child("identifier")), kind, x.leadingComment(n))
		}
	case "import_statement":
		if src := n.Child("string"); src != nil {
			x.imports = append(x.imports, strings.Trim(x.text(src), "\"'`"))
		}
	}
}

// Shared helpers

func (x *extraction) addComment(n *Node) {
	if len(x.comments) >= x.maxComments {
		return
	}
	text := strings.TrimSpace(x.text(n))
	if text == "" || strings.HasPrefix(text, "#!") {
		return
	}
	x.comments = append(x.comments, text)
}

func (x *extraction) addRef(n *Node) {
	name := x.text(n)
	if name == "" {
		return
	}
	x.refs[name] = append(x.refs[name], plugin.Reference{
		FilePath: x.path,
		Line:     int(n.StartRow) + 1,
		Column:   int(n.StartCol) + 1,
	})
}

// leadingComment returns the comment block directly above n: consecutive
// line comments, or a /* */ block ending on the previous line.
func (x *extraction) leadingComment(n *Node) string {
	row := int(n.StartRow) - 1
	if row < 0 || row >= len(x.lines) {
		return ""
	}

	prev := strings.TrimSpace(x.lines[row])
	if strings.HasSuffix(prev, "*/") && x.lang.commentPrefix == "//" {
		var block []string
		for ; row >= 0; row-- {
			line := strings.TrimSpace(x.lines[row])
			block = append(block, line)
			if strings.HasPrefix(line, "/*") {
				break
			}
		}
		if row < 0 {
			return ""
		}
		var out []string
		for i := len(block) - 1; i >= 0; i-- {
			line := strings.TrimPrefix(block[i], "/**")
			line = strings.TrimPrefix(line, "/*")
			line = strings.TrimSuffix(line, "*/")
			line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
			if line != "" {
				out = append(out, line)
			}
		}
		return strings.Join(out, "\n")
	}

	var out []string
	for ; row >= 0; row-- {
		line := strings.TrimSpace(x.lines[row])
		if !strings.HasPrefix(line, x.lang.commentPrefix) || strings.HasPrefix(line, "#!") {
			break
		}
		out = append(out, strings.TrimSpace(strings.TrimPrefix(line, x.lang.commentPrefix)))
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return strings.Join(out, "\n")
}

// signature returns the declaration line of n, cut before the body.
func (x *extraction) signature(n *Node, kind store.SymbolKind) string {
	content := x.text(n)
	if content == "" {
		return ""
	}
	first := strings.TrimSpace(strings.SplitN(content, "\n", 2)[0])

	switch kind {
	case store.SymbolKindFunction, store.SymbolKindMethod, store.SymbolKindClass,
		store.SymbolKindInterface, store.SymbolKindType:
		if x.lang.Name != "python" {
			if idx := strings.Index(first, "{"); idx > 0 {
				first = strings.TrimSpace(first[:idx])
			}
		}
	}
	if len(first) > maxSignatureLen {
		first = first[:maxSignatureLen]
	}
	return first
}
