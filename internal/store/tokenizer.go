package store

import (
	"regexp"
	"strings"
	"unicode"
)

// wordRegex matches identifier-like runs, underscores included so snake_case
// survives the first split.
var wordRegex = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// DefaultCodeStopWords are keywords and filler names too common in code to
// carry ranking signal.
var DefaultCodeStopWords = []string{
	"var", "let", "const", "func", "function", "def", "class",
	"return", "if", "else", "for", "while", "import", "from",
	"self", "this", "the", "and", "err", "ctx", "tmp",
}

// Analyzer turns text into index terms: identifier split, lowercase, short
// token and stop word removal. The same analyzer must be used for documents
// and queries.
type Analyzer struct {
	stopWords map[string]struct{}
	minLen    int
}

// NewAnalyzer creates an analyzer. minLen below 1 defaults to 2.
func NewAnalyzer(stopWords []string, minLen int) *Analyzer {
	if minLen < 1 {
		minLen = 2
	}
	return &Analyzer{stopWords: BuildStopWordMap(stopWords), minLen: minLen}
}

// DefaultAnalyzer uses DefaultCodeStopWords and a minimum length of 2.
func DefaultAnalyzer() *Analyzer {
	return NewAnalyzer(DefaultCodeStopWords, 2)
}

// Terms analyzes text into terms, keeping duplicates and order.
func (a *Analyzer) Terms(text string) []string {
	return FilterStopWords(tokenize(text, a.minLen), a.stopWords)
}

// QueryTerms analyzes a query into distinct terms in first-seen order.
func (a *Analyzer) QueryTerms(query string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range a.Terms(query) {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// TokenizeCode splits text with code-aware rules (camelCase, PascalCase,
// snake_case) and lowercases every token. Tokens shorter than 2 are dropped.
func TokenizeCode(text string) []string {
	return tokenize(text, 2)
}

func tokenize(text string, minLen int) []string {
	var tokens []string
	for _, word := range wordRegex.FindAllString(text, -1) {
		for _, t := range SplitCodeToken(word) {
			lower := strings.ToLower(t)
			if len([]rune(lower)) >= minLen {
				tokens = append(tokens, lower)
			}
		}
	}
	return tokens
}

// SplitCodeToken splits camelCase and snake_case identifiers.
func SplitCodeToken(token string) []string {
	if !strings.Contains(token, "_") {
		return SplitCamelCase(token)
	}

	var result []string
	for _, part := range strings.Split(token, "_") {
		if part != "" {
			result = append(result, SplitCamelCase(part)...)
		}
	}
	return result
}

// SplitCamelCase splits camelCase and PascalCase identifiers.
//   - "getUserById" -> ["get", "User", "By", "Id"]
//   - "HTTPHandler" -> ["HTTP", "Handler"]
//   - "parseHTTPRequest" -> ["parse", "HTTP", "Request"]
func SplitCamelCase(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && boundary(runes, i, r) && current.Len() > 0 {
			result = append(result, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}
	return result
}

// boundary reports whether a new word starts at runes[i]. An upper-case rune
// starts a word after a lower-case one, or ends an acronym ("HTTPServer").
// A letter after a digit run also starts a word ("utf8Decode").
func boundary(runes []rune, i int, r rune) bool {
	prev := runes[i-1]
	if unicode.IsUpper(r) {
		nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
		return unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextIsLower)
	}
	return false
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a lookup set.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}
