package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
)

const (
	// CodeTokenizerName is the registered name of the code-aware tokenizer.
	CodeTokenizerName = "code_tokenizer"

	// CodeStopFilterName is the registered name of the code stop word filter.
	CodeStopFilterName = "code_stop"

	// CodeAnalyzerName is the analyzer used for every text field.
	CodeAnalyzerName = "code_analyzer"
)

func init() {
	_ = registry.RegisterTokenizer(CodeTokenizerName, codeTokenizerConstructor)
	_ = registry.RegisterTokenFilter(CodeStopFilterName, codeStopFilterConstructor)
}

// BleveBM25Indexer implements BM25Indexer on Bleve v2.
type BleveBM25Indexer struct {
	mu       sync.RWMutex
	index    bleve.Index
	path     string
	opts     BM25Options
	analyzer *Analyzer
	closed   bool
}

var _ BM25Indexer = (*BleveBM25Indexer)(nil)

// bleveDocument is the stored shape of a BM25Document.
type bleveDocument struct {
	Path        string `json:"path"`
	Content     string `json:"content"`
	Symbols     string `json:"symbols"`
	Meta        string `json:"meta"`
	Language    string `json:"language"`
	SymbolCount int    `json:"symbol_count"`
}

// NewBleveBM25Indexer opens or creates a Bleve index at path ("" for in-memory).
// An index that fails to open with a corruption error is cleared and recreated.
func NewBleveBM25Indexer(path string, opts BM25Options) (*BleveBM25Indexer, error) {
	opts = opts.withDefaults()

	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("bm25_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("BM25 index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			slog.Info("bm25_index_cleared",
				slog.String("path", path),
				slog.String("reason", "open failed with corruption, please reindex"))
			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &BleveBM25Indexer{
		index:    idx,
		path:     path,
		opts:     opts,
		analyzer: NewAnalyzer(opts.StopWords, 2),
	}, nil
}

func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return err == bleve.ErrorIndexMetaCorrupt ||
		strings.Contains(msg, "unexpected end of JSON input") ||
		strings.Contains(msg, "invalid character") ||
		strings.Contains(msg, "failed to load segment") ||
		strings.Contains(msg, "error opening bolt")
}

func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(CodeAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": CodeTokenizerName,
		"token_filters": []string{
			lowercase.Name,
			CodeStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}

	textField := func() *mapping.FieldMapping {
		f := bleve.NewTextFieldMapping()
		f.Analyzer = CodeAnalyzerName
		return f
	}

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", textField())
	doc.AddFieldMappingsAt("symbols", textField())
	doc.AddFieldMappingsAt("meta", textField())
	doc.AddFieldMappingsAt("path", bleve.NewKeywordFieldMapping())
	doc.AddFieldMappingsAt("language", bleve.NewKeywordFieldMapping())
	doc.AddFieldMappingsAt("symbol_count", bleve.NewNumericFieldMapping())

	indexMapping.DefaultMapping = doc
	indexMapping.DefaultAnalyzer = CodeAnalyzerName
	return indexMapping, nil
}

// AddDocument upserts doc by path. Bleve replaces documents with the same id.
func (b *BleveBM25Indexer) AddDocument(ctx context.Context, doc BM25Document) error {
	if doc.Path == "" {
		return fmt.Errorf("document path is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	bd := bleveDocument{
		Path:        doc.Path,
		Content:     doc.Content,
		Symbols:     strings.Join(doc.Symbols, " "),
		Meta:        strings.Join(append(append([]string{}, doc.Imports...), doc.Comments...), "\n"),
		Language:    doc.Language,
		SymbolCount: len(doc.Symbols),
	}
	if err := b.index.Index(doc.Path, bd); err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.Path, err)
	}
	return nil
}

// DeleteDocument removes the document for path.
func (b *BleveBM25Indexer) DeleteDocument(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}

	if err := b.index.Delete(path); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", path, err)
	}
	return nil
}

// Search runs a disjunction of match queries over content, symbols (boosted)
// and metadata. Bleve scores are already higher-is-better.
func (b *BleveBM25Indexer) Search(ctx context.Context, query string, limit int) ([]BM25Result, error) {
	terms := b.analyzer.QueryTerms(query)
	if len(terms) == 0 {
		return []BM25Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	content := bleve.NewMatchQuery(query)
	content.SetField("content")
	symbols := bleve.NewMatchQuery(query)
	symbols.SetField("symbols")
	symbols.SetBoost(2.5)
	meta := bleve.NewMatchQuery(query)
	meta.SetField("meta")
	meta.SetBoost(0.5)

	req := bleve.NewSearchRequest(bleve.NewDisjunctionQuery(content, symbols, meta))
	req.Size = limit
	req.Fields = []string{"content", "language"}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]BM25Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		raw, _ := hit.Fields["content"].(string)
		language, _ := hit.Fields["language"].(string)
		snippet, line := bestSnippet(raw, terms, b.opts.SnippetLines, b.analyzer)
		results = append(results, BM25Result{
			Path:     hit.ID,
			Snippet:  snippet,
			Line:     line,
			Score:    hit.Score,
			Language: language,
		})
	}
	return results, nil
}

// Optimize is a no-op: the scorch engine merges segments in the background.
func (b *BleveBM25Indexer) Optimize(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("index is closed")
	}
	return nil
}

// Statistics reads the stored language and symbol_count of every document.
func (b *BleveBM25Indexer) Statistics(ctx context.Context) (*BM25Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, fmt.Errorf("index is closed")
	}

	stats := &BM25Stats{LanguageDistribution: map[string]int{}}
	count, err := b.index.DocCount()
	if err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	stats.TotalDocuments = int(count)
	if count == 0 {
		return stats, nil
	}

	req := bleve.NewSearchRequest(bleve.NewMatchAllQuery())
	req.Size = int(count)
	req.Fields = []string{"language", "symbol_count"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to scan documents: %w", err)
	}
	for _, hit := range res.Hits {
		if lang, ok := hit.Fields["language"].(string); ok {
			stats.LanguageDistribution[lang]++
		} else {
			stats.LanguageDistribution[""]++
		}
		if n, ok := hit.Fields["symbol_count"].(float64); ok {
			stats.TotalSymbols += int(n)
		}
	}
	return stats, nil
}

// Close closes the index. Idempotent.
func (b *BleveBM25Indexer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func codeTokenizerConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.Tokenizer, error) {
	return &bleveCodeTokenizer{}, nil
}

// bleveCodeTokenizer emits TokenizeCode terms with byte offsets into the input.
type bleveCodeTokenizer struct{}

func (t *bleveCodeTokenizer) Tokenize(input []byte) analysis.TokenStream {
	text := string(input)
	lower := strings.ToLower(text)
	tokens := TokenizeCode(text)

	result := make(analysis.TokenStream, 0, len(tokens))
	offset := 0
	for pos, token := range tokens {
		start := strings.Index(lower[offset:], token)
		if start == -1 {
			start = offset
		} else {
			start += offset
		}
		end := start + len(token)
		if end > len(text) {
			end = len(text)
		}

		result = append(result, &analysis.Token{
			Term:     []byte(token),
			Start:    start,
			End:      end,
			Position: pos + 1,
			Type:     analysis.AlphaNumeric,
		})
		offset = end
	}
	return result
}

func codeStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &bleveCodeStopFilter{stopWords: BuildStopWordMap(DefaultCodeStopWords)}, nil
}

type bleveCodeStopFilter struct {
	stopWords map[string]struct{}
}

func (f *bleveCodeStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		if _, isStop := f.stopWords[strings.ToLower(string(token.Term))]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
