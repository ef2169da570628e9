package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// BM25Backend names a full-text index implementation.
type BM25Backend string

const (
	// BM25BackendSQLite uses SQLite FTS5 (default). WAL mode allows several
	// processes to read while one writes.
	BM25BackendSQLite BM25Backend = "sqlite"

	// BM25BackendBleve uses Bleve v2 with a code-aware analyzer. Its BoltDB
	// lock limits it to one process.
	BM25BackendBleve BM25Backend = "bleve"
)

// BM25Document is one indexed file. Path is the key: adding a document whose
// path is already indexed replaces it.
type BM25Document struct {
	Path     string
	Content  string
	Language string
	Symbols  []string // symbol names, ranked above plain content
	Imports  []string
	Comments []string
	Metadata map[string]string
}

// BM25Result is one search hit. Results are ordered by Score, highest first,
// regardless of the backend's native convention.
type BM25Result struct {
	Path     string  `json:"path"`
	Snippet  string  `json:"snippet"`
	Line     int     `json:"line"` // 1-indexed first line of Snippet
	Score    float64 `json:"score"`
	Language string  `json:"language,omitempty"`
}

// BM25Stats summarizes a full-text index.
type BM25Stats struct {
	TotalDocuments       int            `json:"total_documents"`
	TotalSymbols         int            `json:"total_symbols"`
	LanguageDistribution map[string]int `json:"language_distribution"`
}

// BM25Indexer is a lexical index over file documents.
type BM25Indexer interface {
	// AddDocument upserts a document by path.
	AddDocument(ctx context.Context, doc BM25Document) error

	// DeleteDocument removes the document for path. Missing paths are ignored.
	DeleteDocument(ctx context.Context, path string) error

	// Search ranks documents against query. An empty index or a query with
	// no usable terms yields an empty slice, never an error.
	Search(ctx context.Context, query string, limit int) ([]BM25Result, error)

	// Optimize compacts the index. Safe at any time, including when empty.
	Optimize(ctx context.Context) error

	Statistics(ctx context.Context) (*BM25Stats, error)

	Close() error
}

// BM25Options configures either backend.
type BM25Options struct {
	// SnippetLines is the size of the line window returned per hit (default: 3)
	SnippetLines int

	// StopWords override DefaultCodeStopWords when non-nil.
	StopWords []string
}

func (o BM25Options) withDefaults() BM25Options {
	if o.SnippetLines < 1 {
		o.SnippetLines = 3
	}
	if o.StopWords == nil {
		o.StopWords = DefaultCodeStopWords
	}
	return o
}

// NewBM25Indexer opens the backend's index under dataDir. An empty dataDir
// creates an in-memory index.
func NewBM25Indexer(dataDir string, backend string, opts BM25Options) (BM25Indexer, error) {
	var path string
	if dataDir != "" {
		path = BM25IndexPath(dataDir, backend)
	}

	switch BM25Backend(backend) {
	case BM25BackendSQLite, "":
		return NewSQLiteBM25Indexer(path, opts)
	case BM25BackendBleve:
		return NewBleveBM25Indexer(path, opts)
	default:
		return nil, fmt.Errorf("unknown BM25 backend: %s (valid options: sqlite, bleve)", backend)
	}
}

// BM25IndexPath returns the index file (sqlite) or directory (bleve) for a backend.
func BM25IndexPath(dataDir string, backend string) string {
	base := filepath.Join(dataDir, "bm25")
	if BM25Backend(backend) == BM25BackendBleve {
		return base + ".bleve"
	}
	return base + ".db"
}

// bestSnippet returns the window of lines that contains the most query terms
// and the 1-indexed line it starts on. Ties keep the earliest window.
func bestSnippet(content string, terms []string, window int, a *Analyzer) (string, int) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || content == "" {
		return "", 0
	}
	if window > len(lines) {
		window = len(lines)
	}

	want := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		want[t] = struct{}{}
	}

	hits := make([]int, len(lines))
	for i, line := range lines {
		for _, t := range a.Terms(line) {
			if _, ok := want[t]; ok {
				hits[i]++
			}
		}
	}

	best, bestScore, score := 0, 0, 0
	for i := 0; i < window; i++ {
		score += hits[i]
	}
	bestScore = score
	for start := 1; start+window <= len(lines); start++ {
		score += hits[start+window-1] - hits[start-1]
		if score > bestScore {
			best, bestScore = start, score
		}
	}

	return strings.Join(lines[best:best+window], "\n"), best + 1
}
