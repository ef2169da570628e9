package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteBM25Indexer implements BM25Indexer on SQLite FTS5.
//
// Content is analyzed in Go before it reaches FTS5 so that camelCase and
// snake_case identifiers match their parts; the raw content is kept in the
// documents table for snippets.
type SQLiteBM25Indexer struct {
	mu       sync.RWMutex
	db       *sql.DB
	path     string
	opts     BM25Options
	analyzer *Analyzer
	closed   bool
}

var _ BM25Indexer = (*SQLiteBM25Indexer)(nil)

// NewSQLiteBM25Indexer opens an FTS5 index at path ("" for in-memory).
// A corrupted file is removed and recreated empty.
func NewSQLiteBM25Indexer(path string, opts BM25Options) (*SQLiteBM25Indexer, error) {
	opts = opts.withDefaults()

	if path != "" {
		if validErr := validateSQLiteIntegrity(path, "fts_content"); validErr != nil {
			if err := removeCorrupted(path, validErr); err != nil {
				return nil, err
			}
		}
	}

	db, err := openSQLite(path, DefaultStoreConfig())
	if err != nil {
		return nil, err
	}

	idx := &SQLiteBM25Indexer{
		db:       db,
		path:     path,
		opts:     opts,
		analyzer: NewAnalyzer(opts.StopWords, 2),
	}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

func (s *SQLiteBM25Indexer) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		language TEXT NOT NULL DEFAULT '',
		symbol_count INTEGER NOT NULL DEFAULT 0,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		indexed_at TIMESTAMP NOT NULL
	);

	-- doc_id is stored but not searchable; the other columns hold analyzed terms
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_content USING fts5(
		doc_id UNINDEXED,
		content,
		symbols,
		meta,
		tokenize='unicode61'
	);
	`)
	return err
}

// AddDocument upserts doc by path.
func (s *SQLiteBM25Indexer) AddDocument(ctx context.Context, doc BM25Document) error {
	if doc.Path == "" {
		return fmt.Errorf("document path is required")
	}

	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", doc.Path, err)
	}

	content := strings.Join(s.analyzer.Terms(doc.Content), " ")
	symbols := strings.Join(symbolTerms(doc.Symbols, s.analyzer), " ")
	meta := strings.Join(s.analyzer.Terms(strings.Join(append(append([]string{}, doc.Imports...), doc.Comments...), "\n")), " ")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables do not support REPLACE.
	if _, err := tx.ExecContext(ctx, `DELETE FROM fts_content WHERE doc_id = ?`, doc.Path); err != nil {
		return fmt.Errorf("failed to delete existing document %s: %w", doc.Path, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fts_content (doc_id, content, symbols, meta) VALUES (?, ?, ?, ?)`,
		doc.Path, content, symbols, meta); err != nil {
		return fmt.Errorf("failed to index document %s: %w", doc.Path, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (path, language, symbol_count, content, metadata, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			language = excluded.language,
			symbol_count = excluded.symbol_count,
			content = excluded.content,
			metadata = excluded.metadata,
			indexed_at = excluded.indexed_at`,
		doc.Path, doc.Language, len(doc.Symbols), doc.Content, string(metadata), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to store document %s: %w", doc.Path, err)
	}

	return tx.Commit()
}

// symbolTerms indexes each symbol both whole and split into parts.
func symbolTerms(symbols []string, a *Analyzer) []string {
	var terms []string
	for _, name := range symbols {
		terms = append(terms, a.Terms(name)...)
		if whole := strings.ToLower(name); len(whole) >= 2 && !strings.ContainsAny(whole, "_.-") {
			terms = append(terms, whole)
		}
	}
	return terms
}

// DeleteDocument removes the document for path.
func (s *SQLiteBM25Indexer) DeleteDocument(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fts_content WHERE doc_id = ?`, path); err != nil {
		return fmt.Errorf("failed to delete from FTS: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return tx.Commit()
}

// Search ranks documents with FTS5's bm25(). Query terms are OR-ed so a
// document matching any term is a candidate and documents matching more
// terms rank higher.
func (s *SQLiteBM25Indexer) Search(ctx context.Context, query string, limit int) ([]BM25Result, error) {
	terms := s.analyzer.QueryTerms(query)
	if len(terms) == 0 {
		return []BM25Result{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	match := strings.Join(quoted, " OR ")

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}

	// Column weights: doc_id, content, symbols, meta.
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, bm25(fts_content, 0.0, 1.0, 2.5, 0.5) AS score
		FROM fts_content
		WHERE fts_content MATCH ?
		ORDER BY score
		LIMIT ?`, match, limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []BM25Result{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}

	type hit struct {
		path  string
		score float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.path, &h.score); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		hits = append(hits, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]BM25Result, 0, len(hits))
	for _, h := range hits {
		var language, content string
		err := s.db.QueryRowContext(ctx,
			`SELECT language, content FROM documents WHERE path = ?`, h.path).Scan(&language, &content)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("failed to load document %s: %w", h.path, err)
		}
		snippet, line := bestSnippet(content, terms, s.opts.SnippetLines, s.analyzer)
		// bm25() is negative with lower meaning better; negate for a descending order.
		results = append(results, BM25Result{
			Path:     h.path,
			Snippet:  snippet,
			Line:     line,
			Score:    -h.score,
			Language: language,
		})
	}
	return results, nil
}

// Optimize merges FTS5 b-tree segments and truncates the WAL.
func (s *SQLiteBM25Indexer) Optimize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("index is closed")
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO fts_content(fts_content) VALUES('optimize')`); err != nil {
		return fmt.Errorf("failed to optimize FTS index: %w", err)
	}
	if s.path != "" {
		if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			return fmt.Errorf("failed to checkpoint: %w", err)
		}
	}
	return nil
}

// Statistics counts documents and symbols and groups documents by language.
func (s *SQLiteBM25Indexer) Statistics(ctx context.Context) (*BM25Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("index is closed")
	}

	stats := &BM25Stats{LanguageDistribution: map[string]int{}}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(symbol_count), 0) FROM documents`).
		Scan(&stats.TotalDocuments, &stats.TotalSymbols); err != nil {
		return nil, fmt.Errorf("failed to count documents: %w", err)
	}
	if err := groupCounts(ctx, s.db,
		`SELECT language, COUNT(*) FROM documents GROUP BY language`, stats.LanguageDistribution); err != nil {
		return nil, err
	}
	return stats, nil
}

// Close checkpoints and closes the index. Idempotent.
func (s *SQLiteBM25Indexer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.path != "" {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	return s.db.Close()
}
