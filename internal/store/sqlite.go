package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// StoreConfig tunes a SQLite connection.
type StoreConfig struct {
	// CacheSizeMB is the SQLite page cache size (default: 64)
	CacheSizeMB int
}

// DefaultStoreConfig returns the default connection settings.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{CacheSizeMB: 64}
}

// OpenDB opens a SQLite database with the same connection settings as the
// stores in this package. Other packages keep their own tables in it.
func OpenDB(path string, cfg StoreConfig) (*sql.DB, error) {
	return openSQLite(path, cfg)
}

// openSQLite opens a database at path with WAL mode and a single writer.
// An empty path opens a private in-memory database.
func openSQLite(path string, cfg StoreConfig) (*sql.DB, error) {
	if cfg.CacheSizeMB <= 0 {
		cfg.CacheSizeMB = DefaultStoreConfig().CacheSizeMB
	}

	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path
	}

	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN parameters differ between drivers, so pragmas are set as statements.
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSizeMB*1024),
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
	}
	if path != "" {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	return db, nil
}

// validateSQLiteIntegrity checks an existing database before it is opened for
// writing. A missing file is valid. requiredTable may be empty.
func validateSQLiteIntegrity(path, requiredTable string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open(DriverName, path)
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	if requiredTable == "" {
		return nil
	}
	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, requiredTable).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("table %q missing", requiredTable)
	}
	return nil
}

// removeCorrupted deletes a database and its WAL files after a failed
// integrity check. The data is derived and can be rebuilt by reindexing.
func removeCorrupted(path string, cause error) error {
	slog.Warn("sqlite_index_corrupted",
		slog.String("path", path),
		slog.String("error", cause.Error()))

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("index corrupted at %s and cannot remove: %w (original error: %v)", path, err, cause)
	}
	_ = os.Remove(path + "-wal")
	_ = os.Remove(path + "-shm")

	slog.Info("sqlite_index_cleared",
		slog.String("path", path),
		slog.String("reason", "corruption detected, please reindex"))
	return nil
}

// SQLiteStore implements Storage on SQLite.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ Storage = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the relational store at path.
// An empty path creates an in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithConfig(path, DefaultStoreConfig())
}

// NewSQLiteStoreWithConfig opens the store with explicit connection settings.
func NewSQLiteStoreWithConfig(path string, cfg StoreConfig) (*SQLiteStore, error) {
	db, err := openSQLite(path, cfg)
	if err != nil {
		return nil, err
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// DB exposes the underlying handle for components sharing the database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateRepository returns the repository rooted at rootPath, creating it if needed.
func (s *SQLiteStore) CreateRepository(ctx context.Context, rootPath, name string) (*Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	if name == "" {
		name = filepath.Base(rootPath)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repositories (root_path, name, created_at, indexed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(root_path) DO UPDATE SET name = excluded.name, indexed_at = excluded.indexed_at`,
		rootPath, name, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create repository: %w", err)
	}
	return s.getRepository(ctx, rootPath)
}

// GetRepository returns nil, nil when no repository has that root.
func (s *SQLiteStore) GetRepository(ctx context.Context, rootPath string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.getRepository(ctx, rootPath)
}

func (s *SQLiteStore) getRepository(ctx context.Context, rootPath string) (*Repository, error) {
	var r Repository
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, root_path, created_at, indexed_at FROM repositories WHERE root_path = ?`, rootPath).
		Scan(&r.ID, &r.Name, &r.RootPath, &r.CreatedAt, &r.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return &r, nil
}

// StoreFile upserts a file by (repository, path).
func (s *SQLiteStore) StoreFile(ctx context.Context, file *File) (*File, bool, error) {
	if file == nil || file.Path == "" {
		return nil, false, fmt.Errorf("file path is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored := *file
	if stored.IndexedAt.IsZero() {
		stored.IndexedAt = time.Now().UTC()
	}

	var existingID int64
	var existingHash string
	err = tx.QueryRowContext(ctx,
		`SELECT id, hash FROM files WHERE repository_id = ? AND path = ?`,
		stored.RepositoryID, stored.Path).Scan(&existingID, &existingHash)

	changed := true
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO files (repository_id, path, language, size, hash, indexed_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			stored.RepositoryID, stored.Path, stored.Language, stored.Size, stored.Hash, stored.IndexedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert file %s: %w", stored.Path, err)
		}
		if stored.ID, err = res.LastInsertId(); err != nil {
			return nil, false, fmt.Errorf("failed to read file id: %w", err)
		}
	case err != nil:
		return nil, false, fmt.Errorf("failed to look up file %s: %w", stored.Path, err)
	default:
		stored.ID = existingID
		changed = existingHash != stored.Hash
		_, err := tx.ExecContext(ctx, `
			UPDATE files SET language = ?, size = ?, hash = ?, indexed_at = ? WHERE id = ?`,
			stored.Language, stored.Size, stored.Hash, stored.IndexedAt, stored.ID)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update file %s: %w", stored.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit file %s: %w", stored.Path, err)
	}
	return &stored, changed, nil
}

// GetFileByPath returns nil, nil when the file is not tracked.
func (s *SQLiteStore) GetFileByPath(ctx context.Context, repositoryID int64, path string) (*File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var f File
	err := s.db.QueryRowContext(ctx, `
		SELECT id, repository_id, path, language, size, hash, indexed_at
		FROM files WHERE repository_id = ? AND path = ?`, repositoryID, path).
		Scan(&f.ID, &f.RepositoryID, &f.Path, &f.Language, &f.Size, &f.Hash, &f.IndexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}
	return &f, nil
}

// DeleteFile removes a file and, through the foreign key, its symbols.
func (s *SQLiteStore) DeleteFile(ctx context.Context, repositoryID int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM files WHERE repository_id = ? AND path = ?`, repositoryID, path); err != nil {
		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}
	return nil
}

// StoreSymbols replaces every symbol of a file in one transaction.
func (s *SQLiteStore) StoreSymbols(ctx context.Context, fileID int64, symbols []Symbol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM symbols WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to clear symbols: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (file_id, name, kind, file_path, start_line, end_line, signature, doc, ordinal)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare symbol statement: %w", err)
	}
	defer stmt.Close()

	for i, sym := range symbols {
		if _, err := stmt.ExecContext(ctx, fileID, sym.Name, string(sym.Kind), sym.FilePath,
			sym.StartLine, sym.EndLine, sym.Signature, sym.Doc, i); err != nil {
			return fmt.Errorf("failed to insert symbol %s: %w", sym.Name, err)
		}
	}

	return tx.Commit()
}

// GetSymbolsByFile returns a file's symbols in source order.
func (s *SQLiteStore) GetSymbolsByFile(ctx context.Context, fileID int64) ([]Symbol, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, file_path, start_line, end_line, signature, doc
		FROM symbols WHERE file_id = ? ORDER BY ordinal`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query symbols: %w", err)
	}
	return scanSymbols(rows)
}

// FindSymbols returns symbols named exactly name first, then prefix matches.
func (s *SQLiteStore) FindSymbols(ctx context.Context, name string, limit int) ([]Symbol, error) {
	if strings.TrimSpace(name) == "" {
		return []Symbol{}, nil
	}
	if limit <= 0 {
		limit = 20
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, file_path, start_line, end_line, signature, doc
		FROM symbols
		WHERE name = ? OR name LIKE ? ESCAPE '\'
		ORDER BY CASE WHEN name = ? THEN 0 ELSE 1 END, length(name), file_path, start_line
		LIMIT ?`, name, escapeLike(name)+"%", name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search symbols: %w", err)
	}
	return scanSymbols(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanSymbols(rows *sql.Rows) ([]Symbol, error) {
	defer rows.Close()

	symbols := []Symbol{}
	for rows.Next() {
		var sym Symbol
		var kind string
		if err := rows.Scan(&sym.Name, &kind, &sym.FilePath, &sym.StartLine, &sym.EndLine, &sym.Signature, &sym.Doc); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		sym.Kind = SymbolKind(kind)
		symbols = append(symbols, sym)
	}
	return symbols, rows.Err()
}

// Statistics returns entity counts and the per-language distribution.
func (s *SQLiteStore) Statistics(ctx context.Context) (*Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	stats := &Statistics{
		Languages:   map[string]int{},
		SymbolKinds: map[string]int{},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM repositories),
			(SELECT COUNT(*) FROM files),
			(SELECT COUNT(*) FROM symbols)`).
		Scan(&stats.Repositories, &stats.Files, &stats.Symbols)
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}

	if err := groupCounts(ctx, s.db, `SELECT language, COUNT(*) FROM files GROUP BY language`, stats.Languages); err != nil {
		return nil, err
	}
	if err := groupCounts(ctx, s.db, `SELECT kind, COUNT(*) FROM symbols GROUP BY kind`, stats.SymbolKinds); err != nil {
		return nil, err
	}
	return stats, nil
}

func groupCounts(ctx context.Context, db *sql.DB, query string, into map[string]int) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to group counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("failed to scan count: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

// GetState returns "" when the key is not set.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// SetState upserts a state key.
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
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
