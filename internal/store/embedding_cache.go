package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// SQLiteEmbeddingCache is a persistent embedding cache keyed by an opaque
// content hash. Several processes can share one file (WAL mode), which makes
// it the shared tier behind the in-process LRU.
type SQLiteEmbeddingCache struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	ttl    time.Duration
	now    func() time.Time
	closed bool
}

// NewSQLiteEmbeddingCache opens the cache at path ("" for in-memory).
// ttl <= 0 keeps entries forever.
func NewSQLiteEmbeddingCache(path string, ttl time.Duration) (*SQLiteEmbeddingCache, error) {
	db, err := openSQLite(path, StoreConfig{CacheSizeMB: 16})
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embedding_cache (
			hash TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL,
			vector BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_embedding_cache_expires ON embedding_cache(expires_at);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
	}

	return &SQLiteEmbeddingCache{db: db, path: path, ttl: ttl, now: time.Now}, nil
}

// Get returns the cached vector for key. Expired rows are misses.
func (c *SQLiteEmbeddingCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, false, fmt.Errorf("cache is closed")
	}

	var blob []byte
	var expires int64
	err := c.db.QueryRowContext(ctx,
		`SELECT vector, expires_at FROM embedding_cache WHERE hash = ?`, key).Scan(&blob, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached embedding: %w", err)
	}
	if expires > 0 && c.now().Unix() >= expires {
		return nil, false, nil
	}

	vec, err := BytesToEmbedding(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Set stores vec under key, replacing any previous value.
func (c *SQLiteEmbeddingCache) Set(ctx context.Context, key string, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("cache is closed")
	}

	now := c.now()
	var expires int64
	if c.ttl > 0 {
		expires = now.Add(c.ttl).Unix()
	}

	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embedding_cache (hash, dimension, vector, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		key, len(vec), EmbeddingToBytes(vec), now.Unix(), expires)
	if err != nil {
		return fmt.Errorf("failed to set cached embedding: %w", err)
	}
	return nil
}

// PurgeExpired deletes expired rows and returns how many were removed.
func (c *SQLiteEmbeddingCache) PurgeExpired(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("cache is closed")
	}

	res, err := c.db.ExecContext(ctx,
		`DELETE FROM embedding_cache WHERE expires_at > 0 AND expires_at <= ?`, c.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge embedding cache: %w", err)
	}
	return res.RowsAffected()
}

// Len returns the number of rows, expired or not.
func (c *SQLiteEmbeddingCache) Len(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, fmt.Errorf("cache is closed")
	}

	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count embedding cache: %w", err)
	}
	return n, nil
}

// Clear removes every entry.
func (c *SQLiteEmbeddingCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("cache is closed")
	}

	if _, err := c.db.ExecContext(ctx, `DELETE FROM embedding_cache`); err != nil {
		return fmt.Errorf("failed to clear embedding cache: %w", err)
	}
	return nil
}

// Close closes the cache. Idempotent.
func (c *SQLiteEmbeddingCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.db.Close()
}

// EmbeddingToBytes encodes a vector as little-endian float32s.
func EmbeddingToBytes(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// BytesToEmbedding decodes a vector written by EmbeddingToBytes.
func BytesToEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding blob length %d", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
