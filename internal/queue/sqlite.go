package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Aman-CERP/codeindex/internal/store"
)

// DefaultPollInterval is how often a blocked pop re-checks the database for
// messages pushed by other processes.
const DefaultPollInterval = 100 * time.Millisecond

// SQLiteBroker is a Broker persisted in a SQLite file. Producers and workers
// on one host share the file; WAL mode lets them read while one writes.
type SQLiteBroker struct {
	mu     sync.Mutex
	db     *sql.DB
	poll   time.Duration
	notify chan struct{}
	now    func() time.Time
	closed bool
}

var _ Broker = (*SQLiteBroker)(nil)

// NewSQLiteBroker opens the broker at path ("" for in-memory).
func NewSQLiteBroker(path string) (*SQLiteBroker, error) {
	db, err := store.OpenDB(path, store.StoreConfig{CacheSizeMB: 8})
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS queue_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			queue TEXT NOT NULL,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_messages_queue ON queue_messages(queue, id);
		CREATE TABLE IF NOT EXISTS queue_kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	return &SQLiteBroker{
		db:     db,
		poll:   DefaultPollInterval,
		notify: make(chan struct{}),
		now:    time.Now,
	}, nil
}

func (b *SQLiteBroker) conn() (*sql.DB, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return b.db, nil
}

func (b *SQLiteBroker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Push implements Broker.
func (b *SQLiteBroker) Push(ctx context.Context, queue string, payload []byte) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO queue_messages (queue, payload, created_at) VALUES (?, ?, ?)`,
		queue, payload, b.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to push to %s: %w", queue, err)
	}

	b.mu.Lock()
	if !b.closed {
		close(b.notify)
		b.notify = make(chan struct{})
	}
	b.mu.Unlock()
	return nil
}

// BlockingPop implements Broker. Pushes from this process wake it at once,
// pushes from other processes are seen on the next poll.
func (b *SQLiteBroker) BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		notify := b.notify
		b.mu.Unlock()

		msg, err := b.tryPop(ctx, queues)
		if err != nil && b.isClosed() {
			return nil, ErrClosed
		}
		if err != nil || msg != nil {
			return msg, err
		}

		again, err := waitNotify(ctx, notify, deadline, b.poll)
		if err != nil {
			return nil, err
		}
		if !again {
			return nil, ErrTimeout
		}
	}
}

// tryPop claims the head of the first non-empty queue. A head deleted by a
// concurrent consumer between the read and the delete is skipped.
func (b *SQLiteBroker) tryPop(ctx context.Context, queues []string) (*Message, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	for _, q := range queues {
		for {
			var (
				id      int64
				payload []byte
			)
			err := db.QueryRowContext(ctx,
				`SELECT id, payload FROM queue_messages WHERE queue = ? ORDER BY id LIMIT 1`, q).
				Scan(&id, &payload)
			if errors.Is(err, sql.ErrNoRows) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read %s: %w", q, err)
			}

			res, err := db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id)
			if err != nil {
				return nil, fmt.Errorf("failed to claim message in %s: %w", q, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				return &Message{Queue: q, Payload: payload}, nil
			}
		}
	}
	return nil, nil
}

// Len implements Broker.
func (b *SQLiteBroker) Len(ctx context.Context, queue string) (int, error) {
	db, err := b.conn()
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, queue).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", queue, err)
	}
	return n, nil
}

// SetWithTTL implements Broker.
func (b *SQLiteBroker) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	var expires int64
	if ttl > 0 {
		expires = b.now().Add(ttl).UnixNano()
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO queue_kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expires); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Get implements Broker. Expired keys are deleted lazily.
func (b *SQLiteBroker) Get(ctx context.Context, key string) ([]byte, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	var (
		value   []byte
		expires int64
	)
	err = db.QueryRowContext(ctx, `SELECT value, expires_at FROM queue_kv WHERE key = ?`, key).
		Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if expires > 0 && b.now().UnixNano() >= expires {
		_, _ = db.ExecContext(ctx, `DELETE FROM queue_kv WHERE key = ? AND expires_at = ?`, key, expires)
		return nil, ErrNotFound
	}
	return value, nil
}

// Close closes the database. Idempotent.
func (b *SQLiteBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.notify)
	return b.db.Close()
}
