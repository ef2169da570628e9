package queue

import (
	"context"
	"sync"
	"time"
)

type kvEntry struct {
	value   []byte
	expires time.Time // zero: never
}

// MemoryBroker is an in-process Broker. It backs single-process runs and
// tests.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string][][]byte
	kv     map[string]kvEntry
	notify chan struct{} // closed and replaced on every push
	now    func() time.Time
	closed bool
}

var _ Broker = (*MemoryBroker)(nil)

// NewMemoryBroker returns an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		queues: make(map[string][][]byte),
		kv:     make(map[string]kvEntry),
		notify: make(chan struct{}),
		now:    time.Now,
	}
}

// Push implements Broker.
func (b *MemoryBroker) Push(_ context.Context, queue string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.queues[queue] = append(b.queues[queue], append([]byte(nil), payload...))
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// BlockingPop implements Broker.
func (b *MemoryBroker) BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (*Message, error) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		for _, q := range queues {
			items := b.queues[q]
			if len(items) == 0 {
				continue
			}
			head := items[0]
			items[0] = nil
			b.queues[q] = items[1:]
			b.mu.Unlock()
			return &Message{Queue: q, Payload: head}, nil
		}
		notify := b.notify
		b.mu.Unlock()

		again, err := waitNotify(ctx, notify, deadline, 0)
		if err != nil {
			return nil, err
		}
		if !again {
			return nil, ErrTimeout
		}
	}
}

// Len implements Broker.
func (b *MemoryBroker) Len(_ context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	return len(b.queues[queue]), nil
}

// SetWithTTL implements Broker.
func (b *MemoryBroker) SetWithTTL(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	e := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = b.now().Add(ttl)
	}
	b.kv[key] = e
	return nil
}

// Get implements Broker.
func (b *MemoryBroker) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	e, ok := b.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expires.IsZero() && !b.now().Before(e.expires) {
		delete(b.kv, key)
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Close wakes blocked pops, which then return ErrClosed. Idempotent.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.notify)
	return nil
}
