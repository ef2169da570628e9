// Package queue is the job-queue abstraction the distributed worker runs on:
// named FIFO queues with a blocking, priority-ordered pop and a small
// key/value space with expiry for worker status.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by BlockingPop when no message arrived in time.
	ErrTimeout = errors.New("no message before timeout")

	// ErrNotFound is returned by Get for a missing or expired key.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned by every call after Close.
	ErrClosed = errors.New("broker is closed")
)

// Message is a payload popped from a queue.
type Message struct {
	Queue   string
	Payload []byte
}

// Broker is the message broker consumed by workers and producers.
type Broker interface {
	// Push appends payload to the tail of queue.
	Push(ctx context.Context, queue string, payload []byte) error

	// BlockingPop removes the head of the first non-empty queue, checking
	// queues in the given order. It waits up to timeout for a message.
	BlockingPop(ctx context.Context, queues []string, timeout time.Duration) (*Message, error)

	// Len returns the number of messages waiting in queue.
	Len(ctx context.Context, queue string) (int, error)

	// SetWithTTL stores value under key. ttl <= 0 keeps it until overwritten.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the live value for key.
	Get(ctx context.Context, key string) ([]byte, error)

	Close() error
}

// waitNotify blocks until notify fires, the deadline passes or ctx is done.
// It reports false when the caller should stop waiting.
func waitNotify(ctx context.Context, notify <-chan struct{}, deadline time.Time, poll time.Duration) (bool, error) {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false, nil
	}
	if poll > 0 && poll < remaining {
		remaining = poll
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-notify:
		return true, nil
	case <-timer.C:
		return true, nil
	}
}
