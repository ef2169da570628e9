package queue

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is advanced by hand in TTL tests.
type fakeClock struct{ ns atomic.Int64 }

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.ns.Store(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *fakeClock) now() time.Time { return time.Unix(0, c.ns.Load()) }
func (c *fakeClock) advance(d time.Duration) { c.ns.Add(int64(d)) }

type brokerCase struct {
	name string
	open func(t *testing.T, clock *fakeClock) Broker
}

func brokers() []brokerCase {
	return []brokerCase{
		{"memory", func(t *testing.T, clock *fakeClock) Broker {
			b := NewMemoryBroker()
			if clock != nil {
				b.now = clock.now
			}
			t.Cleanup(func() { _ = b.Close() })
			return b
		}},
		{"sqlite", func(t *testing.T, clock *fakeClock) Broker {
			b, err := NewSQLiteBroker("")
			require.NoError(t, err)
			b.poll = 10 * time.Millisecond
			if clock != nil {
				b.now = clock.now
			}
			t.Cleanup(func() { _ = b.Close() })
			return b
		}},
	}
}

func TestBroker_FIFOWithinQueue(t *testing.T) {
	for _, bc := range brokers() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			b := bc.open(t, nil)

			for _, p := range []string{"one", "two", "three"} {
				require.NoError(t, b.Push(ctx, "jobs", []byte(p)))
			}
			n, err := b.Len(ctx, "jobs")
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			var got []string
			for i := 0; i < 3; i++ {
				msg, err := b.BlockingPop(ctx, []string{"jobs"}, time.Second)
				require.NoError(t, err)
				assert.Equal(t, "jobs", msg.Queue)
				got = append(got, string(msg.Payload))
			}
			assert.Equal(t, []string{"one", "two", "three"}, got)
		})
	}
}

func TestBroker_PriorityOrder(t *testing.T) {
	for _, bc := range brokers() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			b := bc.open(t, nil)

			// Given: messages in a low queue pushed before a high one
			require.NoError(t, b.Push(ctx, "low", []byte("l1")))
			require.NoError(t, b.Push(ctx, "high", []byte("h1")))
			require.NoError(t, b.Push(ctx, "low", []byte("l2")))

			// When: popping with high listed first
			order := []string{"high", "low"}
			var got []string
			for i := 0; i < 3; i++ {
				msg, err := b.BlockingPop(ctx, order, time.Second)
				require.NoError(t, err)
				got = append(got, string(msg.Payload))
			}

			// Then: high drains first, low stays FIFO
			assert.Equal(t, []string{"h1", "l1", "l2"}, got)
		})
	}
}

func TestBroker_PopTimesOut(t *testing.T) {
	for _, bc := range brokers() {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.open(t, nil)

			start := time.Now()
			msg, err := b.BlockingPop(context.Background(), []string{"empty"}, 50*time.Millisecond)

			assert.Nil(t, msg)
			assert.ErrorIs(t, err, ErrTimeout)
			assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		})
	}
}

func TestBroker_PushWakesBlockedPop(t *testing.T) {
	for _, bc := range brokers() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			b := bc.open(t, nil)

			go func() {
				time.Sleep(20 * time.Millisecond)
				_ = b.Push(ctx, "jobs", []byte("late"))
			}()

			msg, err := b.BlockingPop(ctx, []string{"jobs"}, 2*time.Second)
			require.NoError(t, err)
			assert.Equal(t, "late", string(msg.Payload))
		})
	}
}

func TestBroker_PopHonorsContext(t *testing.T) {
	for _, bc := range brokers() {
		t.Run(bc.name, func(t *testing.T) {
			b := bc.open(t, nil)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()

			_, err := b.BlockingPop(ctx, []string{"jobs"}, time.Minute)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}

func TestBroker_KeyValueTTL(t *testing.T) {
	for _, bc := range brokers() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			b := bc.open(t, clock)

			require.NoError(t, b.SetWithTTL(ctx, "worker:a", []byte("busy"), time.Minute))
			require.NoError(t, b.SetWithTTL(ctx, "forever", []byte("x"), 0))

			v, err := b.Get(ctx, "worker:a")
			require.NoError(t, err)
			assert.Equal(t, "busy", string(v))

			// overwrite refreshes value and expiry
			clock.advance(50 * time.Second)
			require.NoError(t, b.SetWithTTL(ctx, "worker:a", []byte("idle"), time.Minute))
			clock.advance(30 * time.Second)
			v, err = b.Get(ctx, "worker:a")
			require.NoError(t, err)
			assert.Equal(t, "idle", string(v))

			clock.advance(31 * time.Second)
			_, err = b.Get(ctx, "worker:a")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = b.Get(ctx, "forever")
			assert.NoError(t, err)
			_, err = b.Get(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBroker_Closed(t *testing.T) {
	for _, bc := range brokers() {
		t.Run(bc.name, func(t *testing.T) {
			ctx := context.Background()
			b := bc.open(t, nil)

			done := make(chan error, 1)
			go func() {
				_, err := b.BlockingPop(ctx, []string{"jobs"}, time.Minute)
				done <- err
			}()
			time.Sleep(20 * time.Millisecond)

			require.NoError(t, b.Close())
			require.NoError(t, b.Close())

			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrClosed)
			case <-time.After(2 * time.Second):
				t.Fatal("blocked pop not released by Close")
			}
			assert.ErrorIs(t, b.Push(ctx, "jobs", nil), ErrClosed)
		})
	}
}

func TestSQLiteBroker_SharedFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	// Given: a producer and a consumer on the same file
	producer, err := NewSQLiteBroker(path)
	require.NoError(t, err)
	defer func() { _ = producer.Close() }()
	consumer, err := NewSQLiteBroker(path)
	require.NoError(t, err)
	defer func() { _ = consumer.Close() }()
	consumer.poll = 10 * time.Millisecond

	// When: the producer pushes after the consumer blocks
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = producer.Push(ctx, "jobs", []byte("cross-process"))
	}()
	msg, err := consumer.BlockingPop(ctx, []string{"jobs"}, 2*time.Second)

	// Then: the poll picks it up exactly once
	require.NoError(t, err)
	assert.Equal(t, "cross-process", string(msg.Payload))
	n, err := producer.Len(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, n)
}
