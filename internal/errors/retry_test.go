package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetry() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.Jitter = false
	cfg.ShouldRetry = nil
	return cfg
}

func TestRetry_SucceedsAfterTransientError(t *testing.T) {
	// Given: a function that fails twice then succeeds
	attempts := 0
	fn := func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: succeeds on the third attempt
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_FailsAfterMaxRetries(t *testing.T) {
	attempts := 0
	base := errors.New("always")

	err := Retry(context.Background(), fastRetry(), func() error {
		attempts++
		return base
	})

	assert.ErrorIs(t, err, base)
	assert.Equal(t, 4, attempts) // initial + 3 retries
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	// Given: the default predicate and a contract violation
	cfg := fastRetry()
	cfg.ShouldRetry = IsRetryable
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return PluginLoad("x", errors.New("missing capability"))
	})

	// Then: no retries happen
	assert.ErrorIs(t, err, ErrPluginLoad)
	assert.Equal(t, 1, attempts)
}

func TestRetry_RetriesRetryableCodes(t *testing.T) {
	cfg := fastRetry()
	cfg.ShouldRetry = IsRetryable
	attempts := 0

	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts == 1 {
			return New(ErrCodeProviderRateLimited, "429", nil)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetry(), func() error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	attempts := 0
	v, err := RetryWithResult(context.Background(), fastRetry(), func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("again")
		}
		return 42, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 42, v)
}
