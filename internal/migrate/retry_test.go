package migrate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemashift/internal/storage"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     400 * time.Millisecond,
		Multiplier:     2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(4), "backoff is capped")
}

func TestRetryPolicy_Do(t *testing.T) {
	fast := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}

	t.Run("non-transient fails immediately", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			return errors.New("mapping invalid")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("transient is retried until success", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			if calls < 3 {
				return storage.ErrUnavailable
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("attempts exhausted returns last error", func(t *testing.T) {
		calls := 0
		err := fast.Do(context.Background(), func() error {
			calls++
			return fmt.Errorf("attempt %d: %w", calls, storage.ErrUnavailable)
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrUnavailable)
		assert.Equal(t, 3, calls)
	})

	t.Run("cancelled during backoff", func(t *testing.T) {
		slow := RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour, Multiplier: 1}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := slow.Do(ctx, func() error { return storage.ErrUnavailable })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unavailable", storage.ErrUnavailable, true},
		{"wrapped unavailable", fmt.Errorf("write: %w", storage.ErrUnavailable), true},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", &net.DNSError{IsTimeout: true}, true},
		{"net non-timeout", &net.DNSError{}, false},
		{"validation", errors.New("missing required field"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}
