package backoff_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/bedwatch/pkg/backoff"
)

func TestPolicyNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		policy   backoff.Policy
		attempts []int
		want     []time.Duration
	}{
		{
			name:     "defaults",
			policy:   backoff.Policy{},
			attempts: []int{1, 2, 3, 4},
			want: []time.Duration{
				500 * time.Millisecond,
				time.Second,
				2 * time.Second,
				4 * time.Second,
			},
		},
		{
			name:     "capped at thirty seconds",
			policy:   backoff.Default(),
			attempts: []int{6, 7, 8, 50, 5000},
			want: []time.Duration{
				16 * time.Second,
				30 * time.Second,
				30 * time.Second,
				30 * time.Second,
				30 * time.Second,
			},
		},
		{
			name: "custom multiplier",
			policy: backoff.Policy{
				Base:       100 * time.Millisecond,
				Max:        time.Second,
				Multiplier: 3,
			},
			attempts: []int{1, 2, 3, 4},
			want: []time.Duration{
				100 * time.Millisecond,
				300 * time.Millisecond,
				900 * time.Millisecond,
				time.Second,
			},
		},
		{
			name:     "non-positive attempt",
			policy:   backoff.Default(),
			attempts: []int{0, -3},
			want:     []time.Duration{0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Len(t, tt.want, len(tt.attempts))
			for i, attempt := range tt.attempts {
				assert.Equal(t, tt.want[i], tt.policy.Next(attempt), "attempt %d", attempt)
			}
		})
	}
}

func TestPolicyJitterStaysInRange(t *testing.T) {
	t.Parallel()

	p := backoff.Policy{Base: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.5}
	for range 100 {
		d := p.Next(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}

func TestRetry(t *testing.T) {
	t.Parallel()

	t.Run("succeeds after transient failures", func(t *testing.T) {
		t.Parallel()
		calls := 0
		err := backoff.Retry(context.Background(), backoff.Constant(time.Millisecond), 5, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()
		calls := 0
		boom := errors.New("boom")
		err := backoff.Retry(context.Background(), backoff.Constant(time.Millisecond), 3, func(context.Context) error {
			calls++
			return boom
		})
		require.ErrorIs(t, err, backoff.ErrAttemptsExhausted)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		t.Parallel()
		calls := 0
		boom := errors.New("bad input")
		err := backoff.Retry(context.Background(), backoff.Constant(time.Millisecond), 10, func(context.Context) error {
			calls++
			return backoff.Permanent(boom)
		})
		require.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, backoff.ErrAttemptsExhausted)
		assert.Equal(t, 1, calls)
		assert.True(t, backoff.IsPermanent(fmt.Errorf("wrapped: %w", backoff.Permanent(boom))))
		assert.False(t, backoff.IsPermanent(boom))
	})

	t.Run("context cancellation interrupts wait", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := backoff.Retry(ctx, backoff.Constant(time.Hour), 0, func(context.Context) error {
			return errors.New("down")
		})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestWait(t *testing.T) {
	t.Parallel()

	require.NoError(t, backoff.Wait(context.Background(), time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	require.ErrorIs(t, backoff.Wait(ctx, time.Hour), context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
