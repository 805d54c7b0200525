package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	kindTransient FailureKind = "transient"
	kindFatal     FailureKind = "fatal"
)

var (
	errTransient = errors.New("transient error")
	errFatal     = errors.New("fatal error")
)

func classify(err error) FailureKind {
	switch {
	case errors.Is(err, errTransient):
		return kindTransient
	case errors.Is(err, errFatal):
		return kindFatal
	default:
		return KindUnknown
	}
}

func newPolicy(maxAttempts int) *FixedDelay {
	return NewFixedDelay(RetrySpec{
		MaxAttempts: maxAttempts,
		Delay:       time.Millisecond,
		Retryable:   []FailureKind{kindTransient},
	}, classify)
}

func TestRetrySpec(t *testing.T) {
	t.Run("Allows only listed kinds", func(t *testing.T) {
		spec := RetrySpec{Retryable: []FailureKind{kindTransient}}

		assert.True(t, spec.Allows(kindTransient))
		assert.False(t, spec.Allows(kindFatal))
		assert.False(t, spec.Allows(KindUnknown))
	})

	t.Run("never allows cancellation", func(t *testing.T) {
		spec := RetrySpec{Retryable: []FailureKind{KindCancelled}}

		assert.False(t, spec.Allows(KindCancelled))
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("creates with correct values", func(t *testing.T) {
		fd := newPolicy(3)

		assert.Equal(t, 3, fd.MaxRetries())
		assert.Equal(t, time.Millisecond, fd.Spec.Delay)
	})

	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(RetrySpec{MaxAttempts: 10, Delay: 750 * time.Millisecond}, nil)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		fd := newPolicy(3)

		for i := 0; i < 2; i++ {
			shouldRetry, delay := fd.ShouldRetry(i, errTransient)
			assert.True(t, shouldRetry)
			assert.Equal(t, time.Millisecond, delay)
		}

		shouldRetry, delay := fd.ShouldRetry(2, errTransient)
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("ShouldRetry never stops when unbounded", func(t *testing.T) {
		fd := newPolicy(Unbounded)

		shouldRetry, _ := fd.ShouldRetry(1_000_000, errTransient)
		assert.True(t, shouldRetry)
	})

	t.Run("ShouldRetry refuses kinds outside the whitelist", func(t *testing.T) {
		fd := newPolicy(Unbounded)

		shouldRetry, _ := fd.ShouldRetry(0, errFatal)
		assert.False(t, shouldRetry)
	})

	t.Run("nil classifier retries nothing", func(t *testing.T) {
		fd := NewFixedDelay(RetrySpec{MaxAttempts: 5, Retryable: []FailureKind{kindTransient}}, nil)

		shouldRetry, _ := fd.ShouldRetry(0, errTransient)
		assert.False(t, shouldRetry)
		assert.Equal(t, KindUnknown, fd.Kind(errTransient))
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0

		err := Retry(ctx, newPolicy(3), func() error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("exhausts bounded attempts and raises the last failure", func(t *testing.T) {
		attempts := 0

		err := Retry(ctx, newPolicy(3), func() error {
			attempts++
			return errTransient
		}, WithOperation("connect"))

		require.Error(t, err)
		assert.Equal(t, 3, attempts)
		assert.ErrorIs(t, err, errTransient)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, retryErr.MaxAttempts)
	})

	for _, k := range []int{1, 4, 10} {
		t.Run(fmt.Sprintf("unbounded succeeds after %d failures", k), func(t *testing.T) {
			attempts := 0

			err := Retry(ctx, newPolicy(Unbounded), func() error {
				attempts++
				if attempts <= k {
					return errTransient
				}
				return nil
			})

			assert.NoError(t, err)
			assert.Equal(t, k+1, attempts)
		})
	}

	for _, maxAttempts := range []int{Unbounded, 0, 1, 5} {
		t.Run(fmt.Sprintf("non-retryable fails fast with max attempts %d", maxAttempts), func(t *testing.T) {
			attempts := 0
			notified := 0

			err := Retry(ctx, newPolicy(maxAttempts), func() error {
				attempts++
				return errFatal
			}, WithRetryNotify(func(int, error, time.Duration) { notified++ }))

			assert.Same(t, errFatal, err)
			assert.Equal(t, 1, attempts)
			assert.Zero(t, notified)
		})
	}

	for _, maxAttempts := range []int{0, 1} {
		t.Run(fmt.Sprintf("max attempts %d runs once and reports exhaustion", maxAttempts), func(t *testing.T) {
			attempts := 0
			notified := 0

			err := Retry(ctx, newPolicy(maxAttempts), func() error {
				attempts++
				return errTransient
			}, WithRetryNotify(func(int, error, time.Duration) { notified++ }))

			assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
			assert.ErrorIs(t, err, errTransient)
			assert.Equal(t, 1, attempts)
			assert.Zero(t, notified)

			var retryErr *RetryError
			require.ErrorAs(t, err, &retryErr)
			assert.Equal(t, 1, retryErr.Attempts)
		})
	}

	for _, maxAttempts := range []int{Unbounded, 5} {
		t.Run(fmt.Sprintf("non-retryable after transient failures is returned as is with max attempts %d", maxAttempts), func(t *testing.T) {
			attempts := 0

			err := Retry(ctx, newPolicy(maxAttempts), func() error {
				attempts++
				if attempts < 3 {
					return errTransient
				}
				return errFatal
			})

			assert.Same(t, errFatal, err)
			assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
			assert.Equal(t, 3, attempts)
		})
	}

	t.Run("notifies before every retry", func(t *testing.T) {
		var seen []int

		err := Retry(ctx, newPolicy(4), func() error {
			return errTransient
		}, WithRetryNotify(func(attempt int, err error, delay time.Duration) {
			assert.ErrorIs(t, err, errTransient)
			assert.Equal(t, time.Millisecond, delay)
			seen = append(seen, attempt)
		}))

		assert.Error(t, err)
		assert.Equal(t, []int{1, 2, 3}, seen)
	})

	t.Run("cancellation from the operation is not retried", func(t *testing.T) {
		attempts := 0

		err := Retry(ctx, newPolicy(Unbounded), func() error {
			attempts++
			return fmt.Errorf("consume: %w", context.Canceled)
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
		var retryErr *RetryError
		assert.False(t, errors.As(err, &retryErr))
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		policy := NewFixedDelay(RetrySpec{
			MaxAttempts: Unbounded,
			Delay:       time.Second,
			Retryable:   []FailureKind{kindTransient},
		}, classify)
		ctx, cancel := context.WithCancel(context.Background())

		attempts := int32(0)

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, policy, func() error {
			atomic.AddInt32(&attempts, 1)
			return errTransient
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
	})

	t.Run("respects context deadline", func(t *testing.T) {
		policy := NewFixedDelay(RetrySpec{
			MaxAttempts: Unbounded,
			Delay:       100 * time.Millisecond,
			Retryable:   []FailureKind{kindTransient},
		}, classify)
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()

		attempts := 0
		start := time.Now()

		err := Retry(ctx, policy, func() error {
			attempts++
			return errTransient
		})

		assert.Equal(t, context.DeadlineExceeded, err)
		assert.Less(t, attempts, 10)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestRetryError(t *testing.T) {
	base := errors.New("boom")
	err := &RetryError{Op: "connect", Attempts: 3, MaxAttempts: 3, LastError: base, Duration: 1500 * time.Millisecond}

	assert.Equal(t, "retry failed: connect after 3/3 attempts over 1.5s: boom", err.Error())
	assert.Equal(t, base, err.Unwrap())
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
}

func BenchmarkRetry(b *testing.B) {
	policy := newPolicy(3)
	ctx := context.Background()

	b.Run("successful operation", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			_ = Retry(ctx, policy, func() error {
				return nil
			})
		}
	})
}
