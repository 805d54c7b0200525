package reliability

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Unbounded is the MaxAttempts value that retries until the operation succeeds.
const Unbounded = -1

// FailureKind names a class of failure. Classifiers map errors onto kinds and
// a RetrySpec lists the kinds worth retrying.
type FailureKind string

const (
	// KindUnknown is reported for errors no classifier recognises
	KindUnknown FailureKind = "unknown"
	// KindCancelled marks context cancellation. It is a control outcome and
	// is never retried, whatever Retryable lists.
	KindCancelled FailureKind = "cancelled"
)

// Classifier maps an error onto a FailureKind
type Classifier func(err error) FailureKind

// RetrySpec describes how an operation is retried
type RetrySpec struct {
	// MaxAttempts is the total number of attempts. Unbounded (-1) never gives
	// up, 0 runs the operation once without retrying.
	MaxAttempts int
	// Delay is slept between attempts
	Delay time.Duration
	// Retryable lists the failure kinds that trigger another attempt
	Retryable []FailureKind
}

// Allows reports whether kind is in the retryable set
func (s RetrySpec) Allows(kind FailureKind) bool {
	if kind == KindCancelled {
		return false
	}
	for _, k := range s.Retryable {
		if k == kind {
			return true
		}
	}
	return false
}

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if a retry should be attempted after the
	// zero-based attempt failed with err
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of attempts, -1 when unbounded
	MaxRetries() int
	// NextDelay calculates the next retry delay
	NextDelay(attempt int) time.Duration
}

// FixedDelay retries whitelisted failure kinds on a constant delay
type FixedDelay struct {
	Spec     RetrySpec
	Classify Classifier
}

// NewFixedDelay creates a fixed delay policy for spec. A nil classifier
// treats every error as KindUnknown.
func NewFixedDelay(spec RetrySpec, classify Classifier) *FixedDelay {
	if classify == nil {
		classify = func(error) FailureKind { return KindUnknown }
	}
	return &FixedDelay{
		Spec:     spec,
		Classify: classify,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.Spec.MaxAttempts >= 0 && attempt+1 >= f.Spec.MaxAttempts {
		return false, 0
	}
	if !f.Spec.Allows(f.Classify(err)) {
		return false, 0
	}
	return true, f.Spec.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.Spec.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Spec.Delay
}

// Kind reports the failure kind of err under this policy's classifier
func (f *FixedDelay) Kind(err error) FailureKind {
	return f.Classify(err)
}

// Retryable reports whether err is of a kind this policy retries,
// ignoring the attempt count
func (f *FixedDelay) Retryable(err error) bool {
	return f.Spec.Allows(f.Classify(err))
}

// kindFilter is implemented by policies that retry only some errors
type kindFilter interface {
	Retryable(err error) bool
}

// NotifyFunc is called before sleeping ahead of another attempt
type NotifyFunc func(attempt int, err error, delay time.Duration)

type retryOptions struct {
	op     string
	logger *slog.Logger
	notify NotifyFunc
}

// RetryOption configures a single Retry call
type RetryOption func(*retryOptions)

// WithRetryNotify registers the transient-failure hook
func WithRetryNotify(fn NotifyFunc) RetryOption {
	return func(o *retryOptions) {
		o.notify = fn
	}
}

// WithRetryLogger sets the logger used for transient-failure warnings
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(o *retryOptions) {
		o.logger = logger
	}
}

// WithOperation names the operation in logs and in RetryError
func WithOperation(op string) RetryOption {
	return func(o *retryOptions) {
		o.op = op
	}
}

// Retry executes fn with retry logic. Errors of a kind the policy does not
// retry are returned as is, whatever the attempt. A retryable failure on the
// last allowed attempt comes back wrapped in a *RetryError, even when only one
// attempt was allowed. Context errors are always returned unwrapped.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error, options ...RetryOption) error {
	opts := retryOptions{
		op:     "operation",
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&opts)
	}

	start := time.Now()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if isCancellation(err) {
			return err
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			if !exhausted(policy, attempt, err) {
				return lastErr
			}
			return &RetryError{
				Op:          opts.op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries(),
				LastError:   lastErr,
				Duration:    time.Since(start),
			}
		}

		opts.logger.Warn("transient failure, retrying",
			"op", opts.op,
			"attempt", attempt+1,
			"maxAttempts", policy.MaxRetries(),
			"delay", delay,
			"error", err)
		if opts.notify != nil {
			opts.notify(attempt+1, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// exhausted reports whether the policy stopped because attempts ran out
// rather than because err is not worth retrying
func exhausted(policy RetryPolicy, attempt int, err error) bool {
	if f, ok := policy.(kindFilter); ok && !f.Retryable(err) {
		return false
	}
	limit := policy.MaxRetries()
	return limit >= 0 && attempt+1 >= limit
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
