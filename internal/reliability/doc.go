// Package reliability provides the retry policy shared by every operation
// that touches the broker.
//
// A RetrySpec names the number of attempts, a fixed delay and the failure
// kinds worth retrying. The caller supplies a Classifier that maps errors onto
// kinds, so the policy stays independent of any particular broker client:
//
//	policy := NewFixedDelay(RetrySpec{
//	    MaxAttempts: Unbounded,
//	    Delay:       time.Second,
//	    Retryable:   []FailureKind{"connection-closed-by-peer"},
//	}, classify)
//
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	}, WithOperation("connect"))
//
// Context cancellation is never treated as a failure: Retry returns the
// context error as soon as it is observed.
package reliability
