package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// OnRetry observes a failed attempt before the loop sleeps for next.
type OnRetry func(attempt int, err error, next time.Duration)

type stopError struct {
	err error
}

func (e *stopError) Error() string { return e.err.Error() }
func (e *stopError) Unwrap() error { return e.err }
func (e *stopError) IsFatal() bool { return true }

// Stop marks err as final: the loop returns it without another attempt.
// Stop(nil) is nil.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

func Retry(ctx context.Context, policy Policy, fn func() error) error {
	return RetryWithCallback(ctx, policy, fn, nil)
}

// RetryWithCallback runs fn until it succeeds, the error is final, the
// attempts run out or ctx is done. The last error is returned unwrapped
// from Stop.
func RetryWithCallback(ctx context.Context, policy Policy, fn func() error, onRetry OnRetry) error {
	policy = policy.WithDefaults(Policy{MaxAttempts: 3})

	schedule := backoff.WithContext(
		backoff.WithMaxRetries(policy.backOff(), uint64(policy.MaxAttempts-1)),
		ctx,
	)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		switch {
		case err == nil:
			return nil
		case final(err):
			return backoff.Permanent(err)
		}
		if onRetry != nil && attempt < policy.MaxAttempts {
			onRetry(attempt, err, policy.delay(attempt))
		}
		return err
	}, schedule)

	var stop *stopError
	if errors.As(err, &stop) {
		return stop.err
	}
	return err
}

// final reports errors that ask not to be retried, either through
// IsFatal() or through IsRetryable() == false anywhere in the chain.
func final(err error) bool {
	var fatal interface{ IsFatal() bool }
	if errors.As(err, &fatal) && fatal.IsFatal() {
		return true
	}
	var retryable interface{ IsRetryable() bool }
	if errors.As(err, &retryable) {
		return !retryable.IsRetryable()
	}
	return false
}
