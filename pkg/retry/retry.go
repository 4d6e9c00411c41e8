package retry

import (
	"context"
	"errors"
	"time"
)

// RetryableError is implemented by classified errors that know whether a
// retry could succeed.
type RetryableError interface {
	error
	Retryable() bool
}

// Options controls the backoff loop. Zero values fall back to the defaults.
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64

	// IsRetryable overrides the default classification. The default treats
	// an error as retryable only when it implements RetryableError and
	// reports true.
	IsRetryable func(error) bool

	// OnRetry observes each failed attempt that will be retried, together
	// with the delay that will be slept before the next one.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultOptions returns the standard retry policy for non-streaming
// requests: 3 attempts, 1s initial delay doubling up to 10s.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      1 * time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

func (o Options) withDefaults() Options {
	defaults := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = defaults.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = defaults.MaxDelay
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if o.IsRetryable == nil {
		o.IsRetryable = defaultIsRetryable
	}
	return o
}

// Do runs op up to MaxAttempts times with exponential backoff between
// failures. Cancellation wins over everything: an already-cancelled context
// fails before op is ever invoked, and cancellation during the backoff
// sleep returns immediately. Non-retryable errors and cancellation errors
// are returned without sleeping.
func Do(ctx context.Context, opts Options, op func(context.Context) error) error {
	opts = opts.withDefaults()
	delay := opts.InitialDelay

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return context.Cause(ctx)
		}

		err := op(ctx)
		if err == nil {
			return nil
		}

		if isCancellation(err) || !opts.IsRetryable(err) || attempt == opts.MaxAttempts {
			return err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt, delay)
		}

		if err := sleep(ctx, delay); err != nil {
			return err
		}

		delay = time.Duration(float64(delay) * opts.BackoffMultiplier)
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}

	// Unreachable: the last attempt returns above
	return nil
}

// sleep waits for d or until ctx is cancelled, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func defaultIsRetryable(err error) bool {
	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}
	return false
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
