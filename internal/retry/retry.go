package retry

import (
	"context"
	"time"
)

// Func is a function that can be retried
type Func func(ctx context.Context) error

// DelayFunc is a closure which will return delay generator function
type DelayFunc func() func() time.Duration

type config struct {
	maxAttempts int
	delayFunc   DelayFunc
	retryIf     func(error) bool
	onRetry     func(attempt int, err error)
}

// Option configures the retrier
type Option func(*config)

// WithMaxAttempts sets the maximum number of attempts.
// The default is 3.
func WithMaxAttempts(n int) Option {
	return func(c *config) {
		c.maxAttempts = n
	}
}

// WithDelayFunc sets the function which will
// return timeout duration for every attempt.
// The default function will return: 150ms, 300ms, 600ms.
func WithDelayFunc(d DelayFunc) Option {
	return func(c *config) {
		c.delayFunc = d
	}
}

// WithBaseDelay keeps the exponential schedule but starts it at base.
func WithBaseDelay(base time.Duration) Option {
	return WithDelayFunc(exponential(base))
}

// WithConstantDelay waits d between every attempt.
func WithConstantDelay(d time.Duration) Option {
	return WithDelayFunc(func() func() time.Duration {
		return func() time.Duration { return d }
	})
}

// WithRetryIf stops retrying as soon as pred returns false for an error.
func WithRetryIf(pred func(error) bool) Option {
	return func(c *config) {
		c.retryIf = pred
	}
}

// WithOnRetry registers a callback invoked after every failed attempt that
// will be retried.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(c *config) {
		c.onRetry = fn
	}
}

func exponential(base time.Duration) DelayFunc {
	return func() func() time.Duration {
		attempt := 0
		return func() time.Duration {
			delay := base << attempt
			attempt++
			return delay
		}
	}
}

// Do calls fn until it succeeds, the attempts are exhausted, the error is not
// retryable or ctx is done. It returns the last error of fn or ctx.Err().
func Do(ctx context.Context, fn Func, opts ...Option) error {
	cfg := &config{
		maxAttempts: 3,
		delayFunc:   exponential(150 * time.Millisecond),
	}

	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error
	df := cfg.delayFunc()
	for attempt := range cfg.maxAttempts {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == cfg.maxAttempts-1 {
			break
		}
		if cfg.retryIf != nil && !cfg.retryIf(lastErr) {
			break
		}
		if cfg.onRetry != nil {
			cfg.onRetry(attempt+1, lastErr)
		}

		timer := time.NewTimer(df())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
