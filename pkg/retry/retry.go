// Package retry runs an operation with exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Options configures exponential backoff.
type Options struct {
	// MaxAttempts counts the first call. Values <= 0 select Default.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool

	// OnRetry, when set, is called before each sleep with the attempt that
	// just failed (1-based), its error and the upcoming delay.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Default backoff settings used when MaxAttempts is zero or negative.
var Default = Options{
	MaxAttempts:  4,
	InitialDelay: 250 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// WithRetries returns Default with MaxAttempts set to retries+1.
// Negative retries are treated as zero.
func WithRetries(retries int) Options {
	if retries < 0 {
		retries = 0
	}
	o := Default
	o.MaxAttempts = retries + 1
	return o
}

// IsRetryableFunc reports whether err is worth another attempt.
type IsRetryableFunc func(error) bool

// Do executes fn until it succeeds, the context is done, the error is not
// retryable or attempts are exhausted. Returns the last error.
func Do(ctx context.Context, opts Options, isRetryable IsRetryableFunc, fn func(context.Context) error) error {
	if opts.MaxAttempts <= 0 {
		onRetry := opts.OnRetry
		opts = Default
		opts.OnRetry = onRetry
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = opts.InitialDelay
	}

	attempt := 0
	backoff := opts.InitialDelay
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable != nil && !isRetryable(err) {
			return err
		}
		if attempt >= opts.MaxAttempts {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		sleep := backoff
		if opts.Jitter {
			// +/-20%
			delta := float64(backoff) * 0.2
			j := (rng.Float64()*2 - 1) * delta
			sleep = time.Duration(math.Max(0, float64(backoff)+j))
		}
		if sleep > opts.MaxDelay {
			sleep = opts.MaxDelay
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}

		next := time.Duration(float64(backoff) * opts.Multiplier)
		if next < backoff {
			next = backoff
		}
		backoff = next
		if backoff > opts.MaxDelay {
			backoff = opts.MaxDelay
		}
	}
}
