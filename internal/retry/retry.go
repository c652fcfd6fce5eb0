package retry

import (
	"context"
	"errors"
	"math/rand"
	"regexp"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 10 * time.Second
)

type Options struct {
	// MaxRetries caps the total number of attempts (default: 3).
	MaxRetries int
	// BaseDelay is the first backoff delay (default: 1s).
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay (default: 10s).
	MaxDelay time.Duration
	// Constant disables the default exponential doubling and waits
	// BaseDelay between every attempt.
	Constant bool
	// OnRetry is invoked with the error and attempt number before each wait.
	OnRetry func(err error, attempt int)
	// NoRetryOn classifies an error as non-retryable; matching errors are
	// re-raised immediately without any wait.
	NoRetryOn func(err error) bool
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	return o
}

// DefaultOptions returns Options with the documented defaults filled
// in: 3 attempts, 1s base delay doubling up to 10s.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

// Do executes fn, retrying failures with backoff until it succeeds, a
// non-retryable error occurs, or MaxRetries attempts are exhausted. The
// non-retryable check always runs before any wait is scheduled. The last
// error is returned after the final attempt fails.
func Do(ctx context.Context, fn func() error, opts Options) error {
	o := opts.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= o.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if o.NoRetryOn != nil && o.NoRetryOn(lastErr) {
			return lastErr
		}

		if attempt == o.MaxRetries {
			return lastErr
		}

		if o.OnRetry != nil {
			o.OnRetry(lastErr, attempt)
		}

		if err := sleep(ctx, backoffDelay(o, attempt)); err != nil {
			return err
		}
	}

	return lastErr
}

// backoffDelay computes the wait before the next attempt:
// min(baseDelay * 2^(attempt-1), maxDelay) with multiplicative ±10% jitter.
func backoffDelay(o Options, attempt int) time.Duration {
	delay := o.BaseDelay
	if !o.Constant {
		delay = o.BaseDelay << uint(attempt-1)
		if delay > o.MaxDelay || delay <= 0 {
			delay = o.MaxDelay
		}
	}

	jitter := 1 + 0.1*(rand.Float64()*2-1)
	return time.Duration(float64(delay) * jitter)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var transientMessages = []string{
	"econnreset",
	"etimedout",
	"econnrefused",
	"ehostunreach",
	"enetunreach",
	"connection reset",
	"connection refused",
	"socket hang up",
	"network",
	"timeout",
	"aborted",
	"unreachable",
}

// IsTransient reports whether an error looks like a transient network
// failure worth retrying, by substring match against the lowercased
// message. Timeout errors are always transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}

	message := strings.ToLower(err.Error())
	for _, msg := range transientMessages {
		if strings.Contains(message, msg) {
			return true
		}
	}
	return false
}

// Matches "status 404", "HTTP 422", "code 400", or a bare 4xx code.
var httpClientErrorPattern = regexp.MustCompile(`(?i)\b(?:status|http|code)?\s*4\d{2}\b`)

// IsNonRetryableHTTP reports whether an error carries a 4xx status code.
// 429 (rate limiting) is excluded: those are worth retrying.
func IsNonRetryableHTTP(err error) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "429") {
		return false
	}
	return httpClientErrorPattern.MatchString(err.Error())
}
