package retry

import (
	"context"
	"fmt"
	"time"
)

// DefaultTimeout bounds outbound calls to the order store and other
// external services.
const DefaultTimeout = 10 * time.Second

// TimeoutError marks a call that exceeded its deadline, distinguishable
// from the underlying I/O error so classifiers treat it as transient.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout after %s", e.Timeout)
}

// WithTimeout runs fn with a deadline. If the deadline elapses before fn
// returns, a *TimeoutError is returned and fn's eventual result is
// discarded.
func WithTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return &TimeoutError{Timeout: timeout}
		}
		return ctx.Err()
	}
}
