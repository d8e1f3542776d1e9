package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy is a capped exponential backoff: BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
// never exceeding MaxDelay.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Sleep waits between attempts. Nil means a timer that honours ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Delay returns the wait before retry number n (0-based).
func (p Policy) Delay(n int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// ExhaustedError is returned once every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts failed: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do calls fn until it succeeds, returns a Permanent error, the retry
// budget runs out, or ctx is done. It returns the number of attempts made.
// A permanent error is returned unwrapped.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	attempts := 0
	for {
		err := fn(attempts)
		attempts++
		if err == nil {
			return attempts, nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return attempts, pe.err
		}
		if ctx.Err() != nil {
			return attempts, err
		}
		if attempts > p.MaxRetries {
			return attempts, &ExhaustedError{Attempts: attempts, Err: err}
		}
		if serr := p.sleep(ctx, p.Delay(attempts-1)); serr != nil {
			return attempts, err
		}
	}
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
