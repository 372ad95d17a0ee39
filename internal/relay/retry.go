package relay

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is the backoff used for relay reconnects and publishes.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy: 4 attempts starting at 500ms, doubling up to 30s.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetry reports whether attempt (1-based) may be followed by another.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < p.MaxAttempts && !permanent(err)
}

// permanent is true for cancellation and for relay rejections that are not
// rate limits. A joined error is permanent only if every part is.
func permanent(err error) bool {
	switch e := err.(type) {
	case *RejectedError:
		return !e.Temporary()
	case interface{ Unwrap() []error }:
		for _, part := range e.Unwrap() {
			if !permanent(part) {
				return false
			}
		}
		return true
	}
	if err == context.Canceled {
		return true
	}
	if inner := errors.Unwrap(err); inner != nil {
		return permanent(inner)
	}
	return false
}

// NextDelay is the wait after the given failed attempt.
func (p *RetryPolicy) NextDelay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay = time.Duration(float64(delay) * p.Multiplier)
	}
	return min(delay, p.MaxDelay)
}

// Execute calls fn until it succeeds, fails permanently, runs out of attempts
// or ctx ends. The last error from fn is returned.
func (p *RetryPolicy) Execute(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !p.ShouldRetry(err, attempt) {
			return err
		}
		timer := time.NewTimer(p.NextDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
