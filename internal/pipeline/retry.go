package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/zaclake/book-writer-automated-platform-sub007/internal/jobs"
)

// Class groups errors by how the retry policy reacts to them.
type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
	ClassBudget
	ClassCancelled
)

// Classify maps err onto a retry Class. Untyped errors are permanent.
func Classify(err error) Class {
	switch {
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case jobs.IsErrorType(err, jobs.ErrBudgetDenied):
		return ClassBudget
	case jobs.IsErrorType(err, jobs.ErrProviderError):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxDelay > 0 && d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// attempts are used up. Exhausted transient failures are returned as
// ErrProviderError with the attempt count in the context.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if Classify(last) != ClassTransient {
			return last
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Backoff(attempt)); err != nil {
			return err
		}
	}
	return jobs.WrapError(last, jobs.ErrProviderError, "transient failures exhausted retries").
		WithContext("attempts", attempts)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
