// Package retry holds the escalation helpers shared by the installer and the
// judge client: an ordered tier combinator and a capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrExhausted is matched by errors.Is when every tier or attempt failed.
var ErrExhausted = errors.New("all attempts failed")

// Tier is one step of an escalation policy.
type Tier struct {
	Name string
	Run  func(ctx context.Context) error
}

// TierError records the failure of a single tier.
type TierError struct {
	Tier string
	Err  error
}

func (e TierError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tier, e.Err)
}

// ExhaustedError is returned by FirstSuccess when no tier succeeded.
type ExhaustedError struct {
	Failures []TierError
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Error())
	}
	return "all tiers failed: " + strings.Join(parts, "; ")
}

// Unwrap exposes ErrExhausted and each tier's error.
func (e *ExhaustedError) Unwrap() []error {
	errs := []error{ErrExhausted}
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// Last returns the error of the final tier attempted, or nil.
func (e *ExhaustedError) Last() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e.Failures[len(e.Failures)-1].Err
}

// FirstSuccess runs tiers in order and stops at the first one that returns
// nil. It returns the name of the successful tier.
//
// onFail, when non-nil, is called after each failed tier. Context
// cancellation between tiers aborts the escalation and returns ctx.Err().
func FirstSuccess(ctx context.Context, tiers []Tier, onFail func(tier string, err error)) (string, error) {
	exhausted := &ExhaustedError{}
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		err := tier.Run(ctx)
		if err == nil {
			return tier.Name, nil
		}
		exhausted.Failures = append(exhausted.Failures, TierError{Tier: tier.Name, Err: err})
		if onFail != nil {
			onFail(tier.Name, err)
		}
	}
	return "", exhausted
}

// Backoff retries an operation with exponentially growing delays.
type Backoff struct {
	// Attempts is the total number of tries, including the first.
	Attempts int

	// Initial is the delay before the second attempt.
	Initial time.Duration

	// Multiplier scales the delay after each failure. Zero means 2.
	Multiplier float64

	// Max caps the delay. Zero means uncapped.
	Max time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls fn until it succeeds or attempts run out. attempt is 1-based.
// The returned error wraps ErrExhausted and the last failure.
func (b Backoff) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	attempts := b.Attempts
	if attempts < 1 {
		attempts = 1
	}
	mult := b.Multiplier
	if mult == 0 {
		mult = 2
	}
	sleep := b.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	delay := b.Initial
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx, attempt)
		if last == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay = time.Duration(float64(delay) * mult)
		if b.Max > 0 && delay > b.Max {
			delay = b.Max
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

// Sleep blocks for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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
