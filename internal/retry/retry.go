// Package retry runs idempotent operations with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/Baaaki/chatcore/internal/apperr"
)

type Policy struct {
	// MaxAttempts < 0 retries until ctx ends.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// ShouldRetry decides whether err is worth another attempt.
	// Defaults to apperr.Retryable.
	ShouldRetry func(error) bool
}

// Default is used for reads and Redis operations.
var Default = Policy{
	MaxAttempts: 3,
	BaseDelay:   50 * time.Millisecond,
	MaxDelay:    time.Second,
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	unlimited := p.MaxAttempts < 0
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	should := p.ShouldRetry
	if should == nil {
		should = apperr.Retryable
	}

	delay := p.BaseDelay
	var lastErr error
	for attempt := 1; unlimited || attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w (after %d attempts: %w)", err, attempt-1, lastErr)
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil || !should(lastErr) {
			return lastErr
		}
		if !unlimited && attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (after %d attempts: %w)", ctx.Err(), attempt, lastErr)
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
