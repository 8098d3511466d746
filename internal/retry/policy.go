// Package retry implements exponential-backoff retries over the error taxonomy.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/aoyama86/segpull/pkg/config"
	"github.com/aoyama86/segpull/pkg/errors"
)

// Policy holds the retry parameters for one class of operation.
type Policy struct {
	MaxRetries    int           // Retry attempts after the first try
	BaseDelay     time.Duration // Delay before the first retry
	MaxDelay      time.Duration // Cap on any single delay
	BackoffFactor float64       // Multiplier per attempt
	Jitter        bool          // Randomize delays by up to ±10%
}

// NewPolicy creates a policy with the default parameters.
func NewPolicy() *Policy {
	return &Policy{
		MaxRetries:    3,
		BaseDelay:     1 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// FromConfig builds a policy from the configured retry parameters.
func FromConfig(cfg config.RetryPolicyConfig) *Policy {
	return &Policy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
		Jitter:        cfg.Jitter,
	}
}

// ShouldRetry reports whether the error warrants another attempt given how
// many retries have already been spent.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return errors.IsRetryable(err)
}

// NextDelay computes the backoff delay for a retry attempt, capped at
// MaxDelay. Attempt 0 yields BaseDelay.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt < 0 {
		return p.BaseDelay
	}

	// Guard the power computation against overflow for runaway attempt counts.
	if attempt > 50 {
		return p.applyJitter(p.MaxDelay)
	}

	power := math.Pow(p.BackoffFactor, float64(attempt))
	if power > float64(p.MaxDelay)/float64(p.BaseDelay) {
		return p.applyJitter(p.MaxDelay)
	}

	delay := time.Duration(float64(p.BaseDelay) * power)
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}
	return p.applyJitter(delay)
}

func (p *Policy) applyJitter(delay time.Duration) time.Duration {
	if !p.Jitter {
		return delay
	}

	// #nosec G404 -- retry jitter does not need cryptographic randomness
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	if jittered := delay + jitter; jittered > 0 {
		return jittered
	}
	return delay
}

// Execute runs the operation, retrying transient failures with backoff.
// Context cancellation aborts immediately and is returned unwrapped so
// callers can distinguish user cancellation from operation failure.
func (p *Policy) Execute(ctx context.Context, operation func() error) error {
	return p.ExecuteWithCallback(ctx, operation, nil)
}

// ExecuteWithCallback is Execute with a hook invoked before each retry wait,
// used for logging and metrics.
func (p *Policy) ExecuteWithCallback(
	ctx context.Context,
	operation func() error,
	onRetry func(attempt int, err error, nextDelay time.Duration),
) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		if errors.IsCancelled(err) {
			return err
		}
		lastErr = err

		if !p.ShouldRetry(err, attempt) {
			// A retryable error that ran out of budget is not the same
			// failure as a permanent one; report them distinctly.
			if attempt >= p.MaxRetries && errors.IsRetryable(err) {
				break
			}
			return fmt.Errorf("operation failed after %d attempt(s) (non-retryable): %w", attempt+1, err)
		}

		delay := p.NextDelay(attempt)
		if onRetry != nil {
			onRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation failed after %d attempt(s) (retries exhausted): %w", p.MaxRetries+1, lastErr)
}
