// Package ratelimit provides bandwidth throttling for segment transfers.
//
// One BandwidthLimiter is constructed at process scope as the global bucket;
// each task may carry a second, independent bucket. A segment charges both
// before every chunk write, so effective throughput is bounded by whichever
// constraint is tighter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter defines the contract for bandwidth limiting.
type Limiter interface {
	// Wait blocks until the limiter allows n bytes to be processed.
	// Returns an error if the context is cancelled mid-wait.
	Wait(ctx context.Context, n int) error

	// Allow reports whether n bytes can be processed immediately.
	Allow(n int) bool

	// Rate returns the current rate limit in bytes per second.
	Rate() int64

	// SetRate updates the rate limit. A value of 0 means unlimited and
	// releases any currently waiting callers on their next poll.
	SetRate(bytesPerSec int64)

	// Reset discards accumulated token debt.
	Reset()
}

// BandwidthLimiter implements thread-safe bandwidth limiting using a token
// bucket. Bucket capacity equals the rate; the bucket starts drained, so a
// fresh limiter admits at most one second's worth of bytes in its first
// second instead of granting a free initial burst on top of the rate.
type BandwidthLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	maxRate int64 // bytes per second, 0 means unlimited
}

// newBucket creates a token bucket for the rate with its initial burst
// consumed, so the first byte through pays for itself.
func newBucket(bytesPerSec int64) *rate.Limiter {
	l := rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
	l.AllowN(time.Now(), int(bytesPerSec))
	return l
}

// NewBandwidthLimiter creates a new bandwidth limiter.
// maxRate is in bytes per second. A value of 0 means unlimited.
func NewBandwidthLimiter(maxRate int64) *BandwidthLimiter {
	bl := &BandwidthLimiter{maxRate: maxRate}

	if maxRate > 0 {
		bl.limiter = newBucket(maxRate)
	}

	return bl
}

// Wait blocks until the limiter allows n bytes to be processed. A rate
// change while waiting takes effect on the caller's next Wait.
func (bl *BandwidthLimiter) Wait(ctx context.Context, n int) error {
	bl.mu.RLock()
	limiter := bl.limiter
	bl.mu.RUnlock()

	if limiter == nil {
		return nil
	}

	// Requests larger than the bucket would never be admitted; charge them
	// in bucket-sized pieces instead.
	if burst := limiter.Burst(); n > burst {
		for n > 0 {
			chunk := n
			if chunk > burst {
				chunk = burst
			}
			if err := limiter.WaitN(ctx, chunk); err != nil {
				return err
			}
			n -= chunk

			// Re-read in case the limit was lifted mid-transfer.
			bl.mu.RLock()
			limiter = bl.limiter
			bl.mu.RUnlock()
			if limiter == nil {
				return nil
			}
			burst = limiter.Burst()
		}
		return nil
	}

	return limiter.WaitN(ctx, n)
}

// Allow reports whether n bytes can be processed immediately.
func (bl *BandwidthLimiter) Allow(n int) bool {
	bl.mu.RLock()
	limiter := bl.limiter
	bl.mu.RUnlock()

	if limiter == nil {
		return true
	}

	return limiter.AllowN(time.Now(), n)
}

// Rate returns the current rate limit in bytes per second.
func (bl *BandwidthLimiter) Rate() int64 {
	bl.mu.RLock()
	defer bl.mu.RUnlock()
	return bl.maxRate
}

// SetRate updates the rate limit. A value of 0 means unlimited. The change
// takes effect on the next Wait call without restarting transfers.
func (bl *BandwidthLimiter) SetRate(bytesPerSec int64) {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	bl.maxRate = bytesPerSec

	if bytesPerSec <= 0 {
		bl.limiter = nil
	} else {
		bl.limiter = newBucket(bytesPerSec)
	}
}

// Reset clears accumulated token debt by replacing the bucket.
func (bl *BandwidthLimiter) Reset() {
	bl.mu.Lock()
	defer bl.mu.Unlock()

	if bl.maxRate > 0 {
		bl.limiter = newBucket(bl.maxRate)
	}
}

// NullLimiter is a no-op limiter that allows unlimited bandwidth.
type NullLimiter struct{}

// NewNullLimiter creates a limiter that imposes no limits.
func NewNullLimiter() *NullLimiter {
	return &NullLimiter{}
}

// Wait always returns immediately without blocking.
func (nl *NullLimiter) Wait(ctx context.Context, n int) error { return nil }

// Allow always returns true.
func (nl *NullLimiter) Allow(n int) bool { return true }

// Rate always returns 0 (unlimited).
func (nl *NullLimiter) Rate() int64 { return 0 }

// SetRate is a no-op for the null limiter.
func (nl *NullLimiter) SetRate(bytesPerSec int64) {}

// Reset is a no-op for the null limiter.
func (nl *NullLimiter) Reset() {}

// Combined chains multiple limiters; a chunk proceeds only once every
// limiter in the chain has admitted it. Used to stack a task bucket on top
// of the shared global bucket.
type Combined struct {
	limiters []Limiter
}

// NewCombined builds a limiter chain, skipping nil entries.
func NewCombined(limiters ...Limiter) *Combined {
	c := &Combined{}
	for _, l := range limiters {
		if l != nil {
			c.limiters = append(c.limiters, l)
		}
	}
	return c
}

// Wait blocks until every limiter in the chain admits n bytes.
func (c *Combined) Wait(ctx context.Context, n int) error {
	for _, l := range c.limiters {
		if err := l.Wait(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Allow reports whether every limiter would admit n bytes immediately.
func (c *Combined) Allow(n int) bool {
	for _, l := range c.limiters {
		if !l.Allow(n) {
			return false
		}
	}
	return true
}

// Rate returns the tightest non-zero rate in the chain, 0 when unlimited.
func (c *Combined) Rate() int64 {
	var min int64
	for _, l := range c.limiters {
		r := l.Rate()
		if r > 0 && (min == 0 || r < min) {
			min = r
		}
	}
	return min
}

// SetRate is not meaningful on a chain; individual limiters own their rates.
func (c *Combined) SetRate(bytesPerSec int64) {}

// Reset resets every limiter in the chain.
func (c *Combined) Reset() {
	for _, l := range c.limiters {
		l.Reset()
	}
}
