package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestBandwidthLimiterThrottles(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	// The bucket starts drained: 3000 bytes at 1000 B/s take about three
	// seconds, with no free burst for the first 1000.
	bl := NewBandwidthLimiter(1000)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := bl.Wait(ctx, 1000); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 2900*time.Millisecond {
		t.Errorf("3000 bytes at 1000 B/s took %v, want >= 2.9s", elapsed)
	}
	if elapsed > 5*time.Second {
		t.Errorf("3000 bytes at 1000 B/s took %v, want well under 5s", elapsed)
	}
}

func TestBandwidthLimiterUnlimited(t *testing.T) {
	bl := NewBandwidthLimiter(0)

	start := time.Now()
	if err := bl.Wait(context.Background(), 10*1024*1024); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("unlimited Wait took %v, want immediate", elapsed)
	}
}

func TestBandwidthLimiterOversizedRequest(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test skipped in short mode")
	}

	// A request larger than the bucket must still be admitted, in pieces.
	bl := NewBandwidthLimiter(1000)

	start := time.Now()
	if err := bl.Wait(context.Background(), 2500); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 2400*time.Millisecond {
		t.Errorf("2500 bytes at 1000 B/s took %v, want >= 2.4s", elapsed)
	}
}

func TestSetRateLiftsLimitForNewWaiters(t *testing.T) {
	bl := NewBandwidthLimiter(100)
	bl.SetRate(0)

	start := time.Now()
	if err := bl.Wait(context.Background(), 1024*1024); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Wait after SetRate(0) took %v, want immediate", elapsed)
	}
	if bl.Rate() != 0 {
		t.Errorf("Rate() = %d, want 0", bl.Rate())
	}
}

func TestSetRateReleasesOversizedWaitMidTransfer(t *testing.T) {
	bl := NewBandwidthLimiter(1000)

	done := make(chan error, 1)
	go func() {
		// 10000 bytes would take ~9s at 1000 B/s.
		done <- bl.Wait(context.Background(), 10000)
	}()

	time.Sleep(100 * time.Millisecond)
	bl.SetRate(0)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Wait did not observe the lifted limit")
	}
}

func TestWaitRespectsContextCancellation(t *testing.T) {
	bl := NewBandwidthLimiter(10)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := bl.Wait(ctx, 1000); err == nil {
		t.Error("Wait() = nil, want context deadline error")
	}
}

func TestCombinedUsesTightestRate(t *testing.T) {
	global := NewBandwidthLimiter(5000)
	task := NewBandwidthLimiter(1000)
	c := NewCombined(global, task)

	if got := c.Rate(); got != 1000 {
		t.Errorf("Rate() = %d, want 1000 (tightest)", got)
	}

	task.SetRate(0)
	if got := c.Rate(); got != 5000 {
		t.Errorf("Rate() after lifting task limit = %d, want 5000", got)
	}
}

func TestCombinedSkipsNilLimiters(t *testing.T) {
	c := NewCombined(nil, NewNullLimiter())
	if err := c.Wait(context.Background(), 100); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := c.Rate(); got != 0 {
		t.Errorf("Rate() = %d, want 0", got)
	}
}
