package ratelimit

import (
	"context"
	"testing"
	"time"

	"candleflow/models"
)

func TestGrantsUpToQuota(t *testing.T) {
	r := NewRegistry()
	r.SetWindow(time.Second)
	r.Register("binance", 3, 10*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.Acquire(ctx, "binance", models.PriorityLive); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}
	if got := r.Used("binance"); got != 3 {
		t.Fatalf("used = %d, want 3", got)
	}
}

func TestRateLimitedAfterMaxWait(t *testing.T) {
	r := NewRegistry()
	r.SetWindow(time.Second)
	r.Register("binance", 1, 20*time.Millisecond)

	ctx := context.Background()
	if err := r.Acquire(ctx, "binance", models.PriorityLive); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	err := r.Acquire(ctx, "binance", models.PriorityLive)
	if models.KindOf(err) != models.ErrRateLimited {
		t.Fatalf("expected RateLimited, got %v", err)
	}
}

func TestTokensFreeAsWindowRolls(t *testing.T) {
	r := NewRegistry()
	r.SetWindow(50 * time.Millisecond)
	r.Register("binance", 1, time.Second)

	ctx := context.Background()
	if err := r.Acquire(ctx, "binance", models.PriorityLive); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	start := time.Now()
	if err := r.Acquire(ctx, "binance", models.PriorityLive); err != nil {
		t.Fatalf("second grant: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("second grant returned after %v, want a wait near the window", elapsed)
	}
}

func TestContextCancelAbortsWait(t *testing.T) {
	r := NewRegistry()
	r.SetWindow(time.Minute)
	r.Register("binance", 1, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Acquire(ctx, "binance", models.PriorityLive); err != nil {
		t.Fatalf("first grant: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Acquire(ctx, "binance", models.PriorityLive) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Acquire did not return after cancellation")
	}
}

func TestFreedTokenGoesToQueuedBackfill(t *testing.T) {
	r := NewRegistry()
	r.SetWindow(100 * time.Millisecond)
	r.Register("binance", 1, 2*time.Second)

	ctx := context.Background()
	if err := r.Acquire(ctx, "binance", models.PriorityLive); err != nil {
		t.Fatalf("initial live grant: %v", err)
	}

	// Park a backfill waiter, then a live waiter. When the window rolls
	// and the single token frees, it is reserved for backfill even though
	// live normally wins.
	order := make(chan string, 2)
	backfillDone := make(chan error, 1)
	go func() {
		err := r.Acquire(ctx, "binance", models.PriorityBackfill)
		order <- "backfill"
		backfillDone <- err
	}()
	time.Sleep(10 * time.Millisecond)

	liveDone := make(chan error, 1)
	go func() {
		err := r.Acquire(ctx, "binance", models.PriorityLive)
		order <- "live"
		liveDone <- err
	}()

	if err := <-backfillDone; err != nil {
		t.Fatalf("queued backfill must receive the freed token: %v", err)
	}
	if err := <-liveDone; err != nil {
		t.Fatalf("live grant after backfill: %v", err)
	}
	if first := <-order; first != "backfill" {
		t.Fatalf("first freed token went to %s, want backfill", first)
	}
}

func TestBackfillUsesSpareCapacity(t *testing.T) {
	r := NewRegistry()
	r.SetWindow(time.Minute)
	r.Register("binance", 3, 10*time.Millisecond)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := r.Acquire(ctx, "binance", models.PriorityBackfill); err != nil {
			t.Fatalf("idle-capacity backfill grant %d: %v", i, err)
		}
	}
}

func TestUnknownAdapter(t *testing.T) {
	r := NewRegistry()
	err := r.Acquire(context.Background(), "ghost", models.PriorityLive)
	if models.KindOf(err) != models.ErrUnavailable {
		t.Fatalf("expected Unavailable for unregistered adapter, got %v", err)
	}
}
