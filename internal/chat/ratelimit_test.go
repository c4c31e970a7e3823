package chat

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestLimiter_ImmediateBurst(t *testing.T) {
	rl := newLimiter(5, 60)

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := rl.Wait(ctx); err != nil {
			t.Fatalf("burst token %d failed: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst should not wait, took %v", elapsed)
	}
}

func TestLimiter_WaitsAfterBurst(t *testing.T) {
	rl := newLimiter(1, 600) // 10/sec refill

	ctx := context.Background()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected some wait time, got %v", elapsed)
	}
}

func TestLimiter_CancelledContext(t *testing.T) {
	rl := newLimiter(1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	if err := rl.Wait(ctx); err != nil {
		t.Fatal(err)
	}

	cancel()
	if err := rl.Wait(ctx); err == nil {
		t.Fatal("expected context cancelled error")
	}
}

func TestLimiter_DefaultValues(t *testing.T) {
	rl := newLimiter(0, 0)
	if rl.Burst() != 5 {
		t.Fatalf("expected default burst=5, got %d", rl.Burst())
	}
	if rl.Limit() != rate.Limit(1) {
		t.Fatalf("expected default rate 1/s, got %v", rl.Limit())
	}
}
