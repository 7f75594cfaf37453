package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestAcquireBurstThenBlocks(t *testing.T) {
	t.Parallel()
	l := New(Config{Rate: 1, Burst: 5})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx, "dest:1"); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("burst of 5 took %v, expected near-instant", elapsed)
	}

	// Sixth acquire must wait roughly one refill interval.
	start = time.Now()
	if err := l.Acquire(ctx, "dest:1"); err != nil {
		t.Fatalf("Acquire after burst: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("acquire after burst waited only %v", elapsed)
	}
}

func TestAcquireIsolatedPerKey(t *testing.T) {
	t.Parallel()
	l := New(Config{Rate: 1, Burst: 1})
	ctx := context.Background()

	if err := l.Acquire(ctx, "dest:1"); err != nil {
		t.Fatalf("Acquire dest:1: %v", err)
	}

	// A different destination has its own full bucket.
	start := time.Now()
	if err := l.Acquire(ctx, "dest:2"); err != nil {
		t.Fatalf("Acquire dest:2: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("dest:2 waited %v behind dest:1's bucket", elapsed)
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	t.Parallel()
	l := New(Config{Rate: 0.1, Burst: 1})
	ctx, cancel := context.WithCancel(context.Background())

	if err := l.Acquire(ctx, "dest:1"); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "dest:1") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Acquire = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not return after cancellation")
	}

	// The cancelled reservation must be returned to the bucket.
	if tokens := l.Tokens("dest:1"); tokens < -1 {
		t.Fatalf("tokens = %v, reservation was not released", tokens)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()
	got := Config{}.withDefaults()
	if got.Rate != 1 || got.Burst != 5 {
		t.Fatalf("defaults = %+v, want rate 1 burst 5", got)
	}
}
