package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/ratelimit"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// newTestInvoker records sleeps instead of waiting them out.
func newTestInvoker(t *testing.T) (*Invoker, *[]time.Duration) {
	t.Helper()
	iv := New(ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}), logx.Nop())
	var sleeps []time.Duration
	iv.sleep = func(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
		sleeps = append(sleeps, d)
		if stopped(stop) {
			return ErrStopped
		}
		return ctx.Err()
	}
	return iv, &sleeps
}

func TestInvokeSucceedsFirstTry(t *testing.T) {
	t.Parallel()
	iv, _ := newTestInvoker(t)
	calls := 0
	attempts, err := iv.Invoke(context.Background(), "k", Policy{}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if calls != 1 || attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1/1", calls, attempts)
	}
}

func TestInvokeRetriesTransientWithBackoff(t *testing.T) {
	t.Parallel()
	iv, sleeps := newTestInvoker(t)
	calls := 0
	attempts, err := iv.Invoke(context.Background(), "k", Policy{MaxAttempts: 3, BackoffBase: time.Second}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return relay.Transient(errors.New("reset"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if calls != 3 || attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3/3", calls, attempts)
	}
	if len(*sleeps) != 2 {
		t.Fatalf("sleeps = %d, want 2 backoffs", len(*sleeps))
	}
	// Schedule is base*2^(n-1) plus up to base/2 jitter: [1s,1.5s), [2s,2.5s).
	if s := (*sleeps)[0]; s < time.Second || s >= 1500*time.Millisecond {
		t.Fatalf("first backoff = %v, want in [1s,1.5s)", s)
	}
	if s := (*sleeps)[1]; s < 2*time.Second || s >= 2500*time.Millisecond {
		t.Fatalf("second backoff = %v, want in [2s,2.5s)", s)
	}
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	t.Parallel()
	iv, _ := newTestInvoker(t)
	cause := relay.Transient(errors.New("reset"))
	calls := 0
	attempts, err := iv.Invoke(context.Background(), "k", Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return cause
	})
	if calls != 3 || attempts != 3 {
		t.Fatalf("calls = %d attempts = %d, want 3/3", calls, attempts)
	}
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v does not wrap the last failure", err)
	}
}

func TestInvokeFatalStopsImmediately(t *testing.T) {
	t.Parallel()
	iv, sleeps := newTestInvoker(t)
	cause := relay.Fatal(errors.New("forbidden"))
	calls := 0
	attempts, err := iv.Invoke(context.Background(), "k", Policy{MaxAttempts: 3}, func(ctx context.Context) error {
		calls++
		return cause
	})
	if calls != 1 || attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1/1", calls, attempts)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("err = %v, want the fatal cause", err)
	}
	if len(*sleeps) != 0 {
		t.Fatalf("fatal failure slept %d times", len(*sleeps))
	}
}

func TestInvokeRateLimitDoesNotConsumeAttempts(t *testing.T) {
	t.Parallel()
	iv, sleeps := newTestInvoker(t)
	calls := 0
	attempts, err := iv.Invoke(context.Background(), "k", Policy{MaxAttempts: 1, WaitCap: 60 * time.Second}, func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return relay.RateLimited(10*time.Second, errors.New("flood"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	// Two cooldowns then success, all within a MaxAttempts of 1.
	if calls != 3 || attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 3 calls and 1 counted attempt", calls, attempts)
	}
	for _, s := range *sleeps {
		if s < 10*time.Second || s >= 11*time.Second {
			t.Fatalf("cooldown sleep = %v, want announced 10s plus up to 1s jitter", s)
		}
	}
}

func TestInvokeCapsAnnouncedWait(t *testing.T) {
	t.Parallel()
	iv, sleeps := newTestInvoker(t)
	calls := 0
	_, err := iv.Invoke(context.Background(), "k", Policy{WaitCap: 60 * time.Second}, func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return relay.RateLimited(10*time.Minute, errors.New("flood"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("sleeps = %d, want 1", len(*sleeps))
	}
	if s := (*sleeps)[0]; s < 60*time.Second || s >= 61*time.Second {
		t.Fatalf("sleep = %v, want capped to 60s plus jitter", s)
	}
}

func TestInvokeStopChannelEndsRetries(t *testing.T) {
	t.Parallel()
	iv, _ := newTestInvoker(t)
	stop := make(chan struct{})
	calls := 0
	attempts, err := iv.Invoke(context.Background(), "k", Policy{MaxAttempts: 5, Stop: stop}, func(ctx context.Context) error {
		calls++
		close(stop)
		return relay.Transient(errors.New("reset"))
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	// The in-flight call completed; the backoff observed the stop and no
	// further call was launched.
	if calls != 1 || attempts != 1 {
		t.Fatalf("calls = %d attempts = %d, want 1/1", calls, attempts)
	}
}

func TestInvokeStopBeforeFirstAttempt(t *testing.T) {
	t.Parallel()
	iv, _ := newTestInvoker(t)
	stop := make(chan struct{})
	close(stop)
	calls := 0
	_, err := iv.Invoke(context.Background(), "k", Policy{Stop: stop}, func(ctx context.Context) error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d after stop, want 0", calls)
	}
}

func TestInvokeStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	iv := New(ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}), logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := iv.Invoke(ctx, "k", Policy{MaxAttempts: 5}, func(ctx context.Context) error {
		calls++
		cancel()
		return relay.Transient(errors.New("reset"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d after cancel, want 1", calls)
	}
}
