// Package retry wraps single remote operations (one fetch or one send) with
// classification-aware retry: rate-limit waits are honored without consuming
// attempts, transient faults back off exponentially with jitter, fatal
// faults propagate immediately.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/relay"
	"github.com/gurveeer/TG-DL-BOT/internal/transfer/ratelimit"
	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// ErrAttemptsExhausted wraps the last transient error once MaxAttempts
// underlying calls have failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// ErrStopped reports that the invocation's Stop channel closed between
// attempts. The call that was in flight at the time has already returned.
var ErrStopped = errors.New("invocation stopped")

// Policy bounds one invocation.
type Policy struct {
	// MaxAttempts caps underlying calls for transient failures.
	MaxAttempts int
	// BackoffBase is the unit of the exponential schedule: attempt n sleeps
	// BackoffBase * 2^(n-1) plus up to half a base of jitter.
	BackoffBase time.Duration
	// WaitCap bounds a single announced rate-limit wait. Interactive sends
	// use a shorter cap than large transfers.
	WaitCap time.Duration

	// Stop aborts the invocation with ErrStopped. It is observed at attempt
	// boundaries and during backoff or cooldown waits; an attempt already in
	// flight is never interrupted. Nil means no external stop.
	Stop <-chan struct{}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = time.Second
	}
	if p.WaitCap <= 0 {
		p.WaitCap = 60 * time.Second
	}
	return p
}

// Invoker drives retries for remote operations, acquiring the per-destination
// rate limiter before every attempt.
//
// Safe for concurrent use; the per-invocation state lives on the stack.
type Invoker struct {
	limiter *ratelimit.Limiter
	log     logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	// sleep is swappable so tests can run without wall-clock waits.
	sleep func(ctx context.Context, stop <-chan struct{}, d time.Duration) error
}

func New(limiter *ratelimit.Limiter, log logx.Logger) *Invoker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Invoker{
		limiter: limiter,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop: // nil when the policy carries no Stop
		return ErrStopped
	case <-t.C:
		return nil
	}
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (iv *Invoker) randFloat() float64 {
	iv.rngMu.Lock()
	f := iv.rng.Float64()
	iv.rngMu.Unlock()
	return f
}

// Invoke runs op until it succeeds, fails fatally, or exhausts the policy.
// key selects the destination token bucket; acquisition happens before every
// attempt, including rate-limit retries.
//
// The returned attempts value counts underlying calls that were not cut
// short by a remote cooldown. A cooldown is exogenous and retried for free
// (after the announced wait, capped by the policy); only transient failures
// consume attempts toward MaxAttempts.
//
// A closed Policy.Stop ends the invocation with ErrStopped before the next
// attempt starts, including out of a backoff or cooldown wait.
func (iv *Invoker) Invoke(ctx context.Context, key string, pol Policy, op func(ctx context.Context) error) (attempts int, _ error) {
	pol = pol.withDefaults()

	for {
		if stopped(pol.Stop) {
			return attempts, ErrStopped
		}
		if err := iv.limiter.Acquire(ctx, key); err != nil {
			return attempts, err
		}
		// Re-check after the token wait so a stop that landed during it
		// never launches a fresh attempt.
		if stopped(pol.Stop) {
			return attempts, ErrStopped
		}

		err := op(ctx)
		if err == nil {
			attempts++
			return attempts, nil
		}

		class, wait := relay.Classify(err)
		switch class {
		case relay.ClassFatal, relay.ClassValidation:
			attempts++
			return attempts, err

		case relay.ClassRateLimited:
			if wait > pol.WaitCap {
				wait = pol.WaitCap
			}
			// Jitter spreads workers that hit the same cooldown together.
			wait += time.Duration(iv.randFloat() * float64(time.Second))
			iv.log.Warn("remote cooldown, waiting",
				logx.String("key", key),
				logx.Duration("wait", wait),
				logx.Int("attempt", attempts))
			if serr := iv.sleep(ctx, pol.Stop, wait); serr != nil {
				return attempts, serr
			}
			continue

		default: // transient
			attempts++
			if attempts >= pol.MaxAttempts {
				return attempts, errors.Join(ErrAttemptsExhausted, err)
			}
			delay := iv.backoff(pol, attempts)
			iv.log.Debug("transient failure, backing off",
				logx.String("key", key),
				logx.Int("attempt", attempts),
				logx.Duration("delay", delay),
				logx.Err(err))
			if serr := iv.sleep(ctx, pol.Stop, delay); serr != nil {
				return attempts, serr
			}
		}
	}
}

// backoff returns BackoffBase * 2^(attempt-1) + rand(0, BackoffBase/2).
// With the default 1s base that is 1s/2s/4s, matching the legacy policy.
func (iv *Invoker) backoff(pol Policy, attempt int) time.Duration {
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(pol.BackoffBase) * mult)
	d += time.Duration(iv.randFloat() * float64(pol.BackoffBase) / 2)
	return d
}
