// Package ratelimit gates outbound calls per destination key with a token
// bucket: bursts up to a capacity, steady-state refill at a fixed rate.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config controls bucket shape. Every key gets an independent bucket with
// the same shape.
type Config struct {
	// Rate is the refill speed in tokens per second.
	Rate float64
	// Burst is the bucket capacity.
	Burst int
	// MaxJitter is added on top of any wait to avoid synchronized retries
	// across workers. Zero disables jitter (tests).
	MaxJitter time.Duration
}

func (c Config) withDefaults() Config {
	if c.Rate <= 0 {
		c.Rate = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}

// Limiter holds one token bucket per destination key.
//
// Safe for concurrent use. Buckets are created lazily and never expire;
// the key space (destination chats) is small.
type Limiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg.withDefaults(),
		buckets: map[string]*rate.Limiter{},
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[key]
	if b == nil {
		b = rate.NewLimiter(rate.Limit(l.cfg.Rate), l.cfg.Burst)
		l.buckets[key] = b
	}
	return b
}

func (l *Limiter) jitter() time.Duration {
	if l.cfg.MaxJitter <= 0 {
		return 0
	}
	l.rngMu.Lock()
	d := time.Duration(l.rng.Int63n(int64(l.cfg.MaxJitter)))
	l.rngMu.Unlock()
	return d
}

// Acquire blocks until one token is available for key, then debits it.
// Returns early with the context error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	b := l.bucket(key)

	r := b.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	delay += l.jitter()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Tokens reports the current token count for key (diagnostics only).
func (l *Limiter) Tokens(key string) float64 {
	return l.bucket(key).Tokens()
}
