// Package ratelimit bounds request rate per client key with token buckets.
package ratelimit

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// CheckResult is the outcome of a rate limit check.
type CheckResult struct {
	Exceeded   bool
	Key        string
	RetryAfter time.Duration
	Reason     string
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, at least one.
func (r CheckResult) RetryAfterSeconds() int {
	s := int(math.Ceil(r.RetryAfter.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

// Limiter keeps one token bucket per key. Idle keys are swept lazily on
// later checks, so no background goroutine is needed.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

// New builds a limiter. A disabled config yields a limiter that always allows.
func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg, now: time.Now, visitors: make(map[string]*visitor)}
}

// WithClock overrides the time source.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Check consumes one token for key.
func (l *Limiter) Check(key string) CheckResult {
	if l == nil || !l.cfg.Enabled() {
		return CheckResult{Key: key}
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)
	lim := l.visitor(key, now)

	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return CheckResult{Exceeded: true, Key: key, Reason: "burst is zero"}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return CheckResult{
			Exceeded:   true,
			Key:        key,
			RetryAfter: delay,
			Reason: fmt.Sprintf("rate limit exceeded: %.0f requests/s, burst %d",
				l.cfg.RequestsPerSecond, l.cfg.Burst),
		}
	}
	return CheckResult{Key: key}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}
