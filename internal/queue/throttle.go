package queue

import (
	"sync"
	"time"
)

// throttleKey identifies one rate-limit bucket: a sender, a destination
// domain, or a remote IP, per spec §4.4's "apply sender rate-limit" and
// "per-remote-IP throttle" steps. The Rust original names this concern
// queue::throttle::IsAllowed; that module's source was not present in the
// retrieved pack, so this bucket is a from-scratch in-memory token
// bucket, standard-library only (justified in DESIGN.md: pure counters
// with no I/O or persistence requirement — a throttle only needs to
// survive this process's own lifetime).
type throttleKey string

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// Limiter is a process-local token-bucket rate limiter keyed by an
// arbitrary string (sender address, recipient domain, or remote IP).
type Limiter struct {
	mu      sync.Mutex
	buckets map[throttleKey]*bucket
	rate    float64 // tokens added per second
	burst   float64
}

// NewLimiter builds a limiter allowing up to burst immediate events and
// refilling at rate events/sec thereafter.
func NewLimiter(rate, burst float64) *Limiter {
	return &Limiter{buckets: make(map[throttleKey]*bucket), rate: rate, burst: burst}
}

// Allow reports whether one event under key may proceed now, consuming a
// token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := throttleKey(key)
	b, ok := l.buckets[k]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[k] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastRefill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RetryAt estimates when key will next have an available token, used to
// set a deferred task's due time on throttle deny.
func (l *Limiter) RetryAt(key string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[throttleKey(key)]
	if !ok || l.rate <= 0 {
		return time.Now().Add(time.Second)
	}
	need := 1 - b.tokens
	if need <= 0 {
		return time.Now()
	}
	return time.Now().Add(time.Duration(need/l.rate*float64(time.Second)) + time.Second)
}
