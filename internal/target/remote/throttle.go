package remote

import (
	"sync"
	"time"
)

// Limiter is a process-local token-bucket rate limiter keyed by an
// arbitrary string — here, a remote IP address (spec §4.4's
// "per-remote-IP throttle" step). This duplicates internal/queue's
// Limiter of the same shape: internal/queue already imports this
// package for Target/Attempt/RcptOutcome, so importing it back here
// would be a cycle.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewLimiter builds a limiter allowing up to burst immediate events and
// refilling at rate events/sec thereafter.
func NewLimiter(rate, burst float64) *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), rate: rate, burst: burst}
}

// Allow reports whether one event under key may proceed now, consuming
// a token if so.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: l.burst, lastRefill: now}
		l.buckets[key] = b
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
