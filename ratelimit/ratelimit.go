// Package ratelimit throttles WebSocket upgrade requests per client using
// token buckets from golang.org/x/time/rate.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default limits.
const (
	DefaultMaxClients = 10000
	DefaultIdleTTL    = 5 * time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-client token buckets.
//
// Each client starts with burst tokens that refill at limit per second.
// Buckets idle for longer than the TTL are dropped by Sweep.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*bucket
	limit      rate.Limit
	burst      int
	maxClients int
	ttl        time.Duration

	now func() time.Time
}

// NewLimiter creates a per-client limiter. maxClients <= 0 selects
// DefaultMaxClients.
func NewLimiter(limit rate.Limit, burst, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Limiter{
		buckets:    make(map[string]*bucket),
		limit:      limit,
		burst:      burst,
		maxClients: maxClients,
		ttl:        DefaultIdleTTL,
		now:        time.Now,
	}
}

// Allow reports whether a request from client may proceed now. When it may
// not, the returned duration is how long until a token is available.
func (l *Limiter) Allow(client string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[client]
	if !ok {
		if len(l.buckets) >= l.maxClients {
			l.sweepLocked(now)
		}
		if len(l.buckets) >= l.maxClients {
			// Table full of active clients: refuse until some go idle.
			return false, time.Second
		}
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[client] = b
	}
	b.lastSeen = now

	if b.limiter.AllowN(now, 1) {
		return true, 0
	}

	// Peek at the wait without consuming the token.
	r := b.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sweep drops buckets idle for longer than the TTL.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
}

func (l *Limiter) sweepLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}
