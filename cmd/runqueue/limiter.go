package main

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// claimLimiter throttles claim polling per worker. Idle entries are dropped
// on access once they have not been used for idleTTL.
type claimLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time
	workers map[string]*workerLimiter
}

type workerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newClaimLimiter returns nil when rps is not positive, which disables throttling.
func newClaimLimiter(rps float64, burst int) *claimLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &claimLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		workers: make(map[string]*workerLimiter),
	}
}

func (l *claimLimiter) Allow(workerID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, wl := range l.workers {
		if now.Sub(wl.lastSeen) > l.idleTTL {
			delete(l.workers, id)
		}
	}
	wl, ok := l.workers[workerID]
	if !ok {
		wl = &workerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.workers[workerID] = wl
	}
	wl.lastSeen = now
	return wl.limiter.AllowN(now, 1)
}
