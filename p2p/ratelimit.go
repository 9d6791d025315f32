package p2p

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const acceptLimiterIdleTTL = 10 * time.Minute

type acceptEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// acceptLimiter throttles how often a single remote address may open inbound sockets.
type acceptLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	visitors map[string]*acceptEntry
	lastGC   time.Time
}

func newAcceptLimiter(perSecond float64, burst int) *acceptLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &acceptLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*acceptEntry),
	}
}

func (l *acceptLimiter) allow(addr string, now time.Time) bool {
	if l == nil || addr == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastGC) > acceptLimiterIdleTTL {
		for key, entry := range l.visitors {
			if now.Sub(entry.lastSeen) > acceptLimiterIdleTTL {
				delete(l.visitors, key)
			}
		}
		l.lastGC = now
	}

	entry, ok := l.visitors[addr]
	if !ok {
		entry = &acceptEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[addr] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
