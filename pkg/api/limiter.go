package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SendLimiter applies a token bucket per user and evicts idle users every
// few hundred calls. A nil *SendLimiter allows everything.
type SendLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byUser map[string]*limiterEntry
	hits   uint64
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSendLimiter returns nil when perSecond or burst is not positive.
func NewSendLimiter(perSecond float64, burst int) *SendLimiter {
	if perSecond <= 0 || burst <= 0 {
		return nil
	}
	return &SendLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byUser:  make(map[string]*limiterEntry),
	}
}

func (l *SendLimiter) Allow(userId string, now time.Time) bool {
	if l == nil || userId == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byUser[userId]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byUser[userId] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for id, v := range l.byUser {
			if v.lastSeen.Before(cutoff) {
				delete(l.byUser, id)
			}
		}
	}

	return allowed
}
