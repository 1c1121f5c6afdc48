package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterSweepAt = 10000
	limiterIdle    = 10 * time.Minute
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiters hands out one token bucket per user id.
type userLimiters struct {
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	users   map[string]*userLimiter
	nowFunc func() time.Time
}

func newUserLimiters(perSec float64, burst int) *userLimiters {
	if burst < 1 {
		burst = 1
	}
	return &userLimiters{
		rate:    rate.Limit(perSec),
		burst:   burst,
		users:   make(map[string]*userLimiter),
		nowFunc: time.Now,
	}
}

// Allow reports whether userID may submit now.
func (l *userLimiters) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	u, ok := l.users[userID]
	if !ok {
		if len(l.users) >= limiterSweepAt {
			l.sweepLocked(now)
		}
		u = &userLimiter{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	return u.limiter.AllowN(now, 1)
}

func (l *userLimiters) sweepLocked(now time.Time) {
	for id, u := range l.users {
		if now.Sub(u.lastSeen) > limiterIdle {
			delete(l.users, id)
		}
	}
}

func (l *userLimiters) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
