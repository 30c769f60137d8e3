// Package ratelimit caps claim attempts per caller identity so a
// misbehaving client cannot hammer the settlement path.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of one claim-attempt check.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter answers whether a caller may attempt another claim within the
// current window.
type Limiter interface {
	Allow(caller string, limit int) Decision
}

// InMemoryLimiter keeps one fixed attempt window per caller. It is the
// single-replica implementation and the fallback when redis is down.
type InMemoryLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	callers map[string]*attemptWindow
}

type attemptWindow struct {
	attempts int
	resetAt  time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window:  window,
		callers: make(map[string]*attemptWindow),
	}
}

func (l *InMemoryLimiter) Allow(caller string, limit int) Decision {
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)
	win, ok := l.callers[caller]
	if !ok || now.After(win.resetAt) {
		win = &attemptWindow{resetAt: now.Add(l.window)}
		l.callers[caller] = win
	}
	win.attempts++
	return decide(win.attempts, limit, win.resetAt)
}

// sweepLocked drops expired windows so idle callers do not accumulate.
func (l *InMemoryLimiter) sweepLocked(now time.Time) {
	for caller, win := range l.callers {
		if now.After(win.resetAt) {
			delete(l.callers, caller)
		}
	}
}

func decide(attempts, limit int, resetAt time.Time) Decision {
	if limit <= 0 {
		limit = 1
	}
	remaining := limit - attempts
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   attempts <= limit,
		Count:     attempts,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
