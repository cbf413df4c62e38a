package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a rate check. RetryAfter is only meaningful
// when Allowed is false.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter enforces at most Max requests per rolling Window per user. The
// request log is in-memory and advisory: it guards user experience, not
// money, and shares no lock with the ledger engine.
type Limiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[int64][]time.Time
	now     func() time.Time
}

func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		entries: make(map[int64][]time.Time),
		now:     time.Now,
	}
}

// CheckAndRecord expires old entries, counts the remainder and, when under
// the limit, records the new request. When over the limit it reports how
// long until the oldest in-window entry expires.
func (l *Limiter) CheckAndRecord(userID int64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.entries[userID][:0]
	for _, ts := range l.entries[userID] {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}

	if len(recent) >= l.max {
		l.entries[userID] = recent
		retry := l.window
		if len(recent) > 0 {
			retry = recent[0].Add(l.window).Sub(now)
		}
		if retry < time.Second {
			retry = time.Second
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}

	l.entries[userID] = append(recent, now)
	return Decision{Allowed: true}
}
