// Package rate is a fixed-window in-memory request limiter, sized for a
// single-process deployment.
package rate

import (
	"sync"
	"time"
)

type window struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	mu      sync.Mutex
	windows map[string]window
	sweepAt time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{windows: map[string]window{}, sweepAt: time.Now().UTC().Add(time.Minute)}
}

// Allow records one hit against key and reports whether it fits inside
// limit per windowLen.
func (l *Limiter) Allow(key string, limit int, windowLen time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now().UTC()
	if now.After(l.sweepAt) {
		for k, w := range l.windows {
			if now.After(w.resetAt) {
				delete(l.windows, k)
			}
		}
		l.sweepAt = now.Add(time.Minute)
	}
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		l.windows[key] = window{count: 1, resetAt: now.Add(windowLen)}
		return true
	}
	if w.count >= limit {
		return false
	}
	w.count++
	l.windows[key] = w
	return true
}
