// Package ratelimit implements the process-local fixed-window counter that
// guards visit recording against reload storms.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultMaxRequests = 10
	DefaultWindow      = time.Minute
)

// Options configures a Limiter. Zero values fall back to the defaults.
type Options struct {
	MaxRequests int
	Window      time.Duration
	Now         func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

type key struct {
	identifier string
	page       string
}

// Limiter counts hits per (identifier, page) key. A single mutex guards the
// map so check-and-increment is atomic per key.
type Limiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
}

func New(opts Options) *Limiter {
	if opts.MaxRequests <= 0 {
		opts.MaxRequests = DefaultMaxRequests
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Limiter{
		max:     opts.MaxRequests,
		window:  opts.Window,
		now:     opts.Now,
		entries: make(map[key]*entry),
	}
}

// Allow records a hit for (identifier, page) and reports whether it is within
// the limit. Once MaxRequests hits have been seen in the current window every
// further call returns false until the window resets.
func (l *Limiter) Allow(identifier, page string) bool {
	now := l.now()
	k := key{identifier: identifier, page: page}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[k]
	if !ok || now.After(e.resetAt) {
		l.entries[k] = &entry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if e.count >= l.max {
		return false
	}
	e.count++
	return true
}

// Sweep drops entries whose window has elapsed and returns how many were
// removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, e := range l.entries {
		if now.After(e.resetAt) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
