package ratelimit

import (
	"context"
	"sync"
	"time"
)

// entry is a fixed-window counter for one key. Created lazily on the
// first request of a window and rolled forward once now >= windowEnd.
type entry struct {
	requestCount int
	tokenCount   int
	windowStart  time.Time
	windowEnd    time.Time
	blocked      bool
	blockedUntil time.Time
	inflight     int
}

// MemoryLimiter is the in-process fixed-window limiter. All entry
// mutation happens under one mutex, so increment-and-check is atomic.
type MemoryLimiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	window  time.Duration
	now     func() time.Time
}

func NewMemoryLimiter(window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		entries: make(map[string]*entry),
		window:  window,
		now:     time.Now,
	}
}

// roll lazily creates or advances the window for key. Caller holds mu.
func (l *MemoryLimiter) roll(key string, now time.Time) *entry {
	e, ok := l.entries[key]
	if !ok {
		e = &entry{windowStart: now, windowEnd: now.Add(l.window)}
		l.entries[key] = e
		return e
	}
	if !now.Before(e.windowEnd) {
		e.requestCount = 0
		e.tokenCount = 0
		e.windowStart = now
		e.windowEnd = now.Add(l.window)
		e.blocked = false
		e.blockedUntil = time.Time{}
	}
	return e
}

func (l *MemoryLimiter) Admit(ctx context.Context, key string, limit, concurrency, estimatedTokens int) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.roll(key, now)

	if concurrency > 0 && e.inflight >= concurrency {
		return Decision{Allowed: false, Remaining: remaining(limit, e.requestCount), RetryAfterMs: concurrencyRetryMs}, nil
	}

	if e.requestCount >= limit {
		e.blocked = true
		e.blockedUntil = e.windowEnd
		retry := e.windowEnd.Sub(now).Milliseconds()
		if retry < 1 {
			retry = 1
		}
		return Decision{Allowed: false, Remaining: remaining(limit, e.requestCount), RetryAfterMs: retry}, nil
	}

	e.requestCount++
	e.tokenCount += estimatedTokens
	e.inflight++
	return Decision{Allowed: true, Remaining: remaining(limit, e.requestCount)}, nil
}

func (l *MemoryLimiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok && e.inflight > 0 {
		e.inflight--
	}
}

func (l *MemoryLimiter) Observed(ctx context.Context, key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		return 0
	}
	if !l.now().Before(e.windowEnd) {
		return 0
	}
	return e.requestCount
}

// GC drops entries whose window closed more than one window ago and
// that have no in-flight calls. Run periodically by the job scheduler.
func (l *MemoryLimiter) GC() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	dropped := 0
	for key, e := range l.entries {
		if e.inflight == 0 && now.After(e.windowEnd.Add(l.window)) {
			delete(l.entries, key)
			dropped++
		}
	}
	return dropped
}

func remaining(limit, used int) int {
	r := limit - used
	if r < 0 {
		return 0
	}
	return r
}
