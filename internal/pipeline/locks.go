package pipeline

import (
	"sync"
	"time"

	"github.com/careloop/careloop/internal/metrics"
)

// lockIdleTTL bounds how long an unused per-user lock stays resident.
const lockIdleTTL = 10 * time.Minute

type lockEntry struct {
	mu       sync.Mutex
	inflight int
	lastUsed time.Time
}

// userLocks serializes message processing per user. Different users proceed
// in parallel; idle entries are evicted to bound memory.
type userLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
	ttl     time.Duration
	now     func() time.Time
}

func newUserLocks(ttl time.Duration) *userLocks {
	return &userLocks{
		entries: make(map[string]*lockEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (l *userLocks) lock(userID string) {
	l.mu.Lock()
	e, ok := l.entries[userID]
	if !ok {
		e = &lockEntry{}
		l.entries[userID] = e
		metrics.ActiveLocks.Set(float64(len(l.entries)))
	}
	e.inflight++
	e.lastUsed = l.now()
	l.mu.Unlock()

	e.mu.Lock()
}

func (l *userLocks) unlock(userID string) {
	l.mu.Lock()
	e := l.entries[userID]
	l.mu.Unlock()
	if e == nil {
		return
	}
	e.mu.Unlock()

	l.mu.Lock()
	e.inflight--
	e.lastUsed = l.now()
	l.mu.Unlock()
}

// evictIdle drops entries with no holder that have been unused past the TTL.
func (l *userLocks) evictIdle() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.ttl)
	evicted := 0
	for id, e := range l.entries {
		if e.inflight == 0 && e.lastUsed.Before(cutoff) {
			delete(l.entries, id)
			evicted++
		}
	}
	metrics.ActiveLocks.Set(float64(len(l.entries)))
	return evicted
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
