package gate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/careloop/careloop/internal/metrics"
)

// Breaker defaults.
const (
	DefaultBreakerThreshold = 3
	DefaultBreakerWindow    = 60 * time.Second
)

// Breaker is a circuit breaker over generator failures. Once the failure
// count within the rolling window reaches the threshold, it opens for one
// window length and every render is forced onto the canned-fallback path.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	failures  []time.Time
	openUntil time.Time
	now       func() time.Time
}

// NewBreaker creates a breaker with the given threshold and rolling window.
func NewBreaker(threshold int, window time.Duration) *Breaker {
	return &Breaker{threshold: threshold, window: window, now: time.Now}
}

// Open reports whether the breaker currently forces the fallback path.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.openUntil)
}

// Failure records one generator failure and opens the breaker when the
// rolling-window count reaches the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.prune(now)
	b.failures = append(b.failures, now)
	if len(b.failures) >= b.threshold && !now.Before(b.openUntil) {
		b.openUntil = now.Add(b.window)
		b.failures = b.failures[:0]
		metrics.BreakerOpensTotal.Inc()
		slog.Error("generator circuit breaker opened", "threshold", b.threshold, "cooldown", b.window)
	}
}

// Success clears the accumulated failures.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = b.failures[:0]
}

func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = kept
}
