// Package resilience keeps transcription available when a remote backend
// degrades: [Breaker] trips an engine out of rotation after consecutive
// failures, and [EngineFallback] routes around tripped engines toward a
// healthy backend. Breaker trips are recorded as gateway metrics, and the
// fallback chain exposes a readiness check so a gateway with no available
// engine reports unready.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tessira/echogate/internal/observe"
)

// ErrOpen is returned by [Breaker.Do] while the breaker is open and not yet
// willing to probe.
var ErrOpen = errors.New("resilience: circuit open")

// BreakerState is a [Breaker]'s operating mode.
type BreakerState int

const (
	// BreakerClosed is the normal state: calls pass through.
	BreakerClosed BreakerState = iota

	// BreakerOpen rejects calls with [ErrOpen] until the cooldown elapses.
	BreakerOpen

	// BreakerHalfOpen admits one probe call whose outcome decides whether
	// the breaker closes again or re-opens.
	BreakerHalfOpen
)

// String returns the human-readable name of the state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker]. Zero-value fields take
// defaults: 3 trip failures and a 15 s cooldown — transcription packets are
// short-lived, so a tripped engine gets retried quickly rather than parking
// whole sessions behind a long outage window.
type BreakerConfig struct {
	// Name labels the breaker in logs and in the trip metric.
	Name string

	// TripAfter is the number of consecutive failures that opens the breaker.
	TripAfter int

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration

	// Metrics, when set, records every trip to
	// [observe.Metrics.BreakerTrips].
	Metrics *observe.Metrics
}

// Breaker trips an engine out of rotation after consecutive failures.
// After the cooldown it admits exactly one in-flight probe: a successful
// probe closes the breaker, a failed one restarts the cooldown. The
// single-probe rule matters here because every admitted call burns a slot
// under the dispatcher's global concurrency cap — a burst of probes against
// a dead backend would starve healthy users' tasks.
type Breaker struct {
	name      string
	tripAfter int
	cooldown  time.Duration
	metrics   *observe.Metrics
	now       func() time.Time // injectable for tests

	mu       sync.Mutex
	open     bool
	probing  bool
	failures int
	openedAt time.Time
}

// NewBreaker creates a [Breaker] from cfg, filling defaults for zero fields.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.TripAfter <= 0 {
		cfg.TripAfter = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Second
	}
	return &Breaker{
		name:      cfg.Name,
		tripAfter: cfg.TripAfter,
		cooldown:  cfg.Cooldown,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Do runs fn if the breaker admits the call. Open breakers return [ErrOpen]
// without calling fn until the cooldown elapses; then one probe at a time
// is let through.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	probe := false
	if b.open {
		if b.probing || b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
		probe = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case err == nil:
		if probe {
			slog.Info("engine recovered, circuit closed", "breaker", b.name)
		}
		b.open = false
		b.probing = false
		b.failures = 0

	case probe:
		// The backend is still down; restart the cooldown.
		b.probing = false
		b.openedAt = b.now()
		b.trip("probe failed")

	default:
		b.failures++
		if b.failures >= b.tripAfter && !b.open {
			b.open = true
			b.openedAt = b.now()
			b.trip("consecutive failures")
		}
	}
	return err
}

// trip logs and records a breaker opening. Must be called with b.mu held.
func (b *Breaker) trip(cause string) {
	slog.Warn("circuit opened", "breaker", b.name, "cause", cause, "failures", b.failures)
	if b.metrics != nil {
		b.metrics.RecordBreakerTrip(context.Background(), b.name)
	}
}

// State returns the breaker's current state. An open breaker whose cooldown
// has elapsed reports half-open; the probe itself happens on the next
// [Breaker.Do]. The readiness check treats half-open as available.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case !b.open:
		return BreakerClosed
	case !b.probing && b.now().Sub(b.openedAt) >= b.cooldown:
		return BreakerHalfOpen
	default:
		return BreakerOpen
	}
}
