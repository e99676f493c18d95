package platform

import (
	"sync"
	"time"
)

// BreakerConfig configures a consecutive-failure circuit breaker.
// TripFailures < 0 disables it; zero values take defaults.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.TripFailures == 0 {
		c.TripFailures = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = 5 * time.Minute
	}
	return c
}

// breaker opens after TripFailures consecutive failures, for a cooldown that
// doubles with every further failure up to MaxDelay. A success closes it.
type breaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.withDefaults()}
}

func (b *breaker) enabled() bool { return b != nil && b.cfg.TripFailures > 0 }

// resetIfStaleLocked forgets failures older than ResetAfter.
func (b *breaker) resetIfStaleLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}

// Open reports whether calls are currently rejected and until when.
func (b *breaker) Open(now time.Time) (bool, time.Time) {
	if !b.enabled() {
		return false, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfStaleLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) Record(now time.Time, err error) {
	if !b.enabled() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resetIfStaleLocked(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.cfg.TripFailures {
		return
	}
	d := b.cfg.BaseDelay
	for i := 0; i < b.fails-b.cfg.TripFailures && d < b.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
}
