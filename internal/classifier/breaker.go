package classifier

import (
	"sync"
	"time"
)

// BreakerConfig tunes the consecutive-failure breaker in front of the
// backend. TripFailures < 0 disables it; zero values take defaults.
type BreakerConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

func (c BreakerConfig) effective() BreakerConfig {
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

// breaker opens after TripFailures consecutive failures for an
// exponentially growing cooldown capped at MaxDelay. A success closes it.
type breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg.effective()}
}

func (b *breaker) apply(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.effective()
	b.mu.Unlock()
}

func (b *breaker) isOpen(now time.Time) (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.TripFailures < 0 {
		return false, time.Time{}
	}
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return true, b.openUntil
	}
	return false, time.Time{}
}

func (b *breaker) record(now time.Time, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cfg.TripFailures < 0 {
		return
	}
	b.expireLocked(now)
	if !failed {
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
	for i := 0; i < b.fails-b.cfg.TripFailures; i++ {
		d *= 2
		if d >= b.cfg.MaxDelay {
			break
		}
	}
	if d > b.cfg.MaxDelay {
		d = b.cfg.MaxDelay
	}
	b.openUntil = now.Add(d)
}

func (b *breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) > b.cfg.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
