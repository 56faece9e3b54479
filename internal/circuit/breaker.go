// Package circuit implements the per-trader loss circuit breaker: when
// cumulative realized PnL in basis points breaches the configured floor,
// the trader pauses; at the end of the pause the breach is re-checked and
// the pause renews if still standing.
package circuit

import (
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed BreakerState = "closed" // normal operation
	StateOpen   BreakerState = "open"   // entries halted
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled         bool    `json:"enabled"`
	MaxLossBps      float64 `json:"max_loss_bps"`
	CircuitPauseSec float64 `json:"circuit_pause_sec"`
}

// Breaker trips on cumulative realized loss. One instance per trader.
type Breaker struct {
	mu sync.Mutex

	cfg        Config
	state      BreakerState
	pausedUntil time.Time
	trips      int
	onTrip     func(cumBps float64)
}

// NewBreaker creates a breaker. A zero MaxLossBps disables tripping.
func NewBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// OnTrip registers a callback invoked when the breaker opens.
func (b *Breaker) OnTrip(fn func(cumBps float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// Check evaluates the breaker against the trader's cumulative realized PnL
// in bps. Returns false while paused. An expired pause re-evaluates the
// breach and re-pauses when it still stands.
func (b *Breaker) Check(cumPnLBps float64, now time.Time) bool {
	if !b.cfg.Enabled || b.cfg.MaxLossBps <= 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if now.Before(b.pausedUntil) {
			return false
		}
		if cumPnLBps < -b.cfg.MaxLossBps {
			// Still in breach: renew the pause.
			b.pausedUntil = now.Add(time.Duration(b.cfg.CircuitPauseSec * float64(time.Second)))
			b.trips++
			return false
		}
		b.state = StateClosed
		return true
	}

	if cumPnLBps < -b.cfg.MaxLossBps {
		b.state = StateOpen
		b.pausedUntil = now.Add(time.Duration(b.cfg.CircuitPauseSec * float64(time.Second)))
		b.trips++
		if b.onTrip != nil {
			go b.onTrip(cumPnLBps)
		}
		return false
	}
	return true
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// PausedUntil returns the end of the current pause (zero when closed).
func (b *Breaker) PausedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return time.Time{}
	}
	return b.pausedUntil
}

// Trips returns how many times the breaker has opened or renewed.
func (b *Breaker) Trips() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}
