package grid

import (
	"math"
	"time"
)

// RuntimeSnapshot is the persisted per-symbol trading state. Everything a
// restart needs to resume mid-grid round-trips through it; diagnostic
// context (spread history, vol baseline) is saved for inspection but
// deliberately rebuilt from live data after a restore.
type RuntimeSnapshot struct {
	Symbol       string  `json:"symbol"`
	EntryEnabled bool    `json:"entry_enabled"`
	Layers       []Layer `json:"layers"`

	LastEntryTs   float64 `json:"last_entry_ts"`
	CooldownUntil float64 `json:"cooldown_until"`
	EscalationIdx int     `json:"escalation_idx"`

	RecoveryDebt      float64   `json:"recovery_debt"`
	LastRecoveryAddTs float64   `json:"last_recovery_add_ts"`
	RecoveryAddTs     []float64 `json:"recovery_add_ts,omitempty"`

	SessionTrades         int     `json:"session_trades"`
	SessionWins           int     `json:"session_wins"`
	CumPnLUSD             float64 `json:"cum_pnl_usd"`
	CumPnLBps             float64 `json:"cum_pnl_bps"`
	CumFees               float64 `json:"cum_fees"`
	SessionClosedNotional float64 `json:"session_closed_notional"`

	CloseBpsSamples []float64 `json:"close_bps_samples,omitempty"`
	ExitSlipSamples []float64 `json:"exit_slip_samples,omitempty"`

	Inverse InverseState `json:"inverse_tp"`

	SpreadHistory  []float64 `json:"spread_history,omitempty"`
	MedianSpread   float64   `json:"median_spread,omitempty"`
	VolBaselineBps float64   `json:"vol_baseline_bps,omitempty"`

	SavedAtMs int64 `json:"saved_at_ms"`
}

// RecoverySnapshot is the long-lived cross-session ledger, persisted
// separately from the runtime state so it survives full resets.
type RecoverySnapshot struct {
	AdoptionTs            float64   `json:"adoption_ts,omitempty"`
	RecoveryDebt          float64   `json:"recovery_debt"`
	LastRecoveryAddTs     float64   `json:"last_recovery_add_ts"`
	RecoveryAddTs         []float64 `json:"recovery_add_ts,omitempty"`
	SessionTrades         int       `json:"session_trades"`
	SessionPnLUSD         float64   `json:"session_pnl_usd"`
	SessionClosedNotional float64   `json:"session_closed_notional"`
	SavedAtMs             int64     `json:"saved_at_ms"`
}

// Snapshot captures the current runtime state.
func (t *Trader) Snapshot() RuntimeSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	layers := make([]Layer, len(t.layers))
	copy(layers, t.layers)

	var spreads []float64
	if t.spreadLen > 0 {
		n := t.spreadLen
		if n > 240 {
			n = 240
		}
		spreads = make([]float64, 0, n)
		for i := 0; i < n; i++ {
			idx := (t.spreadIdx - n + i + spreadRingSize) % spreadRingSize
			spreads = append(spreads, t.spreadRing[idx])
		}
	}

	inv := t.inv
	inv.ZonesBps = append([]float64(nil), t.inv.ZonesBps...)

	return RuntimeSnapshot{
		Symbol:                t.Symbol,
		EntryEnabled:          t.entryEnabled,
		Layers:                layers,
		LastEntryTs:           t.lastEntryTs,
		CooldownUntil:         t.cooldownUntil,
		EscalationIdx:         t.escalationIdx,
		RecoveryDebt:          t.recoveryDebt,
		LastRecoveryAddTs:     t.lastRecoveryAddTs,
		RecoveryAddTs:         append([]float64(nil), t.recoveryAddTs...),
		SessionTrades:         t.sessionTrades,
		SessionWins:           t.sessionWins,
		CumPnLUSD:             t.cumPnLUSD,
		CumPnLBps:             t.cumPnLBps,
		CumFees:               t.cumFees,
		SessionClosedNotional: t.sessionClosedNotional,
		CloseBpsSamples:       append([]float64(nil), t.closeBpsSamples...),
		ExitSlipSamples:       append([]float64(nil), t.exitSlipSamples...),
		Inverse:               inv,
		SpreadHistory:         spreads,
		MedianSpread:          t.medianSpread,
		VolBaselineBps:        t.volSnap.BaselineBps,
		SavedAtMs:             time.Now().UnixMilli(),
	}
}

// Restore rebuilds the trader from a persisted snapshot. Market-derived
// context (spread history, vol snapshot) is intentionally not restored:
// the trader re-warms on live data instead, and the resume rewarm window
// keeps it from acting on a stale picture.
func (t *Trader) Restore(s RuntimeSnapshot, now float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entryEnabled = s.EntryEnabled
	t.layers = append([]Layer(nil), s.Layers...)
	t.recalcTotals()
	t.lastEntryTs = s.LastEntryTs
	t.cooldownUntil = s.CooldownUntil
	t.escalationIdx = s.EscalationIdx
	t.recoveryDebt = s.RecoveryDebt
	t.lastRecoveryAddTs = s.LastRecoveryAddTs
	t.recoveryAddTs = append([]float64(nil), s.RecoveryAddTs...)
	t.sessionTrades = s.SessionTrades
	t.sessionWins = s.SessionWins
	t.cumPnLUSD = s.CumPnLUSD
	t.cumPnLBps = s.CumPnLBps
	t.cumFees = s.CumFees
	t.sessionClosedNotional = s.SessionClosedNotional
	t.closeBpsSamples = append([]float64(nil), s.CloseBpsSamples...)
	t.exitSlipSamples = append([]float64(nil), s.ExitSlipSamples...)
	t.inv = s.Inverse
	t.inv.PendingBatch = 0

	t.pendingOrder = false
	t.pendingExit = false
	t.pendingFillLayer = -1
	t.spreadLen = 0
	t.spreadIdx = 0
	t.medianSpread = 0
	t.lastMedianTs = 0

	t.rewarmUntil = now + t.cfg.SignalConfig.ResumeContextRewarmSec

	t.log.Info("runtime state restored",
		"layers", len(t.layers),
		"avg_entry", t.avgEntry,
		"debt", t.recoveryDebt,
		"rewarm_until", t.rewarmUntil)
}

// RecoverySnap captures the cross-session ledger.
func (t *Trader) RecoverySnap() RecoverySnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return RecoverySnapshot{
		AdoptionTs:            t.adoptionTs,
		RecoveryDebt:          t.recoveryDebt,
		LastRecoveryAddTs:     t.lastRecoveryAddTs,
		RecoveryAddTs:         append([]float64(nil), t.recoveryAddTs...),
		SessionTrades:         t.sessionTrades,
		SessionPnLUSD:         t.cumPnLUSD,
		SessionClosedNotional: t.sessionClosedNotional,
		SavedAtMs:             time.Now().UnixMilli(),
	}
}

// RestoreRecovery seeds the ledger from a persisted recovery snapshot.
// Only used when no runtime snapshot exists.
func (t *Trader) RestoreRecovery(s RecoverySnapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adoptionTs = s.AdoptionTs
	t.recoveryDebt = s.RecoveryDebt
	t.lastRecoveryAddTs = s.LastRecoveryAddTs
	t.recoveryAddTs = append([]float64(nil), s.RecoveryAddTs...)
}

// SyncWithExchange reconciles local layers with the exchange position.
// A flat exchange wins: local state resets. A mismatched position is
// rebuilt as a synthetic reverse grid at the exchange entry price so
// exits and averaging keep working against real exposure.
func (t *Trader) SyncWithExchange(exchangeQty, exchangeEntry float64, now float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if exchangeQty <= 0 || exchangeEntry <= 0 {
		if len(t.layers) > 0 {
			t.log.Warn("exchange flat, resetting local grid", "layers", len(t.layers))
		}
		t.resetInverseTP()
		t.resetPosition()
		return
	}

	t.adoptSyntheticGrid(exchangeQty, exchangeEntry, now)
}

// AdoptPosition builds local state for an exchange position found at
// startup that the runtime has no record of. Entries stay disabled until
// the operator re-enables them; exits manage the position down.
func (t *Trader) AdoptPosition(exchangeQty, exchangeEntry float64, now float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.adoptSyntheticGrid(exchangeQty, exchangeEntry, now)
	t.entryEnabled = false
	t.adoptionTs = now
	t.log.Warn("orphan position adopted",
		"qty", exchangeQty,
		"entry", exchangeEntry,
		"layers", len(t.layers))
}

// SessionSizing is the notional ladder an existing position was built
// with. Drift synthesis uses it instead of the live grid config so a
// config change between sessions cannot misshape the rebuilt layers.
type SessionSizing struct {
	MinNotional float64
	MaxNotional float64
	SizeGrowth  float64
	MaxLayers   int
}

// SetSessionSizing pins the sizing used for synthetic grid rebuilds.
// Invalid sizing is ignored and the live config keeps applying.
func (t *Trader) SetSessionSizing(s SessionSizing) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s.MinNotional <= 0 || s.MaxNotional < s.MinNotional || s.MaxLayers < 1 {
		return
	}
	t.sessionSizing = &s
}

// adoptSyntheticGrid reverse-engineers a plausible layer split for the
// given exposure: geometric layer notionals matching the sizing the
// position was opened under, normalized onto the real notional, all at
// the exchange entry price. Caller holds t.mu.
func (t *Trader) adoptSyntheticGrid(exchangeQty, exchangeEntry float64, now float64) {
	gc := SessionSizing{
		MinNotional: t.cfg.GridConfig.MinNotional,
		MaxNotional: t.cfg.GridConfig.MaxNotional,
		SizeGrowth:  t.cfg.GridConfig.SizeGrowth,
		MaxLayers:   t.cfg.GridConfig.MaxLayers,
	}
	if t.sessionSizing != nil {
		gc = *t.sessionSizing
	}
	notional := exchangeQty * exchangeEntry

	n := 1
	cum := 0.0
	for i := 0; i < gc.MaxLayers; i++ {
		step := gc.MinNotional * math.Pow(gc.SizeGrowth, float64(i))
		if step > gc.MaxNotional {
			step = gc.MaxNotional
		}
		cum += step
		if cum >= notional*0.95 {
			n = i + 1
			break
		}
		n = i + 1
	}

	weights := make([]float64, n)
	var wsum float64
	for i := range weights {
		w := gc.MinNotional * math.Pow(gc.SizeGrowth, float64(i))
		if w > gc.MaxNotional {
			w = gc.MaxNotional
		}
		weights[i] = w
		wsum += w
	}

	t.layers = t.layers[:0]
	for i := 0; i < n; i++ {
		layerQty := exchangeQty * weights[i] / wsum
		t.layers = append(t.layers, Layer{
			EntryPrice: exchangeEntry,
			Qty:        layerQty,
			Notional:   layerQty * exchangeEntry,
			EntryTs:    now,
		})
	}
	t.recalcTotals()
	t.resetInverseTP()
	t.pendingOrder = false
	t.pendingExit = false
	t.pendingFillLayer = -1
	t.lastEntryTs = now
}
