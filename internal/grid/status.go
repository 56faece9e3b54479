package grid

// Status reports the trader state for the dashboard and status API.
func (t *Trader) Status() map[string]interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	winRate := 0.0
	if t.sessionTrades > 0 {
		winRate = float64(t.sessionWins) / float64(t.sessionTrades)
	}

	st := map[string]interface{}{
		"symbol":          t.Symbol,
		"entry_enabled":   t.entryEnabled,
		"layers":          len(t.layers),
		"total_qty":       t.totalQty,
		"total_notional":  t.totalNotional,
		"avg_entry":       t.avgEntry,
		"unrealized_bps":  t.unrealizedBps(),
		"bid":             t.bid,
		"ask":             t.ask,
		"spread_bps":      t.engine.SpreadBps(),
		"median_spread":   t.medianSpread,
		"vol_bps":         t.volSnap.BlendedBps,
		"vol_drift":       t.volSnap.DriftMult,
		"pump_score":      t.engine.PumpScore(),
		"exhaust_score":   t.engine.ExhaustScore(),
		"session_trades":  t.sessionTrades,
		"session_wins":    t.sessionWins,
		"win_rate":        winRate,
		"cum_pnl_usd":     t.cumPnLUSD,
		"cum_pnl_bps":     t.cumPnLBps,
		"cum_fees":        t.cumFees,
		"recovery_debt":   t.recoveryDebt,
		"pending_order":   t.pendingOrder,
		"pending_exit":    t.pendingExit,
		"circuit_state":   string(t.breaker.State()),
		"escalation_idx":  t.escalationIdx,
		"inverse_active":  t.inv.Active,
		"edge_lcb":        t.lastEdge.LCBBps,
		"edge_required":   t.lastEdge.RequiredBps,
		"edge_accepted":   t.lastEdge.Accepted,
	}
	if t.inv.Active {
		st["inverse_zone"] = t.inv.NextZoneIdx
		st["inverse_zones"] = len(t.inv.ZonesBps)
	}
	return st
}

// LayerCount returns the number of open layers.
func (t *Trader) LayerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.layers)
}

// TotalQty returns the open short quantity.
func (t *Trader) TotalQty() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalQty
}

// TotalNotional returns the open entry notional.
func (t *Trader) TotalNotional() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalNotional
}

// AvgEntry returns the weighted average entry price, 0 when flat.
func (t *Trader) AvgEntry() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avgEntry
}

// Bid returns the last best bid.
func (t *Trader) Bid() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bid
}

// Ask returns the last best ask.
func (t *Trader) Ask() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ask
}

// Pending reports whether an entry or exit decision is in flight; the
// reconciler skips traders in this state.
func (t *Trader) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingOrder || t.pendingExit
}

// EntryEnabled reports whether new entries are allowed.
func (t *Trader) EntryEnabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entryEnabled
}

// SetEntryEnabled toggles new entries; exits always keep working.
func (t *Trader) SetEntryEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entryEnabled = enabled
}

// CumPnLUSD returns realized session PnL in USD.
func (t *Trader) CumPnLUSD() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cumPnLUSD
}

// RecoveryDebt returns the outstanding debt ledger balance.
func (t *Trader) RecoveryDebt() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recoveryDebt
}

// SessionTrades returns the number of settled round trips.
func (t *Trader) SessionTrades() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionTrades
}

// LastTickTs returns the timestamp of the last market event, 0 before
// the first one.
func (t *Trader) LastTickTs() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTickTs
}

// Idle reports whether the trader can be rotated out: flat, nothing in
// flight, and no settled trades this session.
func (t *Trader) Idle() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.layers) == 0 && !t.pendingOrder && !t.pendingExit && t.sessionTrades == 0
}

// LastEdge returns the most recent edge-gate evaluation.
func (t *Trader) LastEdge() EdgeBreakdown {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEdge
}
