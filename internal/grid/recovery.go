package grid

// debtEpsilonUSD is the level below which recovery debt is treated as
// settled; hurdles and guardrails disengage under it.
const debtEpsilonUSD = 0.10

// recoveryHurdleBps converts outstanding debt into an extra bps hurdle on
// the given notional: the close must pay down paydown_ratio of the debt,
// capped so recovery never blocks trading outright. Caller holds t.mu.
func (t *Trader) recoveryHurdleBps(notional float64) float64 {
	rc := &t.cfg.RecoveryConfig
	if !rc.DebtEnabled || t.recoveryDebt <= debtEpsilonUSD || notional <= 0 {
		return 0
	}
	h := t.recoveryDebt * rc.PaydownRatio / notional * 10000
	if h > rc.MaxPaydownBps {
		h = rc.MaxPaydownBps
	}
	return h
}

// addRecoveryDebt books a realized loss into the debt ledger, capped.
// Caller holds t.mu.
func (t *Trader) addRecoveryDebt(lossUSD float64) {
	rc := &t.cfg.RecoveryConfig
	if !rc.DebtEnabled || lossUSD <= 0 {
		return
	}
	t.recoveryDebt += lossUSD
	if t.recoveryDebt > rc.DebtCapUSD {
		t.recoveryDebt = rc.DebtCapUSD
	}
}

// payDownRecoveryDebt applies a realized profit against the ledger.
// Caller holds t.mu.
func (t *Trader) payDownRecoveryDebt(profitUSD float64) {
	if profitUSD <= 0 || t.recoveryDebt <= 0 {
		return
	}
	t.recoveryDebt -= profitUSD
	if t.recoveryDebt < 0 {
		t.recoveryDebt = 0
	}
}

// pruneRecoveryAdds drops recovery-add timestamps older than one hour.
// Caller holds t.mu.
func (t *Trader) pruneRecoveryAdds(now float64) {
	cut := now - 3600
	keep := t.recoveryAddTs[:0]
	for _, ts := range t.recoveryAddTs {
		if ts > cut {
			keep = append(keep, ts)
		}
	}
	t.recoveryAddTs = keep
}

// recoveryAveragingBlock enforces the averaging guardrails that apply
// while the trader carries debt: only add when meaningfully underwater,
// pace the adds, and require that the add actually improves the debt
// hurdle. Returns the blocking reason or "". Caller holds t.mu.
func (t *Trader) recoveryAveragingBlock(now, addNotional float64) string {
	rc := &t.cfg.RecoveryConfig
	if !rc.DebtEnabled || t.recoveryDebt <= debtEpsilonUSD {
		return ""
	}

	if t.unrealizedBps() > -rc.AvgMinUnrealizedBps {
		return "recovery_unrealized"
	}
	if t.lastRecoveryAddTs > 0 && now-t.lastRecoveryAddTs < rc.AvgCooldownSec {
		return "recovery_cooldown"
	}
	t.pruneRecoveryAdds(now)
	if rc.AvgMaxAddsPerHour > 0 && len(t.recoveryAddTs) >= rc.AvgMaxAddsPerHour {
		return "recovery_rate"
	}

	// The add must lower the per-close hurdle by a meaningful amount,
	// otherwise it only grows exposure.
	before := t.recoveryHurdleBps(t.totalNotional)
	after := t.recoveryHurdleBps(t.totalNotional + addNotional)
	if before-after < rc.AvgMinHurdleImproveBps {
		return "recovery_hurdle"
	}
	return ""
}

// noteRecoveryAdd stamps an averaging add made while in debt. Caller
// holds t.mu.
func (t *Trader) noteRecoveryAdd(now float64) {
	if t.recoveryDebt <= debtEpsilonUSD {
		return
	}
	t.lastRecoveryAddTs = now
	t.recoveryAddTs = append(t.recoveryAddTs, now)
}
