package grid

import (
	"math"
	"time"
)

// spreadRelaxFloor is the fraction of the base spread requirement that
// remains at the deepest relaxation point.
const spreadRelaxFloor = 0.15

// spreadRelaxDepthBps is how far underwater the position must be for the
// spread requirement to reach the relax floor.
const spreadRelaxDepthBps = 500.0

// relaxedMinSpreadBps eases the averaging spread requirement as the
// position sinks: a deeply underwater grid cannot afford to wait for a
// generous spread. Quadratic ease-out from the configured minimum down to
// 15% of it by -500 bps unrealized. Caller holds t.mu.
func (t *Trader) relaxedMinSpreadBps(unrealBps float64) float64 {
	base := t.cfg.SignalConfig.MinSpreadBps
	start := t.cfg.RecoveryConfig.AvgMinUnrealizedBps
	if unrealBps >= -start {
		return base
	}
	depth := -unrealBps - start
	span := spreadRelaxDepthBps - start
	if span <= 0 {
		return base * spreadRelaxFloor
	}
	x := depth / span
	if x > 1 {
		x = 1
	}
	// ease-out: most of the relief arrives early
	factor := 1 - (1-spreadRelaxFloor)*x*(2-x)
	return base * factor
}

// checkAveraging decides whether to add a layer to an open grid. The
// blockers run in a fixed order; the first one that fires names itself in
// the rate-limited diagnostic. Caller holds t.mu.
func (t *Trader) checkAveraging(now float64) {
	n := len(t.layers)
	if n == 0 {
		return
	}

	if now < t.rewarmUntil {
		return
	}
	if n >= t.dynamicMaxLayers() {
		t.diag(now, "avg blocked: max_layers", "layers", n)
		return
	}
	if !t.breaker.Check(t.cumPnLBps, time.Now()) {
		t.diag(now, "avg blocked: circuit")
		return
	}
	if now-t.lastEntryTs < t.cfg.SignalConfig.LayerCooldownSec {
		return
	}
	if now < t.cooldownUntil {
		t.diag(now, "avg blocked: cooldown", "until", t.cooldownUntil)
		return
	}

	// Spacing: the price must have risen at least the geometric spacing
	// requirement above the average entry, floored by the dynamic gap and
	// stretched when the 2s trend is still running up.
	riseBps := (t.ask - t.avgEntry) / t.avgEntry * 10000
	required := t.cfg.GridConfig.BaseSpacingBps *
		math.Pow(t.effectiveSpacingGrowth(), float64(n-1))
	if gap := t.dynamicLayerGapBps(); required < gap {
		required = gap
	}
	if ret := t.engine.Ret2sBps(); ret > 0 && t.cfg.GridConfig.TrendSpacingScale > 0 {
		required *= 1 + ret/t.cfg.GridConfig.TrendSpacingScale
	}
	if riseBps < required {
		t.diag(now, "avg blocked: spacing", "rise_bps", riseBps, "required_bps", required)
		return
	}

	unreal := t.unrealizedBps()
	if t.engine.SpreadBps() < t.relaxedMinSpreadBps(unreal) {
		t.diag(now, "avg blocked: spread",
			"spread_bps", t.engine.SpreadBps(),
			"required_bps", t.relaxedMinSpreadBps(unreal))
		return
	}

	// Burst guard: never add within one gap of the previous fill even if
	// the average has drifted far enough.
	if t.lastFillPrice > 0 {
		moveBps := math.Abs(t.ask-t.lastFillPrice) / t.lastFillPrice * 10000
		if moveBps < t.dynamicLayerGapBps() {
			t.diag(now, "avg blocked: burst", "move_bps", moveBps)
			return
		}
	}

	addNotional := t.spreadScaledNotional() *
		math.Pow(t.cfg.GridConfig.SizeGrowth, float64(n))
	if addNotional > t.cfg.GridConfig.MaxNotional {
		addNotional = t.cfg.GridConfig.MaxNotional
	}

	if reason := t.recoveryAveragingBlock(now, addNotional); reason != "" {
		t.diag(now, "avg blocked: "+reason, "debt", t.recoveryDebt, "unreal_bps", unreal)
		return
	}

	if cap := t.cfg.PortfolioConfig.MaxSymbolNotional; cap > 0 &&
		t.totalNotional+addNotional > cap {
		t.diag(now, "avg blocked: symbol_cap", "total", t.totalNotional)
		return
	}
	if !t.edgeGate("average", 0, t.totalNotional+addNotional, now) {
		t.diag(now, "avg blocked: edge",
			"lcb", t.lastEdge.LCBBps, "required", t.lastEdge.RequiredBps)
		return
	}
	if t.portfolioCheck != nil && !t.portfolioCheck(addNotional) {
		t.diag(now, "avg blocked: portfolio")
		return
	}

	t.pendingOrder = true
	t.pendingOrderTs = now
	t.pendingFillLayer = -1
	t.enqueueIntent(OrderIntent{
		Side:     SideSell,
		Symbol:   t.Symbol,
		Qty:      addNotional / t.ask,
		LayerIdx: n,
		RefPrice: t.ask,
		SignalTs: now,
	})
	t.log.Info("averaging add fired",
		"layer", n+1,
		"notional", addNotional,
		"rise_bps", riseBps,
		"unreal_bps", unreal)
}
