package grid

import "math"

// escalationTail extends the configured base cooldown after consecutive
// unprofitable closes. Profitable TP closes reset the ladder.
var escalationTail = []float64{30, 90, 300}

// stopPenaltyMult stretches the post-close cooldown after a stop or
// drawdown close.
const stopPenaltyMult = 1.5

// fillMark records the time and price gap between consecutive sell fills,
// used to detect duplicate-entry churn.
type fillMark struct {
	DtSec  float64 `json:"dt_sec"`
	DPxBps float64 `json:"dpx_bps"`
}

// closeRec is one realized close, kept for behavioral ratios.
type closeRec struct {
	NetBps float64 `json:"net_bps"`
	Price  float64 `json:"price"`
}

// escalationSchedule returns the cooldown ladder, first rung from config.
func (t *Trader) escalationSchedule() []float64 {
	out := make([]float64, 0, 1+len(escalationTail))
	out = append(out, t.cfg.SignalConfig.CooldownSec)
	return append(out, escalationTail...)
}

// behaviorLookback bounds the rolling behavior windows.
func (t *Trader) behaviorLookback() int {
	n := t.cfg.DynamicsConfig.BehaviorLookback
	if n < 5 {
		n = 5
	}
	return n
}

// dupRatio is the fraction of recent sell fills that arrived within one
// cooldown and within 0.2x median spread of the previous fill. High values
// mean the grid is re-entering the same price level.
func (t *Trader) dupRatio() float64 {
	if len(t.sellFillMarks) == 0 {
		return 0
	}
	priceBand := 0.2 * t.medianSpread
	dup := 0
	for _, m := range t.sellFillMarks {
		if m.DtSec <= t.cfg.SignalConfig.CooldownSec && math.Abs(m.DPxBps) <= priceBand {
			dup++
		}
	}
	return float64(dup) / float64(len(t.sellFillMarks))
}

// nearZeroRatio is the fraction of recent closes that netted less than
// half the fee floor either way: churn that pays fees without capturing
// edge.
func (t *Trader) nearZeroRatio() float64 {
	if len(t.closeHistory) == 0 {
		return 0
	}
	band := 0.5 * t.feeFloorBps()
	n := 0
	for _, c := range t.closeHistory {
		if math.Abs(c.NetBps) <= band {
			n++
		}
	}
	return float64(n) / float64(len(t.closeHistory))
}

// fallingKnifeMult stretches pacing when the last five closes mostly
// happened at successively lower prices, i.e. the symbol is in a sustained
// decline the grid keeps chasing.
func (t *Trader) fallingKnifeMult() float64 {
	n := len(t.closeHistory)
	if n < 3 {
		return 1
	}
	start := n - 5
	if start < 0 {
		start = 0
	}
	recent := t.closeHistory[start:]
	lower := 0
	for i := 1; i < len(recent); i++ {
		if recent[i].Price < recent[i-1].Price {
			lower++
		}
	}
	ratio := float64(lower) / float64(len(recent)-1)
	if ratio <= 0.6 {
		return 1
	}
	return 1 + ratio*4
}

// dynamicEntryCooldown is the effective entry cooldown: the escalation
// rung scaled by duplicate-fill churn and near-zero churn, damped by vol
// drift and stretched by falling-knife pressure. Bounded between the
// rung and eight times the rung.
func (t *Trader) dynamicEntryCooldown() float64 {
	sched := t.escalationSchedule()
	idx := t.escalationIdx
	if idx >= len(sched) {
		idx = len(sched) - 1
	}
	base := sched[idx]
	if !t.cfg.DynamicsConfig.Enabled {
		return base
	}
	drift := t.volSnap.DriftMult
	if drift < 0.5 {
		drift = 0.5
	}
	cd := base * (1 + (3*t.dupRatio()+2*t.nearZeroRatio())/drift) * t.fallingKnifeMult()
	if cap := base * 8; cd > cap {
		cd = cap
	}
	if cd < base {
		cd = base
	}
	return cd
}

// dynamicLayerGapBps is the vol-scaled floor under layer spacing.
func (t *Trader) dynamicLayerGapBps() float64 {
	base := t.cfg.GridConfig.BaseSpacingBps
	if !t.cfg.DynamicsConfig.Enabled {
		return base
	}
	drift := t.volSnap.DriftMult
	if drift < 1 {
		drift = 1
	}
	if drift > 2 {
		drift = 2
	}
	gap := base * drift * (1 + t.nearZeroRatio())
	if gap > base*4 {
		gap = base * 4
	}
	return gap
}

// effectiveSpacingGrowth tilts the geometric spacing with vol drift.
func (t *Trader) effectiveSpacingGrowth() float64 {
	g := t.cfg.GridConfig.SpacingGrowth
	if !t.cfg.DynamicsConfig.Enabled {
		return g
	}
	g *= 1 + (t.volSnap.DriftMult-1)*0.25
	if g < 1.1 {
		g = 1.1
	}
	if g > 2.5 {
		g = 2.5
	}
	return g
}

// dynamicMinTPProfitBps raises the TP floor when recent closes churn near
// zero. Bounded at 3x config.
func (t *Trader) dynamicMinTPProfitBps() float64 {
	min := t.cfg.ExitConfig.MinTPProfitBps
	if !t.cfg.DynamicsConfig.Enabled {
		return min
	}
	min *= 1 + t.nearZeroRatio()*1.5
	if cap := t.cfg.ExitConfig.MinTPProfitBps * 3; min > cap {
		min = cap
	}
	return min
}

// dynamicMinFastTPBps raises the fast-TP floor the same way.
func (t *Trader) dynamicMinFastTPBps() float64 {
	min := t.cfg.ExitConfig.MinFastTPBps
	if !t.cfg.DynamicsConfig.Enabled {
		return min
	}
	min *= 1 + t.nearZeroRatio()*1.5
	if cap := t.cfg.ExitConfig.MinFastTPBps * 3; min > cap {
		min = cap
	}
	return min
}

// dynamicMaxLayers shrinks the layer budget while the tape punishes the
// grid. Floor of 2, ceiling from config.
func (t *Trader) dynamicMaxLayers() int {
	max := t.cfg.GridConfig.MaxLayers
	if !t.cfg.DynamicsConfig.Enabled {
		return max
	}
	if t.fallingKnifeMult() > 1 {
		max--
	}
	if t.nearZeroRatio() > 0.5 {
		max--
	}
	if max < 2 {
		max = 2
	}
	return max
}

// effectiveTPMode resolves "auto": large positions wait for the vol target,
// small ones take the fast path.
func (t *Trader) effectiveTPMode() string {
	mode := t.cfg.ExitConfig.TPMode
	if mode != "auto" {
		return mode
	}
	if t.totalNotional > 50 {
		return "vol"
	}
	return "fast"
}

// tpTargetBps is the profit target for a normal TP close: the larger of
// the spread-multiple and the vol-capture target, floored by the dynamic
// minimum, optionally decayed linearly with position age.
func (t *Trader) tpTargetBps(now float64) float64 {
	spread := t.medianSpread
	if spread <= 0 {
		spread = t.engine.SpreadBps()
	}
	target := t.cfg.ExitConfig.TPSpreadMult * spread

	if volPart := t.cfg.ExitConfig.TPVolCaptureRatio * t.volSnap.BlendedBps; volPart > target {
		if volPart > t.cfg.ExitConfig.TPVolScaleCap {
			volPart = t.cfg.ExitConfig.TPVolScaleCap
		}
		if volPart > target {
			target = volPart
		}
	}
	if min := t.dynamicMinTPProfitBps(); target < min {
		target = min
	}

	halfLife := t.cfg.ExitConfig.TPDecayHalfLifeMin
	if halfLife > 0 && len(t.layers) > 0 {
		ageMin := (now - t.layers[0].EntryTs) / 60
		floor := t.cfg.ExitConfig.TPDecayFloor
		f := 1 - (1-floor)*(ageMin/halfLife)
		if f < floor {
			f = floor
		}
		target *= f
	}
	return target
}

// recordSellFill updates the duplicate-fill tracker. Caller holds t.mu.
func (t *Trader) recordSellFill(price, ts float64) {
	if t.lastFillTs > 0 && t.lastFillPrice > 0 {
		t.sellFillMarks = append(t.sellFillMarks, fillMark{
			DtSec:  ts - t.lastFillTs,
			DPxBps: (price - t.lastFillPrice) / t.lastFillPrice * 10000,
		})
		if n := t.behaviorLookback(); len(t.sellFillMarks) > n {
			t.sellFillMarks = t.sellFillMarks[len(t.sellFillMarks)-n:]
		}
	}
	t.lastFillTs = ts
	t.lastFillPrice = price
}

// recordClose updates the behavioral close history. Caller holds t.mu.
func (t *Trader) recordClose(netBps, price float64) {
	t.closeHistory = append(t.closeHistory, closeRec{NetBps: netBps, Price: price})
	if n := t.behaviorLookback(); len(t.closeHistory) > n {
		t.closeHistory = t.closeHistory[len(t.closeHistory)-n:]
	}
}
