package grid

import (
	"math"
	"sort"
)

// edgeSampleCap bounds the rolling sample windows behind the edge model.
const edgeSampleCap = 20

// EdgeBreakdown is the last edge-gate evaluation, kept for status and
// event reporting.
type EdgeBreakdown struct {
	Context        string  `json:"context"` // "entry" or "average"
	TPTargetBps    float64 `json:"tp_target_bps"`
	SignalBonusBps float64 `json:"signal_bonus_bps"`
	CostBps        float64 `json:"cost_bps"`
	TrendPenaltyBps float64 `json:"trend_penalty_bps"`
	SpreadRiskBps  float64 `json:"spread_risk_bps"`
	ExpectedBps    float64 `json:"expected_bps"`
	UncertaintyBps float64 `json:"uncertainty_bps"`
	LCBBps         float64 `json:"lcb_bps"`
	RequiredBps    float64 `json:"required_bps"`
	Samples        int     `json:"samples"`
	Accepted       bool    `json:"accepted"`
	Ts             float64 `json:"ts"`
}

// exitSlippageP70Bps is the 70th percentile of observed exit slippage, or
// the configured default before enough closes have been seen. Caller
// holds t.mu.
func (t *Trader) exitSlippageP70Bps() float64 {
	if len(t.exitSlipSamples) < t.cfg.EdgeConfig.MinSamples {
		return t.cfg.EdgeConfig.DefaultSlippageBps
	}
	sorted := make([]float64, len(t.exitSlipSamples))
	copy(sorted, t.exitSlipSamples)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.7*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

// closeBpsStdev is the standard deviation of recent realized close bps,
// winsorized at +/-30 so one blowout does not freeze the gate. Caller
// holds t.mu.
func (t *Trader) closeBpsStdev() float64 {
	n := len(t.closeBpsSamples)
	if n < 2 {
		return 0
	}
	var sum, sumSq float64
	for _, v := range t.closeBpsSamples {
		if v > 30 {
			v = 30
		}
		if v < -30 {
			v = -30
		}
		sum += v
		sumSq += v * v
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// edgeGate is the lower-confidence-bound profitability check run before
// every entry and averaging add. The expected edge is the TP target plus
// a signal-strength bonus, net of fees, expected exit slippage, an
// execution buffer, and penalties for adverse trend and abnormal spread.
// The LCB subtracts a capped uncertainty term; the result must clear the
// larger of the static minimum and the recovery hurdle. Caller holds t.mu.
func (t *Trader) edgeGate(context string, signalStrength, projectedNotional, now float64) bool {
	ec := &t.cfg.EdgeConfig

	tpTarget := t.tpTargetBps(now)
	cost := t.feeFloorBps() + t.exitSlippageP70Bps() + ec.ExecBufferBps

	threshold := (t.cfg.SignalConfig.PumpThreshold + t.cfg.SignalConfig.ExhaustThreshold) / 2
	bonus := 0.0
	if signalStrength > threshold {
		bonus = (signalStrength - threshold) * ec.SignalSlopeBps
	}

	trendPenalty := 0.0
	if ret := t.engine.Ret2sBps(); ret > 0 {
		trendPenalty = ret * 0.2
	}
	spreadRisk := 0.0
	if t.medianSpread > 0 && t.engine.SpreadBps() > t.medianSpread {
		spreadRisk = (t.engine.SpreadBps() - t.medianSpread) * 0.1
	}

	expected := tpTarget + bonus - cost - trendPenalty - spreadRisk

	uncertainty := ec.UncertaintyZ * t.closeBpsStdev()
	if expected > 0 && uncertainty > 0.75*expected {
		uncertainty = 0.75 * expected
	}
	if uncertainty > 60 {
		uncertainty = 60
	}

	lcb := expected - uncertainty
	required := ec.MinEdgeBps
	if h := t.recoveryHurdleBps(projectedNotional); h > required {
		required = h
	}

	t.lastEdge = EdgeBreakdown{
		Context:         context,
		TPTargetBps:     tpTarget,
		SignalBonusBps:  bonus,
		CostBps:         cost,
		TrendPenaltyBps: trendPenalty,
		SpreadRiskBps:   spreadRisk,
		ExpectedBps:     expected,
		UncertaintyBps:  uncertainty,
		LCBBps:          lcb,
		RequiredBps:     required,
		Samples:         len(t.closeBpsSamples),
		Accepted:        lcb >= required,
		Ts:              now,
	}
	return t.lastEdge.Accepted
}

// recordExitSlippage folds one realized exit slippage observation (fill
// vs the ask at decision time; positive means paid up). Caller holds t.mu.
func (t *Trader) recordExitSlippage(decisionAsk, fillPrice float64) {
	if decisionAsk <= 0 || fillPrice <= 0 {
		return
	}
	slip := (fillPrice - decisionAsk) / decisionAsk * 10000
	t.exitSlipSamples = append(t.exitSlipSamples, slip)
	if len(t.exitSlipSamples) > edgeSampleCap {
		t.exitSlipSamples = t.exitSlipSamples[len(t.exitSlipSamples)-edgeSampleCap:]
	}
}

// recordCloseBps feeds the uncertainty estimator. Caller holds t.mu.
func (t *Trader) recordCloseBps(netBps float64) {
	t.closeBpsSamples = append(t.closeBpsSamples, netBps)
	if len(t.closeBpsSamples) > edgeSampleCap {
		t.closeBpsSamples = t.closeBpsSamples[len(t.closeBpsSamples)-edgeSampleCap:]
	}
}
