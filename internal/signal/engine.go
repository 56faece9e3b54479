package signal

import "math"

// Warm-up thresholds: below these the engine refuses to signal entries.
const (
	warmupMinTrades = 20
	warmupMinBooks  = 50
)

// zCap is the symmetric clamp applied to every z-score the engine emits.
const zCap = 5.0

// deltaThrottleSec throttles the Δ-feature trackers to 20 Hz so burst
// ticks do not collapse their variance.
const deltaThrottleSec = 0.05

// Snapshot is an immutable view of the engine state, produced on demand
// and never persisted.
type Snapshot struct {
	TradeImbalance2s    float64                `json:"ti_2s"`
	TradeImbalance500ms float64                `json:"ti_500ms"`
	TradeImbalance300ms float64                `json:"ti_300ms"`
	QuoteImbalance      float64                `json:"qi"`
	MicroDisplacement   float64                `json:"md"`
	RealizedVol1sBps    float64                `json:"rv_1s_bps"`
	ZRet2s              float64                `json:"z_ret_2s"`
	ZTI2s               float64                `json:"z_ti_2s"`
	ZMD2s               float64                `json:"z_md_2s"`
	ZNegDTI300          float64                `json:"z_neg_dti_300"`
	ZNegDQI             float64                `json:"z_neg_dqi"`
	PumpScore           float64                `json:"pump_score"`
	ExhaustScore        float64                `json:"exhaust_score"`
	Ret2sBps            float64                `json:"ret_2s_bps"`
	Ret30sBps           float64                `json:"ret_30s_bps"`
	SpreadBps           float64                `json:"spread_bps"`
	Flow                map[string]FlowMetrics `json:"flow"`
}

// EntryParams are the thresholds for the entry gate.
type EntryParams struct {
	PumpThreshold    float64
	ExhaustThreshold float64
	MinSpreadBps     float64
	MaxSpreadBps     float64
	MaxTrendBps      float64
	MaxTrend30sBps   float64
	MaxBuyRatio      float64
}

// EntryDecision is the outcome of the entry gate.
type EntryDecision struct {
	ShouldEnter bool
	Reason      string
	Strength    float64
}

// ExitParams are the thresholds for the signal-side exit check. PnL-based
// gates are overlaid by the caller.
type ExitParams struct {
	EntryPrice     float64
	TPSpreadMult   float64
	MinTPProfitBps float64
	FastTPTI       float64
	MinFastTPBps   float64
}

// ExitDecision is the outcome of the exit check.
type ExitDecision struct {
	ShouldExit bool
	Reason     string
	RetBps     float64
}

// Engine turns raw book/trade streams for one symbol into rolling features
// and composite scores. It is exclusively owned by its trader and is not
// safe for concurrent use.
type Engine struct {
	trades int
	books  int

	bid, ask       float64
	bidQty, askQty float64
	lastBookTs     float64

	spreadBps float64
	qi        float64
	md        float64

	mid2s  *PriceRing
	mid30s *PriceRing

	tradeWin *TradeWindow
	flow     *SecondBucketFlow
	rv1s     *RealizedVol

	zRet2s     *EMAZScore
	zTI2s      *EMAZScore
	zMD2s      *EMAZScore
	zNegDTI300 *EMAZScore
	zNegDQI    *EMAZScore

	// cached outputs of the last tracker updates
	zRet2sVal, zTI2sVal, zMD2sVal       float64
	zNegDTI300Val, zNegDQIVal           float64
	prevTI300, prevQI                   float64
	lastDTIUpdateTs, lastDQIUpdateTs    float64
}

// NewEngine creates an empty signal engine.
func NewEngine() *Engine {
	return &Engine{
		mid2s:      NewPriceRing(2, 128),
		mid30s:     NewPriceRing(30, 512),
		tradeWin:   NewTradeWindow(2, 256),
		flow:       NewSecondBucketFlow(),
		rv1s:       NewRealizedVol(1),
		zRet2s:     NewEMAZScore(10, 0.1, zCap),
		zTI2s:      NewEMAZScore(10, 0.1, zCap),
		zMD2s:      NewEMAZScore(10, 0.1, zCap),
		zNegDTI300: NewEMAZScore(5, deltaThrottleSec, zCap),
		zNegDQI:    NewEMAZScore(5, deltaThrottleSec, zCap),
	}
}

// OnTrade folds one aggressive trade into the rolling state. Invalid
// inputs are ignored; the engine never fails.
func (e *Engine) OnTrade(price, qty float64, isSellAggressor bool, tsSec float64) {
	if price <= 0 || qty <= 0 || tsSec <= 0 {
		return
	}
	e.trades++
	e.tradeWin.Push(tsSec, price, qty, isSellAggressor)
	e.flow.Push(tsSec, price, qty, isSellAggressor)
	e.rv1s.Push(tsSec, price)

	// Δ of the 300 ms trade imbalance, negated so that fading sell
	// pressure scores positive; throttled to 20 Hz.
	if tsSec-e.lastDTIUpdateTs >= deltaThrottleSec {
		ti300 := e.tradeWin.Imbalance(tsSec, 0.3)
		e.zNegDTI300Val = e.zNegDTI300.Update(-(ti300 - e.prevTI300))
		e.prevTI300 = ti300
		e.lastDTIUpdateTs = tsSec
	}
}

// OnBook folds one L1 update into the rolling state.
func (e *Engine) OnBook(bid, ask, bidQty, askQty, tsSec float64) {
	if bid <= 0 || ask <= 0 || ask <= bid || tsSec <= 0 {
		return
	}
	e.books++
	e.bid, e.ask = bid, ask
	e.bidQty, e.askQty = bidQty, askQty
	e.lastBookTs = tsSec

	mid := (bid + ask) / 2
	spread := ask - bid
	e.spreadBps = spread / mid * 10000

	if total := bidQty + askQty; total > 0 {
		e.qi = (bidQty - askQty) / total
		micro := (bid*askQty + ask*bidQty) / total
		e.md = (micro - mid) / spread
	} else {
		e.qi = 0
		e.md = 0
	}

	e.mid2s.Push(tsSec, mid)
	e.mid30s.Push(tsSec, mid)

	e.zRet2sVal = e.zRet2s.Update(e.mid2s.ReturnBps())
	e.zTI2sVal = e.zTI2s.Update(e.tradeWin.Imbalance(tsSec, 2))
	e.zMD2sVal = e.zMD2s.Update(e.md)

	if tsSec-e.lastDQIUpdateTs >= deltaThrottleSec {
		e.zNegDQIVal = e.zNegDQI.Update(-(e.qi - e.prevQI))
		e.prevQI = e.qi
		e.lastDQIUpdateTs = tsSec
	}
}

// Warm reports whether enough data has been seen to trust the signals.
func (e *Engine) Warm() bool {
	return e.trades >= warmupMinTrades && e.books >= warmupMinBooks
}

// Bid returns the last best bid.
func (e *Engine) Bid() float64 { return e.bid }

// Ask returns the last best ask.
func (e *Engine) Ask() float64 { return e.ask }

// Mid returns the last mid price, or 0 before the first book.
func (e *Engine) Mid() float64 {
	if e.bid <= 0 {
		return 0
	}
	return (e.bid + e.ask) / 2
}

// SpreadBps returns the last observed spread in basis points.
func (e *Engine) SpreadBps() float64 { return e.spreadBps }

// AskQty returns the last best-ask quantity.
func (e *Engine) AskQty() float64 { return e.askQty }

// LiveVolBps returns the rolling 1 s realized vol in basis points.
func (e *Engine) LiveVolBps() float64 { return e.rv1s.Bps() }

// Ret2sBps returns the trailing 2 s mid return in basis points.
func (e *Engine) Ret2sBps() float64 { return e.mid2s.ReturnBps() }

// Ret30sBps returns the trailing 30 s mid return in basis points.
func (e *Engine) Ret30sBps() float64 { return e.mid30s.ReturnBps() }

// PumpScore is the composite momentum score.
func (e *Engine) PumpScore() float64 {
	return 0.4*e.zRet2sVal + 0.8*e.zTI2sVal + 0.6*e.zMD2sVal
}

// ExhaustScore is the composite exhaustion score.
func (e *Engine) ExhaustScore() float64 {
	s := e.zNegDTI300Val + e.zNegDQIVal
	if e.md < 0 {
		s++
	}
	return s
}

// Snapshot materializes the current engine state. Missing data degrades to
// neutral values.
func (e *Engine) Snapshot() Snapshot {
	now := e.lastBookTs
	return Snapshot{
		TradeImbalance2s:    e.tradeWin.Imbalance(now, 2),
		TradeImbalance500ms: e.tradeWin.Imbalance(now, 0.5),
		TradeImbalance300ms: e.tradeWin.Imbalance(now, 0.3),
		QuoteImbalance:      e.qi,
		MicroDisplacement:   e.md,
		RealizedVol1sBps:    e.rv1s.Bps(),
		ZRet2s:              e.zRet2sVal,
		ZTI2s:               e.zTI2sVal,
		ZMD2s:               e.zMD2sVal,
		ZNegDTI300:          e.zNegDTI300Val,
		ZNegDQI:             e.zNegDQIVal,
		PumpScore:           e.PumpScore(),
		ExhaustScore:        e.ExhaustScore(),
		Ret2sBps:            e.mid2s.ReturnBps(),
		Ret30sBps:           e.mid30s.ReturnBps(),
		SpreadBps:           e.spreadBps,
		Flow:                e.flow.Snapshot(now),
	}
}

// EntrySignal evaluates the short-entry gate. Gates are checked in a fixed
// order and the first failure names itself.
func (e *Engine) EntrySignal(p EntryParams) EntryDecision {
	if !e.Warm() {
		return EntryDecision{Reason: "not_warm"}
	}
	if e.spreadBps < p.MinSpreadBps {
		return EntryDecision{Reason: "spread_below_min"}
	}
	if e.spreadBps > p.MaxSpreadBps {
		return EntryDecision{Reason: "spread_above_max"}
	}
	pump := e.PumpScore()
	if pump <= p.PumpThreshold {
		return EntryDecision{Reason: "pump_below_threshold"}
	}
	exhaust := e.ExhaustScore()
	if exhaust <= p.ExhaustThreshold {
		return EntryDecision{Reason: "exhaust_below_threshold"}
	}
	ret2s := e.mid2s.ReturnBps()
	if ret2s > p.MaxTrendBps {
		return EntryDecision{Reason: "still_pumping"}
	}
	if math.Abs(e.mid30s.ReturnBps()) > p.MaxTrend30sBps {
		return EntryDecision{Reason: "sustained_trend"}
	}
	if e.tradeWin.BuyRatio(e.lastBookTs, 2) > p.MaxBuyRatio {
		return EntryDecision{Reason: "buy_aggression"}
	}
	return EntryDecision{
		ShouldEnter: true,
		Strength:    (pump + exhaust) / 2,
	}
}

// ExitSignal evaluates the signal-side exit check for a short with the
// given average entry. The return is negative when the short is in profit.
func (e *Engine) ExitSignal(p ExitParams) ExitDecision {
	if p.EntryPrice <= 0 || e.ask <= 0 {
		return ExitDecision{}
	}
	retBps := (e.ask - p.EntryPrice) / p.EntryPrice * 10000

	tpTarget := p.TPSpreadMult * e.spreadBps
	if tpTarget < p.MinTPProfitBps {
		tpTarget = p.MinTPProfitBps
	}
	if retBps <= -tpTarget {
		return ExitDecision{ShouldExit: true, Reason: "tp", RetBps: retBps}
	}

	if e.tradeWin.Imbalance(e.lastBookTs, 0.5) < p.FastTPTI && retBps <= -p.MinFastTPBps {
		return ExitDecision{ShouldExit: true, Reason: "fast_tp", RetBps: retBps}
	}

	return ExitDecision{RetBps: retBps}
}

// SizeNotional scales a base notional inversely with live vol and clamps
// the result. Calm tape sizes up toward max, violent tape sizes down.
func (e *Engine) SizeNotional(base, min, max float64) float64 {
	const refVolBps = 8.0
	vol := e.rv1s.Bps()
	if vol < 1 {
		vol = 1
	}
	mult := refVolBps / vol
	if mult < 0.5 {
		mult = 0.5
	}
	if mult > 1.5 {
		mult = 1.5
	}
	n := base * mult
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

// FlowMetricsFor exposes one flow window, used by status reporting.
func (e *Engine) FlowMetricsFor(windowSec int64) FlowMetrics {
	return e.flow.Metrics(e.lastBookTs, windowSec)
}

// TradeImbalance returns the signed imbalance over windowSec seconds.
func (e *Engine) TradeImbalance(windowSec float64) float64 {
	return e.tradeWin.Imbalance(e.lastBookTs, windowSec)
}
