// Package grid implements the per-symbol short-grid trader: a state
// machine that layers short entries on pump-exhaustion signals, averages
// up through spacing gates, and unwinds through TP, fast-TP, and the
// inverse-TP partial-close ladder. One Trader per symbol; market events
// arrive from the stream goroutines, fills from the user-data stream, and
// the orchestrator drains order intents.
package grid

import (
	"math"
	"sync"
	"time"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/circuit"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/logging"
	"binance-grid-bot/internal/signal"
	"binance-grid-bot/internal/vol"
)

const (
	// spreadRingSize is how many spread samples back the median looks.
	spreadRingSize = 500
	// medianRecomputeSec throttles the median sort.
	medianRecomputeSec = 2.0
	// minMedianSamples gates entries until the median is trustworthy.
	minMedianSamples = 10
	// pendingWatchdogSec force-clears a pending flag whose order flow
	// never came back.
	pendingWatchdogSec = 10.0
	// diagIntervalSec rate-limits averaging diagnostics.
	diagIntervalSec = 10.0
	// depthBucketCount is the seconds of L1 ask-depth history kept for
	// stealth sizing.
	depthBucketCount = 60
)

// Deps wires a trader into the runtime without importing it.
type Deps struct {
	Log       *logging.Logger
	Events    *events.Ring
	Vol       *vol.Calibrator
	Scope     string
	SessionID string

	// PortfolioCheck returns false when adding the given notional would
	// breach the account cap. Nil allows everything.
	PortfolioCheck func(additionalNotional float64) bool
	// OrdersReady wakes the order loop after an intent is queued.
	OrdersReady func()
}

type depthBucket struct {
	sec       int64
	minAskQty float64
}

// Trader is the short-grid state machine for one symbol. All mutable
// state is guarded by mu; the signal engine is only touched under it.
type Trader struct {
	mu sync.Mutex

	Symbol string

	cfg     *config.Config
	log     *logging.Logger
	events  *events.Ring
	engine  *signal.Engine
	vol     *vol.Calibrator
	breaker *circuit.Breaker

	scope, sessionID string
	portfolioCheck   func(float64) bool
	ordersReady      func()

	intents []OrderIntent

	// market caches
	bid, ask       float64
	bidQty, askQty float64
	lastTickTs     float64
	depthBuckets   [depthBucketCount]depthBucket
	spreadRing     [spreadRingSize]float64
	spreadLen      int
	spreadIdx      int
	medianSpread   float64
	lastMedianTs   float64
	medianScratch  []float64
	mid30          *signal.PriceRing
	volSnap        vol.Snapshot
	lastVolSnapTs  float64

	// position
	layers        []Layer
	totalQty      float64
	totalNotional float64
	avgEntry      float64
	inv           InverseState

	// pacing
	startTs          float64
	entryEnabled     bool
	rewarmUntil      float64
	lastEntryTs      float64
	cooldownUntil    float64
	escalationIdx    int
	lastDiagTs       float64
	pendingOrder     bool
	pendingOrderTs   float64
	pendingFillLayer int
	pendingExit      bool
	pendingExitTs    float64
	pendingExitAsk   float64

	// counters
	sessionTrades         int
	sessionWins           int
	cumPnLUSD             float64
	cumPnLBps             float64
	cumFees               float64
	sessionClosedNotional float64
	adoptionTs            float64

	// recovery
	recoveryDebt      float64
	lastRecoveryAddTs float64
	recoveryAddTs     []float64

	// behavior
	lastFillTs      float64
	lastFillPrice   float64
	sellFillMarks   []fillMark
	closeHistory    []closeRec
	closeBpsSamples []float64
	exitSlipSamples []float64
	lastEdge        EdgeBreakdown

	// sizing the open position was built with, when it differs from the
	// live config (restored from the persisted session config)
	sessionSizing *SessionSizing
}

// NewTrader creates a flat, entry-enabled trader. The warm-up clock
// starts at the first market event.
func NewTrader(symbol string, cfg *config.Config, deps Deps) *Trader {
	t := &Trader{
		Symbol:           symbol,
		cfg:              cfg,
		log:              deps.Log.WithComponent("grid").WithSymbol(symbol),
		events:           deps.Events,
		engine:           signal.NewEngine(),
		vol:              deps.Vol,
		scope:            deps.Scope,
		sessionID:        deps.SessionID,
		portfolioCheck:   deps.PortfolioCheck,
		ordersReady:      deps.OrdersReady,
		mid30:            signal.NewPriceRing(30, 512),
		medianScratch:    make([]float64, 0, spreadRingSize),
		entryEnabled:     true,
		pendingFillLayer: -1,
	}
	t.breaker = circuit.NewBreaker(circuit.Config{
		Enabled:         true,
		MaxLossBps:      cfg.RiskConfig.MaxLossBps,
		CircuitPauseSec: cfg.RiskConfig.CircuitPauseSec,
	})
	t.breaker.OnTrip(func(cumBps float64) {
		t.log.Warn("circuit breaker tripped", "cum_pnl_bps", cumBps)
	})
	return t
}

// OnTrade folds one aggressive trade. Called from the market stream.
func (t *Trader) OnTrade(price, qty float64, isSellAggressor bool, ts float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.engine.OnTrade(price, qty, isSellAggressor, ts)
	if t.vol != nil {
		t.vol.Update(t.engine.LiveVolBps(), time.Unix(0, int64(ts*float64(time.Second))))
	}
}

// OnBook folds one L1 update and runs the decision pipeline: caches,
// signal engine, pending watchdog, then exit / inverse / averaging /
// entry depending on position state.
func (t *Trader) OnBook(bid, ask, bidQty, askQty, ts float64) {
	if bid <= 0 || ask <= 0 || ask <= bid {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.startTs == 0 {
		t.startTs = ts
	}
	t.bid, t.ask = bid, ask
	t.bidQty, t.askQty = bidQty, askQty
	t.lastTickTs = ts

	t.pushDepth(ts, askQty)
	mid := (bid + ask) / 2
	t.pushSpread(ts, (ask-bid)/mid*10000)
	t.mid30.Push(ts, mid)

	t.engine.OnBook(bid, ask, bidQty, askQty, ts)

	if ts-t.lastVolSnapTs >= 1 && t.vol != nil {
		t.volSnap = t.vol.Snapshot()
		t.lastVolSnapTs = ts
	}

	t.watchPending(ts)
	if t.pendingOrder || t.pendingExit {
		return
	}

	if len(t.layers) > 0 {
		if t.inv.Active {
			t.checkInverseTP(ts)
		} else {
			t.checkExit(ts)
		}
		if !t.pendingOrder && !t.pendingExit && !t.inv.Active {
			t.checkAveraging(ts)
		}
		return
	}
	t.checkEntry(ts)
}

// pushDepth folds the ask depth into the per-second minimum buckets.
// Caller holds t.mu.
func (t *Trader) pushDepth(ts, askQty float64) {
	sec := int64(ts)
	b := &t.depthBuckets[sec%depthBucketCount]
	if b.sec != sec {
		b.sec = sec
		b.minAskQty = askQty
		return
	}
	if askQty < b.minAskQty {
		b.minAskQty = askQty
	}
}

// MinDepth60s returns the smallest L1 ask depth seen in the last minute,
// used to size stealth slices conservatively.
func (t *Trader) MinDepth60s() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := int64(t.lastTickTs) - depthBucketCount
	min := math.MaxFloat64
	seen := false
	for i := range t.depthBuckets {
		b := &t.depthBuckets[i]
		if b.sec == 0 || b.sec < cutoff {
			continue
		}
		seen = true
		if b.minAskQty < min {
			min = b.minAskQty
		}
	}
	if !seen {
		return 0
	}
	return min
}

// pushSpread records a spread sample and recomputes the median at most
// every 2s. Caller holds t.mu.
func (t *Trader) pushSpread(ts, spreadBps float64) {
	t.spreadRing[t.spreadIdx] = spreadBps
	t.spreadIdx = (t.spreadIdx + 1) % spreadRingSize
	if t.spreadLen < spreadRingSize {
		t.spreadLen++
	}
	if ts-t.lastMedianTs < medianRecomputeSec {
		return
	}
	t.lastMedianTs = ts
	t.medianScratch = t.medianScratch[:0]
	t.medianScratch = append(t.medianScratch, t.spreadRing[:t.spreadLen]...)
	insertionSort(t.medianScratch)
	t.medianSpread = t.medianScratch[len(t.medianScratch)/2]
}

// insertionSort is fine at this size and avoids sort.Float64s allocations
// on the tick path.
func insertionSort(a []float64) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j] < a[j-1]; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

// watchPending force-clears pending flags older than the watchdog
// horizon; the order flow that should have cleared them is gone. Caller
// holds t.mu.
func (t *Trader) watchPending(ts float64) {
	if t.pendingOrder && ts-t.pendingOrderTs > pendingWatchdogSec {
		t.log.Warn("pending entry watchdog fired", "age_sec", ts-t.pendingOrderTs)
		t.pendingOrder = false
		t.pendingFillLayer = -1
	}
	if t.pendingExit && ts-t.pendingExitTs > pendingWatchdogSec {
		t.log.Warn("pending exit watchdog fired", "age_sec", ts-t.pendingExitTs)
		t.pendingExit = false
		t.inv.PendingBatch = 0
	}
}

// waterfallScore measures the current drawdown from the 30s high in vol
// units, decayed by the age of that high. High scores mean the market is
// already cascading and a short entry would chase it. Caller holds t.mu.
func (t *Trader) waterfallScore(now float64) float64 {
	high, highTs := t.mid30.MaxWithTs()
	if high <= 0 {
		return 0
	}
	dd := (high - (t.bid+t.ask)/2) / high * 10000
	if dd <= 0 {
		return 0
	}
	volBps := t.volSnap.BlendedBps
	if volBps < 1 {
		volBps = 1
	}
	decay := 1 - (now-highTs)/t.cfg.WaterfallConfig.DecaySec
	if decay < 0 {
		decay = 0
	}
	return dd / volBps * decay
}

// spreadScaledNotional maps the current spread onto the notional band:
// min at the entry spread floor, max at 3x the floor. Caller holds t.mu.
func (t *Trader) spreadScaledNotional() float64 {
	gc := &t.cfg.GridConfig
	lo := t.cfg.SignalConfig.MinSpreadBps
	hi := 3 * lo
	s := t.engine.SpreadBps()
	if s <= lo {
		return gc.MinNotional
	}
	if s >= hi {
		return gc.MaxNotional
	}
	return gc.MinNotional + (gc.MaxNotional-gc.MinNotional)*(s-lo)/(hi-lo)
}

// checkEntry runs the full entry gauntlet for a flat trader. Caller
// holds t.mu.
func (t *Trader) checkEntry(now float64) {
	if !t.entryEnabled || now < t.rewarmUntil || now < t.cooldownUntil {
		return
	}
	if now-t.startTs < t.cfg.SignalConfig.WarmupSec {
		return
	}
	if !t.breaker.Check(t.cumPnLBps, time.Now()) {
		return
	}
	if t.spreadLen < minMedianSamples {
		return
	}
	if t.lastEntryTs > 0 && now-t.lastEntryTs < t.dynamicEntryCooldown() {
		return
	}
	if score := t.waterfallScore(now); score > t.cfg.WaterfallConfig.VolThreshold {
		t.diag(now, "entry blocked: waterfall", "score", score)
		return
	}

	dec := t.engine.EntrySignal(signal.EntryParams{
		PumpThreshold:    t.cfg.SignalConfig.PumpThreshold,
		ExhaustThreshold: t.cfg.SignalConfig.ExhaustThreshold,
		MinSpreadBps:     t.cfg.SignalConfig.MinSpreadBps,
		MaxSpreadBps:     t.cfg.SignalConfig.MaxSpreadBps,
		MaxTrendBps:      t.cfg.SignalConfig.MaxTrendBps,
		MaxTrend30sBps:   t.cfg.SignalConfig.MaxTrend30sBps,
		MaxBuyRatio:      t.cfg.SignalConfig.MaxBuyRatio,
	})
	if !dec.ShouldEnter {
		return
	}

	notional := t.engine.SizeNotional(t.spreadScaledNotional(),
		t.cfg.GridConfig.MinNotional, t.cfg.GridConfig.MaxNotional)
	if cap := t.cfg.PortfolioConfig.MaxSymbolNotional; cap > 0 && notional > cap {
		if cap < t.cfg.GridConfig.MinNotional {
			return
		}
		notional = cap
	}

	if !t.edgeGate("entry", dec.Strength, notional, now) {
		t.diag(now, "entry blocked: edge",
			"lcb", t.lastEdge.LCBBps, "required", t.lastEdge.RequiredBps)
		return
	}
	if t.portfolioCheck != nil && !t.portfolioCheck(notional) {
		t.diag(now, "entry blocked: portfolio cap")
		return
	}

	t.pendingOrder = true
	t.pendingOrderTs = now
	t.pendingFillLayer = -1
	t.enqueueIntent(OrderIntent{
		Side:     SideSell,
		Symbol:   t.Symbol,
		Qty:      notional / t.ask,
		LayerIdx: 0,
		RefPrice: t.ask,
		SignalTs: now,
	})
	t.log.Info("entry fired",
		"notional", notional,
		"ask", t.ask,
		"strength", dec.Strength,
		"edge_lcb", t.lastEdge.LCBBps)
}

// EntryStillValid re-runs the signal gate for a resting entry order; the
// resting-entry manager cancels orders whose context has decayed.
func (t *Trader) EntryStillValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	dec := t.engine.EntrySignal(signal.EntryParams{
		PumpThreshold:    t.cfg.SignalConfig.PumpThreshold,
		ExhaustThreshold: t.cfg.SignalConfig.ExhaustThreshold,
		MinSpreadBps:     t.cfg.SignalConfig.MinSpreadBps,
		MaxSpreadBps:     t.cfg.SignalConfig.MaxSpreadBps,
		MaxTrendBps:      t.cfg.SignalConfig.MaxTrendBps,
		MaxTrend30sBps:   t.cfg.SignalConfig.MaxTrend30sBps,
		MaxBuyRatio:      t.cfg.SignalConfig.MaxBuyRatio,
	})
	return dec.ShouldEnter
}

// enqueueIntent appends an intent and wakes the order loop. Caller holds
// t.mu.
func (t *Trader) enqueueIntent(in OrderIntent) {
	t.intents = append(t.intents, in)
	if t.ordersReady != nil {
		t.ordersReady()
	}
}

// DrainIntents removes and returns all queued intents, oldest first.
func (t *Trader) DrainIntents() []OrderIntent {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.intents) == 0 {
		return nil
	}
	out := t.intents
	t.intents = nil
	return out
}

// diag emits a rate-limited debug line on the decision path. Caller
// holds t.mu.
func (t *Trader) diag(now float64, msg string, args ...interface{}) {
	if now-t.lastDiagTs < diagIntervalSec {
		return
	}
	t.lastDiagTs = now
	t.log.Debug(msg, args...)
}

// emit pushes a strategy event onto the shared ring. Caller holds t.mu.
func (t *Trader) emit(e events.StrategyEvent) {
	if t.events == nil {
		return
	}
	e.Scope = t.scope
	e.Symbol = t.Symbol
	e.SessionID = t.sessionID
	e.Seq = t.events.NextSeq()
	if e.EventMs == 0 {
		e.EventMs = time.Now().UnixMilli()
	}
	t.events.Push(e)
}
