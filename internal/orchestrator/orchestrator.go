// Package orchestrator owns the account runtime: it builds one grid
// trader per symbol, feeds them market data, executes their order
// intents against the exchange, reconciles local state with exchange
// truth, and persists snapshots and strategy events through the store.
package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/audit"
	"binance-grid-bot/internal/babysitter"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/logging"
	"binance-grid-bot/internal/signal"
	"binance-grid-bot/internal/store"
	"binance-grid-bot/internal/vol"
)

const (
	// orderLoopFallback bounds intent latency when the wake channel is
	// missed.
	orderLoopFallback = 50 * time.Millisecond
	// reconcileInterval paces the exchange-truth sweep.
	reconcileInterval = 2 * time.Second
	// restingInterval paces the resting-order managers.
	restingInterval = 500 * time.Millisecond
	// telemetryInterval paces the dashboard log line.
	telemetryInterval = 30 * time.Second

	// priceCacheInterval throttles per-symbol price cache writes.
	priceCacheInterval = time.Second

	// qtyMatchTolerance and priceMatchTolerance decide whether a local
	// grid still matches the exchange position.
	qtyMatchTolerance   = 0.02
	priceMatchTolerance = 0.01

	// startupQtyTolerance and startupPriceTolerance are the tighter bands
	// used when deciding whether a restored snapshot matches exchange
	// truth at boot.
	startupQtyTolerance   = 0.01
	startupPriceTolerance = 0.0025
)

// orderRouteKind classifies what a tracked order ID belongs to.
type orderRouteKind int

const (
	routeEntrySlice orderRouteKind = iota
	routeRestingTP
	routeCloseOrder
)

type orderRoute struct {
	kind   orderRouteKind
	symbol string
	// closeCh delivers the terminal update of a maker close order to the
	// waiting execution ladder.
	closeCh chan *binance.FillResult
}

// pendingEntry tracks the slice orders of one in-flight entry decision.
// orderIDs maps each resting slice to its quantity so amends can carry it.
type pendingEntry struct {
	trader    *grid.Trader
	orderIDs  map[int64]float64
	refPrice  float64
	signalTs  float64
	createdAt time.Time
	lastAmend time.Time
	priceStep float64
}

// restingTP tracks the resting take-profit slices for one symbol.
type restingTP struct {
	trader   *grid.Trader
	orderIDs map[int64]float64
	price    float64
	qty      float64
	partial  bool
	placedAt time.Time
}

// Orchestrator is the account-scoped runtime.
type Orchestrator struct {
	cfg       *config.Config
	log       *logging.Logger
	exec      binance.Executor
	client    *binance.FuturesClient // nil under test; streams and candles disabled
	store     *store.Store
	ring      *events.Ring
	sitter    *babysitter.Client
	audit     *audit.Trail
	scope     string
	sessionID string

	mu             sync.Mutex
	traders        map[string]*grid.Trader
	sessionSizing  *grid.SessionSizing
	symbolInfos    map[string]*binance.SymbolInfo
	pendingEntries map[string]*pendingEntry
	restingTPs     map[string]*restingTP
	routes         map[int64]orderRoute
	virtual        map[string]string // symbol -> babysitter position ID
	lastPriceWrite map[string]time.Time

	flowMu      sync.Mutex
	accountFlow *signal.SecondBucketFlow

	ordersCh   chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	streams    []*binance.MarketStream
	userStream *binance.UserDataStream
	rng        *rand.Rand
	started    bool
}

// DeriveScope namespaces all persisted state by account: the first twelve
// hex digits of the SHA-256 of the API key. Stable across restarts,
// never reveals the key.
func DeriveScope(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])[:12]
}

// New wires an orchestrator. client may be nil (tests drive exec
// directly); st may be nil for memory-only operation.
func New(cfg *config.Config, exec binance.Executor, client *binance.FuturesClient, st *store.Store, log *logging.Logger) *Orchestrator {
	scope := cfg.BinanceConfig.Scope
	if scope == "" {
		scope = DeriveScope(cfg.BinanceConfig.APIKey)
	}
	o := &Orchestrator{
		cfg:            cfg,
		log:            log.WithComponent("orchestrator"),
		exec:           exec,
		client:         client,
		store:          st,
		ring:           events.NewRing(),
		audit:          audit.New(nil, cfg.LoggingConfig.Level),
		scope:          scope,
		sessionID:      uuid.NewString(),
		traders:        make(map[string]*grid.Trader),
		symbolInfos:    make(map[string]*binance.SymbolInfo),
		pendingEntries: make(map[string]*pendingEntry),
		restingTPs:     make(map[string]*restingTP),
		routes:         make(map[int64]orderRoute),
		virtual:        make(map[string]string),
		lastPriceWrite: make(map[string]time.Time),
		accountFlow:    signal.NewSecondBucketFlow(),
		ordersCh:       make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if url := cfg.BabysitConfig.PMSAPIURL; url != "" {
		o.sitter = babysitter.New(url, log)
	}
	return o
}

// Scope returns the account namespace.
func (o *Orchestrator) Scope() string { return o.scope }

// Events exposes the shared event ring.
func (o *Orchestrator) Events() *events.Ring { return o.ring }

// symbolUniverse resolves the tradable symbol list: the explicit config
// list, extended by the exchange scan when enabled, minus the blacklist.
func (o *Orchestrator) symbolUniverse() []string {
	seen := make(map[string]bool)
	out := make([]string, 0, 16)
	add := func(sym string) {
		if sym == "" || seen[sym] {
			return
		}
		for _, b := range o.cfg.BinanceConfig.BlacklistSymbols {
			if b == sym {
				return
			}
		}
		seen[sym] = true
		out = append(out, sym)
	}
	for _, s := range o.cfg.ScannerConfig.Symbols {
		add(s)
	}
	if o.cfg.ScannerConfig.Enabled && o.client != nil {
		scanned, err := o.client.TradableSymbols(o.cfg.ScannerConfig.QuoteCurrency)
		if err != nil {
			o.log.Warn("symbol scan failed", "error", err)
		} else {
			for _, s := range scanned {
				if o.cfg.ScannerConfig.MaxSymbols > 0 && len(out) >= o.cfg.ScannerConfig.MaxSymbols {
					break
				}
				add(s)
			}
		}
	}
	return out
}

// AddTrader creates, seeds, and registers a trader for a symbol. Safe to
// call while running (pair rotation).
func (o *Orchestrator) AddTrader(symbol string) (*grid.Trader, error) {
	o.mu.Lock()
	if t, ok := o.traders[symbol]; ok {
		o.mu.Unlock()
		return t, nil
	}
	o.mu.Unlock()

	info, err := o.exec.GetSymbolInfo(symbol)
	if err != nil {
		return nil, fmt.Errorf("symbol info for %s: %w", symbol, err)
	}

	var candles vol.CandleSource
	if o.client != nil {
		candles = o.client
	}
	volCfg := vol.Config{
		RefreshSec:   o.cfg.VolConfig.RefreshSec,
		LiveWeight:   o.cfg.VolConfig.LiveWeight,
		LiveEMAAlpha: o.cfg.VolConfig.LiveEMAAlpha,
		DriftMin:     o.cfg.VolConfig.DriftMin,
		DriftMax:     o.cfg.VolConfig.DriftMax,
		TailMult:     o.cfg.VolConfig.TailMult,
		TFWeights:    o.cfg.VolConfig.TFWeights,
		TFLookbacks:  o.cfg.VolConfig.TFLookbacks,
	}

	t := grid.NewTrader(symbol, o.cfg, grid.Deps{
		Log:            o.log,
		Events:         o.ring,
		Vol:            vol.NewCalibrator(symbol, volCfg, candles, o.log),
		Scope:          o.scope,
		SessionID:      o.sessionID,
		PortfolioCheck: o.portfolioHasRoom,
		OrdersReady:    o.wakeOrderLoop,
	})

	if err := o.exec.SetLeverage(symbol, 1); err != nil {
		o.log.Warn("set leverage failed", "symbol", symbol, "error", err)
	}

	o.mu.Lock()
	o.traders[symbol] = t
	o.symbolInfos[symbol] = info
	sizing := o.sessionSizing
	o.mu.Unlock()
	if sizing != nil {
		t.SetSessionSizing(*sizing)
	}
	return t, nil
}

// portfolioHasRoom reports whether adding notional keeps the account
// under the cap. Includes in-flight entry decisions at their reference
// price so concurrent traders cannot jointly overshoot.
func (o *Orchestrator) portfolioHasRoom(additional float64) bool {
	return o.openNotional()+additional <= o.cfg.PortfolioConfig.MaxTotalNotional
}

func (o *Orchestrator) openNotional() float64 {
	o.mu.Lock()
	traders := make([]*grid.Trader, 0, len(o.traders))
	for _, t := range o.traders {
		traders = append(traders, t)
	}
	o.mu.Unlock()

	var total float64
	for _, t := range traders {
		total += t.TotalNotional()
	}
	return total
}

func (o *Orchestrator) wakeOrderLoop() {
	select {
	case o.ordersCh <- struct{}{}:
	default:
	}
}

// Start seeds traders, reconciles with the exchange, connects streams,
// and launches the runtime loops.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	o.log.Info("starting", "scope", o.scope, "session", o.sessionID)

	symbols := o.symbolUniverse()
	for _, sym := range symbols {
		if _, err := o.AddTrader(sym); err != nil {
			o.log.Error("trader init failed", "symbol", sym, "error", err)
		}
	}

	o.restoreState()
	o.startupReconcile()
	o.saveSessionConfig()

	o.exec.SetOrderUpdateHandler(o.onOrderUpdate)
	if o.client != nil {
		o.startStreams()
		us := binance.NewUserDataStream(o.client, o.cfg.BinanceConfig.TestNet)
		if err := us.Start(); err != nil {
			o.log.Error("user data stream failed", "error", err)
		} else {
			o.userStream = us
		}
	}

	o.wg.Add(4)
	go o.orderLoop()
	go o.reconcileLoop()
	go o.restingLoop()
	go o.persistLoop()

	o.wg.Add(1)
	go o.telemetryLoop()

	if o.cfg.ScannerConfig.Enabled && o.client != nil {
		o.wg.Add(1)
		go o.rotationLoop()
	}
	return nil
}

// startStreams opens combined market-data connections, at most 100
// symbols each.
func (o *Orchestrator) startStreams() {
	o.mu.Lock()
	symbols := make([]string, 0, len(o.traders))
	for sym := range o.traders {
		symbols = append(symbols, sym)
	}
	o.mu.Unlock()

	for start := 0; start < len(symbols); start += binance.MaxStreamsPerConnection {
		end := start + binance.MaxStreamsPerConnection
		if end > len(symbols) {
			end = len(symbols)
		}
		ms := binance.NewMarketStream(symbols[start:end], o.cfg.BinanceConfig.TestNet,
			o.onBook, o.onTrade)
		if err := ms.Start(); err != nil {
			o.log.Error("market stream failed", "error", err)
			continue
		}
		o.streams = append(o.streams, ms)
	}
}

// onBook dispatches an L1 update to its trader and caches the mid price.
func (o *Orchestrator) onBook(symbol string, bid, ask, bidQty, askQty, ts float64) {
	o.mu.Lock()
	t := o.traders[symbol]
	o.mu.Unlock()
	if t == nil {
		return
	}
	t.OnBook(bid, ask, bidQty, askQty, ts)

	if o.store != nil {
		now := time.Now()
		o.mu.Lock()
		due := now.Sub(o.lastPriceWrite[symbol]) >= priceCacheInterval
		if due {
			o.lastPriceWrite[symbol] = now
		}
		o.mu.Unlock()
		if due {
			if err := o.store.SetPrice(symbol, (bid+ask)/2, "book_ticker"); err != nil {
				o.log.Debug("price cache write failed", "symbol", symbol, "error", err)
			}
		}
	}
}

// onTrade dispatches an aggressive trade to its trader and the
// account-level flow tracker.
func (o *Orchestrator) onTrade(symbol string, price, qty float64, isSellAggressor bool, ts float64) {
	o.mu.Lock()
	t := o.traders[symbol]
	o.mu.Unlock()
	if t != nil {
		t.OnTrade(price, qty, isSellAggressor, ts)
	}

	o.flowMu.Lock()
	o.accountFlow.Push(ts, price, qty, isSellAggressor)
	o.flowMu.Unlock()
}

// saveSessionConfig persists the grid sizing in force, used for
// reverse-grid synthesis after restarts under different configs. From
// here on new synthetic grids size against the live config.
func (o *Orchestrator) saveSessionConfig() {
	live := grid.SessionSizing{
		MinNotional: o.cfg.GridConfig.MinNotional,
		MaxNotional: o.cfg.GridConfig.MaxNotional,
		SizeGrowth:  o.cfg.GridConfig.SizeGrowth,
		MaxLayers:   o.cfg.GridConfig.MaxLayers,
	}
	o.mu.Lock()
	o.sessionSizing = &live
	traders := make([]*grid.Trader, 0, len(o.traders))
	for _, t := range o.traders {
		traders = append(traders, t)
	}
	o.mu.Unlock()
	for _, t := range traders {
		t.SetSessionSizing(live)
	}

	if o.store == nil {
		return
	}
	err := o.store.SaveSessionConfig(store.SessionConfig{
		MinNotional: live.MinNotional,
		MaxNotional: live.MaxNotional,
		SizeGrowth:  live.SizeGrowth,
		MaxLayers:   live.MaxLayers,
	})
	if err != nil {
		o.log.Warn("session config save failed", "error", err)
	}
}

// restoreState seeds each trader from its persisted snapshots and pins
// the sizing of the previous session for reverse-grid synthesis.
func (o *Orchestrator) restoreState() {
	if o.store == nil {
		return
	}
	now := float64(time.Now().UnixMilli()) / 1000

	var sizing *grid.SessionSizing
	if sc, ok, err := o.store.LoadSessionConfig(); err == nil && ok {
		sizing = &grid.SessionSizing{
			MinNotional: sc.MinNotional,
			MaxNotional: sc.MaxNotional,
			SizeGrowth:  sc.SizeGrowth,
			MaxLayers:   sc.MaxLayers,
		}
	} else if err != nil {
		o.log.Warn("session config load failed", "error", err)
	}

	o.mu.Lock()
	o.sessionSizing = sizing
	traders := make(map[string]*grid.Trader, len(o.traders))
	for sym, t := range o.traders {
		traders[sym] = t
	}
	o.mu.Unlock()

	for sym, t := range traders {
		if sizing != nil {
			t.SetSessionSizing(*sizing)
		}
		var snap grid.RuntimeSnapshot
		ok, err := o.store.LoadRuntimeState(sym, &snap)
		if err != nil {
			o.log.Warn("runtime state load failed", "symbol", sym, "error", err)
			continue
		}
		if ok {
			t.Restore(snap, now)
			continue
		}
		var rec grid.RecoverySnapshot
		if ok, err := o.store.LoadRecoveryState(sym, &rec); err == nil && ok {
			t.RestoreRecovery(rec)
		}
	}
}
