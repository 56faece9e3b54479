package orchestrator

import (
	"math"
	"strings"
	"testing"
	"time"

	"binance-grid-bot/config"
	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/events"
	"binance-grid-bot/internal/grid"
	"binance-grid-bot/internal/logging"
	"binance-grid-bot/internal/store"
)

func testLog() *logging.Logger {
	return logging.New(&logging.Config{Level: "ERROR", Output: "stderr"})
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.BinanceConfig.APIKey = "test-key"
	cfg.BinanceConfig.SecretKey = "test-secret"
	cfg.ScannerConfig.Symbols = []string{"BTCUSDT"}
	cfg.LoggingConfig.Level = "ERROR"
	return cfg
}

// newTestOrch builds an orchestrator over a mock executor with no live
// client and no store. The update handler is wired so mock fills flow
// through the same path as the user-data stream.
func newTestOrch(mutate func(*config.Config)) (*Orchestrator, *binance.MockExecutor) {
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	mock := binance.NewMockExecutor()
	o := New(cfg, mock, nil, nil, testLog())
	mock.SetOrderUpdateHandler(o.onOrderUpdate)
	return o, mock
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestDeriveScope(t *testing.T) {
	a := DeriveScope("key-a")
	if len(a) != 12 {
		t.Fatalf("scope length = %d, want 12", len(a))
	}
	for _, r := range a {
		if !strings.ContainsRune("0123456789abcdef", r) {
			t.Fatalf("scope %q contains non-hex %q", a, r)
		}
	}
	if a != DeriveScope("key-a") {
		t.Fatal("scope not deterministic")
	}
	if a == DeriveScope("key-b") {
		t.Fatal("different keys produced the same scope")
	}
}

func TestNewScopeSelection(t *testing.T) {
	o, _ := newTestOrch(nil)
	if o.Scope() != DeriveScope("test-key") {
		t.Fatalf("scope = %q, want derived from api key", o.Scope())
	}
	if o.sessionID == "" {
		t.Fatal("session id empty")
	}

	o2, _ := newTestOrch(func(c *config.Config) { c.BinanceConfig.Scope = "explicit" })
	if o2.Scope() != "explicit" {
		t.Fatalf("scope = %q, want explicit override", o2.Scope())
	}
}

func TestSymbolUniverseBlacklistAndDedupe(t *testing.T) {
	o, _ := newTestOrch(func(c *config.Config) {
		c.ScannerConfig.Symbols = []string{"BTCUSDT", "ETHUSDT", "BTCUSDT", "", "SOLUSDT"}
		c.BinanceConfig.BlacklistSymbols = []string{"ETHUSDT"}
	})
	got := o.symbolUniverse()
	want := []string{"BTCUSDT", "SOLUSDT"}
	if len(got) != len(want) {
		t.Fatalf("universe = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("universe = %v, want %v", got, want)
		}
	}
}

func TestAddTraderIdempotent(t *testing.T) {
	o, mock := newTestOrch(nil)
	t1, err := o.AddTrader("BTCUSDT")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	t2, err := o.AddTrader("BTCUSDT")
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if t1 != t2 {
		t.Fatal("re-add built a second trader")
	}
	o.mu.Lock()
	info := o.symbolInfos["BTCUSDT"]
	o.mu.Unlock()
	if info == nil {
		t.Fatal("symbol info not cached")
	}
	if mock.Leverage["BTCUSDT"] != 1 {
		t.Fatalf("leverage = %d, want 1", mock.Leverage["BTCUSDT"])
	}
}

func TestPortfolioRoomCountsOpenNotional(t *testing.T) {
	o, _ := newTestOrch(func(c *config.Config) { c.PortfolioConfig.MaxTotalNotional = 300 })
	if !o.portfolioHasRoom(300) {
		t.Fatal("empty book rejected notional at the cap")
	}
	if o.portfolioHasRoom(301) {
		t.Fatal("empty book accepted notional over the cap")
	}

	tr, err := o.AddTrader("BTCUSDT")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	tr.AdoptPosition(2, 100, 1000) // 200 open notional
	if !o.portfolioHasRoom(99) {
		t.Fatal("rejected notional that fits beside the open position")
	}
	if o.portfolioHasRoom(101) {
		t.Fatal("accepted notional that overshoots with the open position")
	}
}

func TestExecuteEntryPlacesSlicesAndBuildsLayers(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, err := o.AddTrader("BTCUSDT")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	o.executeEntry(tr, grid.OrderIntent{
		Side: grid.SideSell, Symbol: "BTCUSDT", Qty: 1.0, RefPrice: 100, SignalTs: 1000,
	})

	o.mu.Lock()
	pe := o.pendingEntries["BTCUSDT"]
	o.mu.Unlock()
	if pe == nil {
		t.Fatal("no pending entry after execute")
	}

	type slice struct {
		id    int64
		price float64
		qty   float64
	}
	var slices []slice
	var qtySum float64
	for _, ord := range mock.Orders {
		if ord.Type != "limit_sell" {
			continue
		}
		slices = append(slices, slice{ord.OrderID, ord.Price, ord.Qty})
		qtySum += ord.Qty
	}
	if len(slices) < 2 || len(slices) > 5 {
		t.Fatalf("slice count = %d, want within [2, 5]", len(slices))
	}
	// Step rounding can shave at most one step per slice.
	if qtySum > 1.0 || qtySum < 1.0-float64(len(slices))*0.001 {
		t.Fatalf("slice qty sum = %v, want ~1.0", qtySum)
	}

	for _, sl := range slices {
		mock.Fill(sl.id, sl.price, 0.001)
	}

	o.mu.Lock()
	_, still := o.pendingEntries["BTCUSDT"]
	rt := o.restingTPs["BTCUSDT"]
	o.mu.Unlock()
	if still {
		t.Fatal("pending entry survived all slice fills")
	}
	if tr.LayerCount() != 1 {
		t.Fatalf("layers = %d, want one merged layer", tr.LayerCount())
	}
	if math.Abs(tr.TotalQty()-qtySum) > 1e-9 {
		t.Fatalf("trader qty = %v, want filled %v", tr.TotalQty(), qtySum)
	}

	// The filled grid is covered by a resting TP below the average entry.
	if rt == nil {
		t.Fatal("no resting tp after entry completed")
	}
	if rt.price >= tr.AvgEntry() {
		t.Fatalf("tp price %v not below avg entry %v", rt.price, tr.AvgEntry())
	}
	if mock.OpenOrderCount() != len(rt.orderIDs) {
		t.Fatalf("open orders = %d, tracked tp slices = %d",
			mock.OpenOrderCount(), len(rt.orderIDs))
	}
}

func TestExecuteEntryDropped(t *testing.T) {
	// Portfolio cap.
	o, mock := newTestOrch(func(c *config.Config) { c.PortfolioConfig.MaxTotalNotional = 50 })
	tr, _ := o.AddTrader("BTCUSDT")
	o.executeEntry(tr, grid.OrderIntent{
		Side: grid.SideSell, Symbol: "BTCUSDT", Qty: 1.0, RefPrice: 100,
	})
	if mock.OpenOrderCount() != 0 {
		t.Fatal("capped entry still placed orders")
	}
	o.mu.Lock()
	_, pending := o.pendingEntries["BTCUSDT"]
	o.mu.Unlock()
	if pending {
		t.Fatal("capped entry left a pending record")
	}

	// All slices post-only rejected.
	o2, mock2 := newTestOrch(nil)
	tr2, _ := o2.AddTrader("BTCUSDT")
	mock2.RejectSells = true
	o2.executeEntry(tr2, grid.OrderIntent{
		Side: grid.SideSell, Symbol: "BTCUSDT", Qty: 1.0, RefPrice: 100,
	})
	if mock2.OpenOrderCount() != 0 {
		t.Fatal("rejected entry left resting orders")
	}
	o2.mu.Lock()
	_, pending = o2.pendingEntries["BTCUSDT"]
	o2.mu.Unlock()
	if pending {
		t.Fatal("rejected entry left a pending record")
	}
}

func TestOnOrderUpdateUnknownIDIgnored(t *testing.T) {
	o, _ := newTestOrch(nil)
	o.onOrderUpdate(4242, binance.StatusFilled, &binance.FillResult{Qty: 1, AvgPrice: 100})
	o.onOrderUpdate(4242, binance.StatusCanceled, nil)
}

func TestExecuteCloseMakerImmediateFill(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)
	tr.OnBook(100.2, 100.3, 5, 5, 1001)

	qty := tr.TotalQty()
	mock.LimitBuyFill = &binance.FillResult{
		Qty: qty, AvgPrice: 100.21, Fee: 0.03, Timestamp: time.Now(),
	}
	o.executeClose(tr, grid.OrderIntent{
		Side: grid.SideBuy, Symbol: "BTCUSDT", Qty: qty,
		Reason: "stop", Bid: 100.2, Ask: 100.3, MinNetBps: -1e9,
	})

	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d after maker fill, want 0", tr.LayerCount())
	}
	if tr.Pending() {
		t.Fatal("pending flag survived the close")
	}
	if tr.CumPnLUSD() >= 0 {
		t.Fatalf("pnl = %v, want a loss closing above entry", tr.CumPnLUSD())
	}
}

func TestExecuteCloseLadderFallsThroughToTaker(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)
	tr.OnBook(100.2, 100.3, 5, 5, 1001)

	qty := tr.TotalQty()
	mock.MarketFill = &binance.FillResult{
		Qty: qty, AvgPrice: 100.32, Fee: 0.04, Timestamp: time.Now(),
	}

	done := make(chan struct{})
	go func() {
		o.executeClose(tr, grid.OrderIntent{
			Side: grid.SideBuy, Symbol: "BTCUSDT", Qty: qty,
			Reason: "stop", Bid: 100.2, Ask: 100.3, MinNetBps: -1e9,
		})
		close(done)
	}()

	// Wait for the maker rung to rest, then cancel it out from under the
	// ladder; the close must escalate to the taker rungs.
	var makerID int64
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		for id, r := range o.routes {
			if r.kind == routeCloseOrder {
				makerID = id
				return true
			}
		}
		return false
	}, "maker close never rested")
	mock.Expire(makerID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close ladder never finished")
	}

	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d after ladder, want 0", tr.LayerCount())
	}
	var sawLimit, sawIOC, sawMarket bool
	for _, ord := range mock.Orders {
		switch ord.Type {
		case "limit_buy":
			sawLimit = true
		case "ioc_buy":
			sawIOC = true
		case "market_buy":
			sawMarket = true
		}
	}
	if !sawLimit || !sawIOC || !sawMarket {
		t.Fatalf("ladder rungs limit=%v ioc=%v market=%v, want all",
			sawLimit, sawIOC, sawMarket)
	}
}

func TestExecuteClosePartialTakerAggregatesSettlement(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)
	tr.OnBook(100.25, 100.30, 5, 5, 1001)

	// The IOC takes part of the close and the market order finishes it;
	// both legs must settle as one close at the volume weighted price.
	mock.IOCFill = &binance.FillResult{
		Qty: 0.4, AvgPrice: 100.30, Fee: 0.02, Timestamp: time.Now(),
	}
	mock.MarketFill = &binance.FillResult{
		Qty: 0.6, AvgPrice: 100.35, Fee: 0.03, Timestamp: time.Now(),
	}

	done := make(chan struct{})
	go func() {
		o.executeClose(tr, grid.OrderIntent{
			Side: grid.SideBuy, Symbol: "BTCUSDT", Qty: 1,
			Reason: "stop", Bid: 100.25, Ask: 100.30, MinNetBps: -1e9,
		})
		close(done)
	}()

	var makerID int64
	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		for id, r := range o.routes {
			if r.kind == routeCloseOrder {
				makerID = id
				return true
			}
		}
		return false
	}, "maker close never rested")
	mock.Expire(makerID)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close ladder never finished")
	}

	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d, want 0", tr.LayerCount())
	}
	if tr.SessionTrades() != 1 {
		t.Fatalf("trades = %d, want one settled close", tr.SessionTrades())
	}
	// VWAP 100.33: gross -0.33, entry fee estimate 100 * 2.52 bps,
	// exit fees 0.02 + 0.03.
	want := -0.33 - 100*2.52/10000 - 0.05
	if math.Abs(tr.CumPnLUSD()-want) > 1e-9 {
		t.Fatalf("pnl = %v, want %v", tr.CumPnLUSD(), want)
	}
	var sawIOC, sawMarket bool
	for _, ord := range mock.Orders {
		switch ord.Type {
		case "ioc_buy":
			sawIOC = true
		case "market_buy":
			sawMarket = true
		}
	}
	if !sawIOC || !sawMarket {
		t.Fatalf("rungs ioc=%v market=%v, want both", sawIOC, sawMarket)
	}
}

func TestExecuteCloseShortfallReconciles(t *testing.T) {
	o, _ := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)
	// No book and no scripted fills: every rung comes back empty, and the
	// exchange reports flat, so reconciliation resets the local grid.
	o.executeClose(tr, grid.OrderIntent{
		Side: grid.SideBuy, Symbol: "BTCUSDT", Qty: tr.TotalQty(),
		Reason: "stop", MinNetBps: -1e9,
	})

	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d, want 0 after exchange-flat reconcile", tr.LayerCount())
	}
	if tr.Pending() {
		t.Fatal("pending flag survived the shortfall path")
	}
}

func TestReconcileTraderSyncsOnDrift(t *testing.T) {
	o, _ := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)

	// Drift beyond tolerance rebuilds at exchange truth.
	o.reconcileTrader("BTCUSDT", tr,
		binance.Position{Side: "short", Contracts: 1.5, EntryPrice: 101},
		1010, qtyMatchTolerance, priceMatchTolerance)
	if math.Abs(tr.TotalQty()-1.5) > 1e-9 {
		t.Fatalf("qty = %v, want exchange 1.5", tr.TotalQty())
	}
	if math.Abs(tr.AvgEntry()-101) > 1e-9 {
		t.Fatalf("avg entry = %v, want exchange 101", tr.AvgEntry())
	}

	// Drift within tolerance leaves local state alone.
	o.reconcileTrader("BTCUSDT", tr,
		binance.Position{Side: "short", Contracts: 1.501, EntryPrice: 101},
		1020, qtyMatchTolerance, priceMatchTolerance)
	if math.Abs(tr.TotalQty()-1.5) > 1e-9 {
		t.Fatalf("qty = %v, in-tolerance drift triggered a resync", tr.TotalQty())
	}

	// An unexpected long is reported, never synced.
	o.reconcileTrader("BTCUSDT", tr,
		binance.Position{Side: "long", Contracts: 2, EntryPrice: 99},
		1030, qtyMatchTolerance, priceMatchTolerance)
	if math.Abs(tr.TotalQty()-1.5) > 1e-9 {
		t.Fatalf("qty = %v, long position mutated the short grid", tr.TotalQty())
	}
}

func TestReconcileDriftRelativeToLargerSide(t *testing.T) {
	o, _ := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)

	// Exchange 1.0203 against local 1.0 is 1.99% of the larger side,
	// inside the 2% tolerance; dividing by the local quantity alone
	// would call it 2.03% and churn a resync.
	o.reconcileTrader("BTCUSDT", tr,
		binance.Position{Side: "short", Contracts: 1.0203, EntryPrice: 100},
		1010, qtyMatchTolerance, priceMatchTolerance)
	if math.Abs(tr.TotalQty()-1) > 1e-9 {
		t.Fatalf("qty = %v, symmetric drift inside tolerance resynced", tr.TotalQty())
	}

	// Real drift still syncs.
	o.reconcileTrader("BTCUSDT", tr,
		binance.Position{Side: "short", Contracts: 1.05, EntryPrice: 100},
		1020, qtyMatchTolerance, priceMatchTolerance)
	if math.Abs(tr.TotalQty()-1.05) > 1e-9 {
		t.Fatalf("qty = %v, want synced 1.05", tr.TotalQty())
	}
}

func TestReconcileTraderFlatExchangeWins(t *testing.T) {
	o, _ := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)

	o.reconcileTrader("BTCUSDT", tr, binance.Position{}, 1010,
		qtyMatchTolerance, priceMatchTolerance)
	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d, want 0 when exchange is flat", tr.LayerCount())
	}
}

func TestStartupReconcileAdoptsOrphan(t *testing.T) {
	o, mock := newTestOrch(func(c *config.Config) { c.ScannerConfig.Symbols = nil })
	mock.Positions["ETHUSDT"] = binance.Position{
		Symbol: "ETHUSDT", Side: "short", Contracts: 2, EntryPrice: 50,
	}
	o.startupReconcile()

	o.mu.Lock()
	tr := o.traders["ETHUSDT"]
	o.mu.Unlock()
	if tr == nil {
		t.Fatal("orphan position not adopted")
	}
	if tr.LayerCount() == 0 {
		t.Fatal("adopted trader has no layers")
	}
	if math.Abs(tr.TotalQty()-2) > 1e-9 {
		t.Fatalf("adopted qty = %v, want 2", tr.TotalQty())
	}
	if tr.EntryEnabled() {
		t.Fatal("adopted trader may open new entries")
	}

	// With adoption off the orphan is left alone.
	o2, mock2 := newTestOrch(func(c *config.Config) {
		c.ScannerConfig.Symbols = nil
		c.ScannerConfig.AdoptOrphans = false
	})
	mock2.Positions["ETHUSDT"] = binance.Position{
		Symbol: "ETHUSDT", Side: "short", Contracts: 2, EntryPrice: 50,
	}
	o2.startupReconcile()
	o2.mu.Lock()
	_, known := o2.traders["ETHUSDT"]
	o2.mu.Unlock()
	if known {
		t.Fatal("orphan adopted despite adoption disabled")
	}
}

func TestStartupReconcileResetsStaleRestore(t *testing.T) {
	o, _ := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000) // stands in for a restored snapshot

	// The exchange has no position for the symbol.
	o.startupReconcile()
	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d, want restored grid reset", tr.LayerCount())
	}
}

func TestRestoredSessionSizingDrivesSyntheticGrids(t *testing.T) {
	cfg := testConfig()
	mock := binance.NewMockExecutor()
	st := store.New(nil, "scopeSizing")
	// The previous session ran a flat 100-notional ladder; the live
	// config would split the same exposure into six geometric layers.
	if err := st.SaveSessionConfig(store.SessionConfig{
		MinNotional: 100, MaxNotional: 100, SizeGrowth: 1, MaxLayers: 4,
	}); err != nil {
		t.Fatalf("save session config: %v", err)
	}
	o := New(cfg, mock, nil, st, testLog())
	mock.SetOrderUpdateHandler(o.onOrderUpdate)
	mock.Positions["BTCUSDT"] = binance.Position{
		Symbol: "BTCUSDT", Side: "short", Contracts: 2, EntryPrice: 100,
	}

	tr, err := o.AddTrader("BTCUSDT")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	o.restoreState()
	o.startupReconcile()

	if tr.LayerCount() != 2 {
		t.Fatalf("layers = %d, want 2 from the persisted sizing", tr.LayerCount())
	}
	if math.Abs(tr.TotalQty()-2) > 1e-9 {
		t.Fatalf("qty = %v, want 2", tr.TotalQty())
	}
}

func TestCloseAndEntryWriteSnapshotsImmediately(t *testing.T) {
	cfg := testConfig()
	mock := binance.NewMockExecutor()
	st := store.New(nil, "scopeSnap")
	o := New(cfg, mock, nil, st, testLog())
	mock.SetOrderUpdateHandler(o.onOrderUpdate)
	tr, err := o.AddTrader("BTCUSDT")
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	o.executeEntry(tr, grid.OrderIntent{
		Side: grid.SideSell, Symbol: "BTCUSDT", Qty: 1.0, RefPrice: 100, SignalTs: 1000,
	})
	var sliceIDs []int64
	for _, ord := range mock.Orders {
		if ord.Type == "limit_sell" {
			sliceIDs = append(sliceIDs, ord.OrderID)
		}
	}
	for _, id := range sliceIDs {
		mock.Fill(id, 100, 0.001)
	}

	// The entry fill alone must already be on disk, without waiting for
	// the periodic sync tick.
	var snap grid.RuntimeSnapshot
	ok, err := st.LoadRuntimeState("BTCUSDT", &snap)
	if err != nil || !ok {
		t.Fatalf("snapshot after entry: ok=%v err=%v", ok, err)
	}
	if len(snap.Layers) != 1 {
		t.Fatalf("snapshot layers = %d, want 1", len(snap.Layers))
	}

	tr.OnBook(100.2, 100.3, 5, 5, 1001)
	mock.LimitBuyFill = &binance.FillResult{
		Qty: tr.TotalQty(), AvgPrice: 100.21, Fee: 0.03, Timestamp: time.Now(),
	}
	o.executeClose(tr, grid.OrderIntent{
		Side: grid.SideBuy, Symbol: "BTCUSDT", Qty: tr.TotalQty(),
		Reason: "stop", Bid: 100.2, Ask: 100.3, MinNetBps: -1e9,
	})

	ok, err = st.LoadRuntimeState("BTCUSDT", &snap)
	if err != nil || !ok {
		t.Fatalf("snapshot after close: ok=%v err=%v", ok, err)
	}
	if len(snap.Layers) != 0 {
		t.Fatalf("snapshot layers = %d, want 0 after the close", len(snap.Layers))
	}
	if snap.CumPnLUSD >= 0 {
		t.Fatalf("snapshot pnl = %v, want the realized loss", snap.CumPnLUSD)
	}
}

func TestManageRestingEntriesReapsStaleSlices(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	o.executeEntry(tr, grid.OrderIntent{
		Side: grid.SideSell, Symbol: "BTCUSDT", Qty: 1.0, RefPrice: 100,
	})

	o.mu.Lock()
	pe := o.pendingEntries["BTCUSDT"]
	pe.createdAt = time.Now().Add(-10 * time.Second)
	ids := make([]int64, 0, len(pe.orderIDs))
	for id := range pe.orderIDs {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	o.manageRestingEntries()
	if mock.OpenOrderCount() != 0 {
		t.Fatalf("open orders = %d after reap, want 0", mock.OpenOrderCount())
	}

	// Terminal CANCELED updates land on the stream and clear the record.
	for _, id := range ids {
		o.onOrderUpdate(id, binance.StatusCanceled, nil)
	}
	o.mu.Lock()
	_, still := o.pendingEntries["BTCUSDT"]
	o.mu.Unlock()
	if still {
		t.Fatal("pending entry survived reap and cancel updates")
	}
	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d, want 0 with nothing filled", tr.LayerCount())
	}
}

func TestManageRestingEntriesChasesAsk(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	o.executeEntry(tr, grid.OrderIntent{
		Side: grid.SideSell, Symbol: "BTCUSDT", Qty: 1.0, RefPrice: 100,
	})
	tr.OnBook(100.49, 100.50, 5, 5, 1001)

	o.manageRestingEntries()

	o.mu.Lock()
	pe := o.pendingEntries["BTCUSDT"]
	ref := pe.refPrice
	n := len(pe.orderIDs)
	o.mu.Unlock()
	if ref != 100.50 {
		t.Fatalf("ref price = %v, want chased to 100.50", ref)
	}
	if mock.OpenOrderCount() != n {
		t.Fatalf("open orders = %d, tracked = %d", mock.OpenOrderCount(), n)
	}
}

func TestManageRestingTPsCancelsWhenFlat(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)

	o.placeRestingTP("BTCUSDT", tr)
	o.mu.Lock()
	rt := o.restingTPs["BTCUSDT"]
	o.mu.Unlock()
	if rt == nil || mock.OpenOrderCount() == 0 {
		t.Fatal("resting tp not placed")
	}

	tr.SyncWithExchange(0, 0, 1010)
	o.manageRestingTPs()

	o.mu.Lock()
	_, still := o.restingTPs["BTCUSDT"]
	o.mu.Unlock()
	if still {
		t.Fatal("resting tp survived a flat grid")
	}
	if mock.OpenOrderCount() != 0 {
		t.Fatalf("open orders = %d after cancel, want 0", mock.OpenOrderCount())
	}
}

func TestRestingTPFillSettlesAndCancelsSiblings(t *testing.T) {
	o, mock := newTestOrch(nil)
	tr, _ := o.AddTrader("BTCUSDT")
	tr.AdoptPosition(1, 100, 1000)

	o.placeRestingTP("BTCUSDT", tr)
	o.mu.Lock()
	rt := o.restingTPs["BTCUSDT"]
	var fillID int64
	for id := range rt.orderIDs {
		fillID = id
		break
	}
	price := rt.price
	o.mu.Unlock()

	mock.Fill(fillID, price, 0.01)

	o.mu.Lock()
	_, still := o.restingTPs["BTCUSDT"]
	o.mu.Unlock()
	if still {
		t.Fatal("resting tp record survived its fill")
	}
	if mock.OpenOrderCount() != 0 {
		t.Fatalf("open orders = %d, want siblings canceled", mock.OpenOrderCount())
	}
	if tr.LayerCount() != 0 {
		t.Fatalf("layers = %d, want settled", tr.LayerCount())
	}
	if tr.CumPnLUSD() <= 0 {
		t.Fatalf("pnl = %v, want a profit closing below entry", tr.CumPnLUSD())
	}
}

func TestFlushEventsRequeuesOnStoreOutage(t *testing.T) {
	cfg := testConfig()
	mock := binance.NewMockExecutor()
	st := store.New(nil, "scopeT") // memory-only: event log unavailable
	o := New(cfg, mock, nil, st, testLog())

	o.ring.Push(events.StrategyEvent{
		Symbol: "BTCUSDT", Action: "entry", Seq: o.ring.NextSeq(),
	})
	o.flushEvents()
	if o.ring.Len() != 1 {
		t.Fatalf("ring len = %d, want the failed batch requeued", o.ring.Len())
	}
}

func TestStartStopLifecycle(t *testing.T) {
	o, mock := newTestOrch(nil)
	if err := o.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := o.Start(); err == nil {
		t.Fatal("second start succeeded")
	}
	o.Stop()
	if mock.OpenOrderCount() != 0 {
		t.Fatalf("open orders = %d after stop, want 0", mock.OpenOrderCount())
	}
	// Stop after stop is a no-op.
	o.Stop()
}
