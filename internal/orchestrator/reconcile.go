package orchestrator

import (
	"math"
	"time"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/grid"
)

// reconcileLoop periodically squares local grids against exchange truth.
// The exchange always wins: a flat exchange resets the local grid, and a
// drifted position is rebuilt as a synthetic grid at the real entry.
func (o *Orchestrator) reconcileLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.reconcileAll()
		}
	}
}

func (o *Orchestrator) reconcileAll() {
	positions, err := o.exec.GetPositions()
	if err != nil {
		o.log.Warn("position fetch failed", "error", err)
		return
	}

	o.mu.Lock()
	traders := make(map[string]*grid.Trader, len(o.traders))
	for sym, t := range o.traders {
		traders[sym] = t
	}
	o.mu.Unlock()

	now := float64(time.Now().UnixMilli()) / 1000
	for sym, t := range traders {
		// In-flight decisions make local and exchange state legitimately
		// diverge; let them settle first.
		if t.Pending() {
			continue
		}
		o.reconcileTrader(sym, t, positions[sym], now, qtyMatchTolerance, priceMatchTolerance)
	}

	// Exchange positions with no trader at all: orphans appearing
	// mid-session (manual trades, other tooling).
	for sym, pos := range positions {
		if pos.Side != "short" {
			continue
		}
		o.mu.Lock()
		_, known := o.traders[sym]
		o.mu.Unlock()
		if known || !o.cfg.ScannerConfig.AdoptOrphans {
			continue
		}
		t, err := o.AddTrader(sym)
		if err != nil {
			o.log.Error("orphan trader init failed", "symbol", sym, "error", err)
			continue
		}
		t.AdoptPosition(pos.Contracts, pos.EntryPrice, now)
	}
}

// reconcileTrader compares one trader with its exchange position and
// syncs when drift exceeds the tolerances.
func (o *Orchestrator) reconcileTrader(sym string, t *grid.Trader, pos binance.Position, now, qtyTol, priceTol float64) {
	localQty := t.TotalQty()

	exchangeQty := 0.0
	exchangeEntry := 0.0
	if pos.Side == "short" {
		exchangeQty = pos.Contracts
		exchangeEntry = pos.EntryPrice
	} else if pos.Side == "long" && pos.Contracts > 0 {
		o.log.Warn("unexpected long position", "symbol", sym, "qty", pos.Contracts)
		return
	}

	if exchangeQty <= 0 {
		if localQty > 0 {
			o.log.Warn("exchange flat, local grid open; exchange wins",
				"symbol", sym, "local_qty", localQty)
			t.SyncWithExchange(0, 0, now)
			o.cancelRestingTP(sym)
		}
		return
	}

	if localQty <= 0 {
		o.log.Warn("exchange position without local grid, syncing",
			"symbol", sym, "qty", exchangeQty)
		t.SyncWithExchange(exchangeQty, exchangeEntry, now)
		return
	}

	// Drift is relative to the larger side so a partial local overshoot
	// and an exchange overshoot score symmetrically.
	qtyDrift := math.Abs(exchangeQty-localQty) / math.Max(localQty, exchangeQty)
	priceDrift := 0.0
	if avg := t.AvgEntry(); avg > 0 {
		priceDrift = math.Abs(exchangeEntry-avg) / avg
	}
	if qtyDrift > qtyTol || priceDrift > priceTol {
		o.log.Warn("position drift, syncing to exchange",
			"symbol", sym,
			"qty_drift", qtyDrift,
			"price_drift", priceDrift)
		t.SyncWithExchange(exchangeQty, exchangeEntry, now)
		o.cancelRestingTP(sym)
	}
}

// reconcileSymbol forces an immediate reconcile for one symbol, used
// after close shortfalls and partial TP fills.
func (o *Orchestrator) reconcileSymbol(sym string) {
	positions, err := o.exec.GetPositions()
	if err != nil {
		o.log.Warn("position fetch failed", "symbol", sym, "error", err)
		return
	}
	o.mu.Lock()
	t := o.traders[sym]
	o.mu.Unlock()
	if t == nil {
		return
	}
	now := float64(time.Now().UnixMilli()) / 1000
	o.reconcileTrader(sym, t, positions[sym], now, qtyMatchTolerance, priceMatchTolerance)
}

// startupReconcile squares restored state against the exchange before
// any trading starts. Restored grids matching exchange truth within the
// tight startup tolerances are kept bit-for-bit; everything else defers
// to the exchange. Orphan positions are adopted with entries disabled.
func (o *Orchestrator) startupReconcile() {
	positions, err := o.exec.GetPositions()
	if err != nil {
		o.log.Error("startup position fetch failed", "error", err)
		return
	}

	o.mu.Lock()
	traders := make(map[string]*grid.Trader, len(o.traders))
	for sym, t := range o.traders {
		traders[sym] = t
	}
	o.mu.Unlock()

	now := float64(time.Now().UnixMilli()) / 1000

	for sym, t := range traders {
		pos, has := positions[sym]
		if !has || pos.Side != "short" || pos.Contracts <= 0 {
			if t.LayerCount() > 0 {
				o.log.Warn("restored grid has no exchange position, resetting", "symbol", sym)
				t.SyncWithExchange(0, 0, now)
			}
			continue
		}

		if t.LayerCount() == 0 {
			if o.cfg.ScannerConfig.AdoptOrphans {
				t.AdoptPosition(pos.Contracts, pos.EntryPrice, now)
			} else {
				o.log.Warn("unmanaged exchange position left alone",
					"symbol", sym, "qty", pos.Contracts)
			}
			continue
		}

		o.reconcileTrader(sym, t, pos, now, startupQtyTolerance, startupPriceTolerance)
	}

	for sym, pos := range positions {
		if pos.Side != "short" || pos.Contracts <= 0 {
			continue
		}
		o.mu.Lock()
		_, known := o.traders[sym]
		o.mu.Unlock()
		if known {
			continue
		}
		if !o.cfg.ScannerConfig.AdoptOrphans {
			o.log.Warn("exchange position outside universe ignored", "symbol", sym)
			continue
		}
		t, err := o.AddTrader(sym)
		if err != nil {
			o.log.Error("orphan trader init failed", "symbol", sym, "error", err)
			continue
		}
		t.AdoptPosition(pos.Contracts, pos.EntryPrice, now)
	}
}
