package orchestrator

import (
	"time"

	"binance-grid-bot/internal/grid"
)

// eventFlushBatch bounds one event-log write.
const eventFlushBatch = 500

// persistLoop snapshots trader state and flushes the event log on the
// configured cadence, pruning old events hourly.
func (o *Orchestrator) persistLoop() {
	defer o.wg.Done()
	interval := time.Duration(o.cfg.PersistConfig.SyncIntervalSec) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	lastPrune := time.Now()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.persistAll()
			o.flushEvents()
			if time.Since(lastPrune) >= time.Hour {
				lastPrune = time.Now()
				o.pruneEvents()
			}
		}
	}
}

func (o *Orchestrator) persistAll() {
	if o.store == nil {
		return
	}
	o.mu.Lock()
	traders := make(map[string]*grid.Trader, len(o.traders))
	for sym, t := range o.traders {
		traders[sym] = t
	}
	o.mu.Unlock()

	for sym, t := range traders {
		o.persistSymbol(sym, t)
	}
}

// persistSymbol writes one trader's snapshots immediately. It runs after
// entry confirmations and settled closes so a crash between sync ticks
// cannot lose a position change.
func (o *Orchestrator) persistSymbol(sym string, t *grid.Trader) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveRuntimeState(sym, t.Snapshot()); err != nil {
		o.log.Debug("runtime snapshot save failed", "symbol", sym, "error", err)
	}
	if err := o.store.SaveRecoveryState(sym, t.RecoverySnap()); err != nil {
		o.log.Debug("recovery snapshot save failed", "symbol", sym, "error", err)
	}
}

// flushEvents drains the ring into the store; a failed write requeues the
// batch at the front so ordering survives outages.
func (o *Orchestrator) flushEvents() {
	if o.store == nil {
		return
	}
	for {
		batch := o.ring.Drain(eventFlushBatch)
		if len(batch) == 0 {
			return
		}
		if err := o.store.AppendEvents(batch); err != nil {
			o.ring.Requeue(batch)
			o.log.Debug("event flush failed, requeued", "count", len(batch))
			return
		}
		if len(batch) < eventFlushBatch {
			return
		}
	}
}

func (o *Orchestrator) pruneEvents() {
	if o.store == nil {
		return
	}
	days := o.cfg.PersistConfig.RetentionDays
	if days <= 0 {
		days = 7
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	if n, err := o.store.PruneEvents(cutoff); err == nil && n > 0 {
		o.log.Info("pruned old events", "count", n)
	}
}

// telemetryLoop logs the account dashboard line.
func (o *Orchestrator) telemetryLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.logTelemetry()
		}
	}
}

func (o *Orchestrator) logTelemetry() {
	o.mu.Lock()
	traders := make(map[string]*grid.Trader, len(o.traders))
	for sym, t := range o.traders {
		traders[sym] = t
	}
	pending := len(o.pendingEntries)
	resting := len(o.restingTPs)
	o.mu.Unlock()

	var openNotional, pnl float64
	var openGrids, trades int
	for _, t := range traders {
		openNotional += t.TotalNotional()
		pnl += t.CumPnLUSD()
		trades += t.SessionTrades()
		if t.LayerCount() > 0 {
			openGrids++
		}
	}

	o.flowMu.Lock()
	flow := o.accountFlow.Metrics(float64(time.Now().UnixMilli())/1000, 60)
	o.flowMu.Unlock()

	o.log.Info("telemetry",
		"symbols", len(traders),
		"open_grids", openGrids,
		"open_notional", openNotional,
		"session_pnl_usd", pnl,
		"session_trades", trades,
		"pending_entries", pending,
		"resting_tps", resting,
		"events_buffered", o.ring.Len(),
		"flow_imbalance_60s", flow.Imbalance,
		"flow_notional_per_sec", flow.NotionalPerSec)
}

// rotationLoop periodically refreshes the symbol universe: new symbols
// get traders; traders that are flat, idle, and tradeless rotate out.
func (o *Orchestrator) rotationLoop() {
	defer o.wg.Done()
	interval := time.Duration(o.cfg.ScannerConfig.ScanIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.rotatePairs()
		}
	}
}

func (o *Orchestrator) rotatePairs() {
	universe := o.symbolUniverse()
	want := make(map[string]bool, len(universe))
	for _, sym := range universe {
		want[sym] = true
	}

	added := false
	for _, sym := range universe {
		o.mu.Lock()
		_, known := o.traders[sym]
		o.mu.Unlock()
		if known {
			continue
		}
		if _, err := o.AddTrader(sym); err != nil {
			o.log.Warn("rotation add failed", "symbol", sym, "error", err)
			continue
		}
		added = true
	}

	o.mu.Lock()
	var removable []string
	for sym, t := range o.traders {
		if !want[sym] && t.Idle() {
			removable = append(removable, sym)
		}
	}
	for _, sym := range removable {
		delete(o.traders, sym)
	}
	o.mu.Unlock()

	for _, sym := range removable {
		o.log.Info("rotated out", "symbol", sym)
		if o.store != nil {
			o.store.DeleteRuntimeState(sym)
		}
	}

	// Stream membership changed: rebuild connections.
	if (added || len(removable) > 0) && o.client != nil {
		for _, ms := range o.streams {
			ms.Stop()
		}
		o.streams = nil
		o.startStreams()
	}
}

// Stop runs the shutdown sequence: halt the loops and streams, clear
// every working order, optionally flatten positions, then flush state.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	o.log.Info("shutting down")
	close(o.stopCh)
	for _, ms := range o.streams {
		ms.Stop()
	}
	if o.userStream != nil {
		o.userStream.Stop()
	}
	o.wg.Wait()

	// Clear working orders: entry slices, resting TPs, then anything the
	// executor still tracks, then a per-symbol catch-all.
	o.mu.Lock()
	entrySyms := make(map[string]*pendingEntry, len(o.pendingEntries))
	for sym, pe := range o.pendingEntries {
		entrySyms[sym] = pe
	}
	tpSyms := make([]string, 0, len(o.restingTPs))
	for sym := range o.restingTPs {
		tpSyms = append(tpSyms, sym)
	}
	symbols := make([]string, 0, len(o.traders))
	for sym := range o.traders {
		symbols = append(symbols, sym)
	}
	o.mu.Unlock()

	for sym, pe := range entrySyms {
		o.cancelEntrySlices(sym, pe)
		pe.trader.EntryDecisionDone()
	}
	for _, sym := range tpSyms {
		o.cancelRestingTP(sym)
	}
	o.exec.CancelAllTrackedOrders()
	for _, sym := range symbols {
		o.exec.CancelAllSymbolOrders(sym)
	}

	if !o.cfg.BinanceConfig.KeepPositions {
		o.closeAllPositions()
	}

	o.persistAll()
	o.flushEvents()
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			o.log.Warn("store close failed", "error", err)
		}
	}
	o.log.Info("shutdown complete")
}

// closeAllPositions market-flattens every short the account holds,
// skipping the blacklist, with a second pass for positions the first
// sweep missed.
func (o *Orchestrator) closeAllPositions() {
	blacklisted := func(sym string) bool {
		for _, b := range o.cfg.BinanceConfig.BlacklistSymbols {
			if b == sym {
				return true
			}
		}
		return false
	}

	for pass := 0; pass < 2; pass++ {
		positions, err := o.exec.GetPositions()
		if err != nil {
			o.log.Error("shutdown position fetch failed", "error", err)
			return
		}
		closed := 0
		for sym, pos := range positions {
			if pos.Side != "short" || pos.Contracts <= 0 || blacklisted(sym) {
				continue
			}
			o.mu.Lock()
			info := o.symbolInfos[sym]
			o.mu.Unlock()
			qty := roundQty(pos.Contracts, info)
			if qty <= 0 {
				qty = pos.Contracts
			}
			if _, err := o.exec.MarketBuy(sym, qty); err != nil {
				o.log.Error("shutdown close failed", "symbol", sym, "error", err)
				continue
			}
			closed++
			o.log.Info("position closed on shutdown", "symbol", sym, "qty", qty)
		}
		if closed == 0 {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
}

// Status reports the account-level view for the status API.
func (o *Orchestrator) Status() map[string]interface{} {
	o.mu.Lock()
	traders := make(map[string]*grid.Trader, len(o.traders))
	for sym, t := range o.traders {
		traders[sym] = t
	}
	o.mu.Unlock()

	symbols := make(map[string]interface{}, len(traders))
	var openNotional, pnl float64
	var trades int
	for sym, t := range traders {
		symbols[sym] = t.Status()
		openNotional += t.TotalNotional()
		pnl += t.CumPnLUSD()
		trades += t.SessionTrades()
	}

	storeUp := false
	if o.store != nil {
		storeUp = o.store.Available()
	}

	return map[string]interface{}{
		"scope":            o.scope,
		"session_id":       o.sessionID,
		"symbols":          symbols,
		"open_notional":    openNotional,
		"max_notional":     o.cfg.PortfolioConfig.MaxTotalNotional,
		"session_pnl_usd":  pnl,
		"session_trades":   trades,
		"events_buffered":  o.ring.Len(),
		"events_dropped":   o.ring.Dropped(),
		"store_available":  storeUp,
	}
}
