package orchestrator

import (
	"errors"
	"math"
	"time"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/grid"
)

const (
	// makerCloseWait is how long the execution ladder lets a post-only
	// close rest before escalating to taker.
	makerCloseWait = 800 * time.Millisecond
	// fastTPMaxAgeMs drops fast-TP intents whose flow signal has gone
	// stale in the queue.
	fastTPMaxAgeMs = 1200.0
)

// orderLoop drains trader intents, woken by enqueues with a 50ms
// fallback tick. Each intent executes on its own goroutine so a slow
// symbol cannot stall the others.
func (o *Orchestrator) orderLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(orderLoopFallback)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-o.ordersCh:
		case <-ticker.C:
		}
		o.drainIntents()
	}
}

func (o *Orchestrator) drainIntents() {
	o.mu.Lock()
	traders := make([]*grid.Trader, 0, len(o.traders))
	for _, t := range o.traders {
		traders = append(traders, t)
	}
	o.mu.Unlock()

	for _, t := range traders {
		for _, in := range t.DrainIntents() {
			go o.executeIntent(t, in)
		}
	}
}

func (o *Orchestrator) executeIntent(t *grid.Trader, in grid.OrderIntent) {
	switch in.Side {
	case grid.SideSell:
		o.executeEntry(t, in)
	case grid.SideBuy:
		o.executeClose(t, in)
	}
}

// roundQty floors a quantity onto the symbol's step grid.
func roundQty(qty float64, info *binance.SymbolInfo) float64 {
	if info == nil || info.QtyStep <= 0 {
		return qty
	}
	return math.Floor(qty/info.QtyStep) * info.QtyStep
}

// roundPrice rounds a price onto the symbol's tick grid.
func roundPrice(price float64, info *binance.SymbolInfo) float64 {
	if info == nil || info.PriceStep <= 0 {
		return price
	}
	return math.Round(price/info.PriceStep) * info.PriceStep
}

// executeEntry places one entry decision as stealth slices of post-only
// sells. Any slice IDs left over from an earlier decision on the same
// symbol are canceled first so the book never carries two generations.
func (o *Orchestrator) executeEntry(t *grid.Trader, in grid.OrderIntent) {
	sym := in.Symbol
	log := o.log.WithSymbol(sym)

	notional := in.Qty * in.RefPrice
	if !o.portfolioHasRoom(notional) {
		log.Info("entry dropped: portfolio cap", "notional", notional)
		t.EntryDecisionDone()
		return
	}

	o.mu.Lock()
	info := o.symbolInfos[sym]
	if old, ok := o.pendingEntries[sym]; ok {
		for id := range old.orderIDs {
			delete(o.routes, id)
		}
		delete(o.pendingEntries, sym)
		o.mu.Unlock()
		for id := range old.orderIDs {
			o.exec.CancelOrder(id, sym)
		}
		o.mu.Lock()
	}
	o.mu.Unlock()
	if info == nil {
		t.EntryDecisionDone()
		return
	}

	sc := &o.cfg.StealthConfig
	slices := binance.ComputeStealthSlices(binance.StealthParams{
		TotalQty:      roundQty(in.Qty, info),
		RefPrice:      in.RefPrice,
		TickSize:      info.PriceStep,
		L1Depth:       t.MinDepth60s(),
		MaxL1Fraction: sc.MaxL1Fraction,
		MaxTicks:      sc.MaxTicks,
		MinQty:        info.MinQty,
		MinNotional:   info.MinNotional,
		Direction:     "up",
		AlwaysSplit:   sc.AlwaysSplit,
		MinSlices:     sc.MinSlices,
		MaxSlices:     sc.MaxSlices,
	}, o.rng)
	if len(slices) == 0 {
		t.EntryDecisionDone()
		return
	}

	pe := &pendingEntry{
		trader:    t,
		orderIDs:  make(map[int64]float64, len(slices)),
		refPrice:  in.RefPrice,
		signalTs:  in.SignalTs,
		createdAt: time.Now(),
		priceStep: info.PriceStep,
	}
	placed := 0
	for _, sl := range slices {
		qty := roundQty(sl.Qty, info)
		price := roundPrice(sl.Price, info)
		if qty <= 0 || qty*price < info.MinNotional {
			continue
		}
		id, err := o.exec.FireLimitSell(sym, qty, price)
		if err != nil {
			if !errors.Is(err, binance.ErrPostOnlyReject) {
				log.Warn("entry slice failed", "error", err)
			}
			continue
		}
		placed++
		o.audit.Placed(sym, "entry_slice", id, "sell", qty, price)
		o.mu.Lock()
		pe.orderIDs[id] = qty
		o.routes[id] = orderRoute{kind: routeEntrySlice, symbol: sym}
		o.mu.Unlock()
	}

	if placed == 0 {
		log.Info("entry produced no resting slices")
		t.EntryDecisionDone()
		return
	}
	o.mu.Lock()
	o.pendingEntries[sym] = pe
	o.mu.Unlock()
	log.Info("entry slices placed", "slices", placed, "qty", in.Qty, "ref", in.RefPrice)
}

// executeClose walks the close execution ladder: babysitter delegation,
// cancel the resting TP, staleness recheck, post-only maker at the bid,
// IOC at the ask, market, then a sweep for any remainder. A shortfall at
// the end is handed to reconciliation.
func (o *Orchestrator) executeClose(t *grid.Trader, in grid.OrderIntent) {
	sym := in.Symbol
	log := o.log.WithSymbol(sym)

	// Positions owned by an external manager close through it.
	o.mu.Lock()
	posID, isVirtual := o.virtual[sym]
	info := o.symbolInfos[sym]
	o.mu.Unlock()
	if isVirtual && o.sitter != nil {
		if err := o.sitter.Close(posID, in.Bid, in.Reason); err != nil {
			log.Error("babysitter close failed", "error", err)
			t.ExitDecisionDone()
			return
		}
		t.OnBuyFill(in.Bid, in.Qty, 0, in.Reason, in.Ask, in.PartialTP, in.SignalTs)
		o.persistSymbol(sym, t)
		return
	}

	o.cancelRestingTP(sym)

	// Staleness recheck: the queue hop may have eaten the edge.
	if in.Reason == "fast_tp" {
		ageMs := (float64(time.Now().UnixMilli()) - in.SignalTs*1000)
		if ageMs > fastTPMaxAgeMs {
			log.Info("fast_tp dropped: stale", "age_ms", ageMs)
			t.ExitDecisionDone()
			return
		}
	}
	if !t.CloseStillViable(in) {
		log.Info("close dropped: no longer viable", "reason", in.Reason)
		t.ExitDecisionDone()
		return
	}

	qty := roundQty(in.Qty, info)
	if qty <= 0 {
		t.ExitDecisionDone()
		return
	}
	remaining := qty
	decisionAsk := in.Ask

	// Fills from every rung aggregate into one settlement, so a close
	// split across maker, IOC, and market legs books once at its volume
	// weighted price.
	var fillQty, fillNotional, fillFees float64
	addFill := func(f *binance.FillResult) {
		fillQty += f.Qty
		fillNotional += f.AvgPrice * f.Qty
		fillFees += f.Fee
		remaining = roundQty(remaining-f.Qty, info)
	}
	settle := func() {
		if fillQty <= 0 {
			return
		}
		t.OnBuyFill(fillNotional/fillQty, fillQty, fillFees, in.Reason, decisionAsk, in.PartialTP, in.SignalTs)
		o.persistSymbol(sym, t)
	}

	// Rung 1: post-only one tick above the bid.
	bid := t.Bid()
	if bid > 0 && info != nil {
		price := roundPrice(bid+info.PriceStep, info)
		id, fill, err := o.exec.LimitBuy(sym, remaining, price)
		switch {
		case err != nil && !errors.Is(err, binance.ErrPostOnlyReject):
			log.Warn("maker close failed", "error", err)
		case fill != nil:
			addFill(fill)
			settle()
			return
		case id != 0:
			o.audit.Placed(sym, "close_maker", id, "buy", remaining, price)
			ch := make(chan *binance.FillResult, 1)
			o.mu.Lock()
			o.routes[id] = orderRoute{kind: routeCloseOrder, symbol: sym, closeCh: ch}
			o.mu.Unlock()

			select {
			case fill := <-ch:
				if fill != nil {
					addFill(fill)
					settle()
					return
				}
				// canceled externally; fall through to taker
			case <-time.After(makerCloseWait):
				o.mu.Lock()
				delete(o.routes, id)
				o.mu.Unlock()
				o.exec.CancelOrder(id, sym)
			case <-o.stopCh:
				return
			}
		}
	}

	// Rung 2: IOC at the ask.
	if ask := t.Ask(); ask > 0 && remaining > 0 {
		fill, err := o.exec.IOCBuy(sym, remaining, roundPrice(ask, info))
		if err != nil {
			log.Warn("ioc close failed", "error", err)
		} else if fill != nil && fill.Qty > 0 {
			addFill(fill)
		}
	}

	// Rung 3: market.
	if remaining > 0 {
		fill, err := o.exec.MarketBuy(sym, remaining)
		if err != nil {
			log.Error("market close failed", "error", err)
		} else if fill != nil && fill.Qty > 0 {
			addFill(fill)
		}
	}

	// Rung 4: sweep whatever is left.
	if remaining > 0 {
		if fill, err := o.exec.MarketBuy(sym, remaining); err == nil && fill != nil && fill.Qty > 0 {
			addFill(fill)
		}
	}

	settle()

	// A shortfall settles pro rata above; reconciliation squares the rest
	// against exchange truth.
	if remaining > 0 {
		log.Warn("close shortfall, deferring to reconcile", "remaining", remaining)
		t.ExitDecisionDone()
		o.reconcileSymbol(sym)
	}
}

// onOrderUpdate is the single terminal-status entry point for both the
// user-data stream and the mock executor.
func (o *Orchestrator) onOrderUpdate(orderID int64, status string, fill *binance.FillResult) {
	o.mu.Lock()
	route, ok := o.routes[orderID]
	if ok {
		delete(o.routes, orderID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if status == binance.StatusFilled && fill != nil {
		o.audit.Filled(route.symbol, orderID, fill.Qty, fill.AvgPrice, fill.Fee, fill.IsMaker)
	} else {
		o.audit.Terminal(route.symbol, orderID, status)
	}

	switch route.kind {
	case routeEntrySlice:
		o.onEntrySliceUpdate(route.symbol, orderID, status, fill)
	case routeRestingTP:
		o.onRestingTPUpdate(route.symbol, orderID, status, fill)
	case routeCloseOrder:
		if status == binance.StatusFilled {
			route.closeCh <- fill
		} else {
			route.closeCh <- nil
		}
	}
}

func (o *Orchestrator) onEntrySliceUpdate(symbol string, orderID int64, status string, fill *binance.FillResult) {
	o.mu.Lock()
	pe, ok := o.pendingEntries[symbol]
	done := false
	if ok {
		delete(pe.orderIDs, orderID)
		done = len(pe.orderIDs) == 0
		if done {
			delete(o.pendingEntries, symbol)
		}
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	t := pe.trader

	if status == binance.StatusFilled && fill != nil {
		ts := float64(fill.Timestamp.UnixMilli()) / 1000
		excess := t.OnSellFill(fill.AvgPrice, fill.Qty, fill.Fee, orderID, ts)
		o.persistSymbol(symbol, t)
		if excess > 0 {
			// Late fill breached the budget; hand it straight back.
			o.mu.Lock()
			info := o.symbolInfos[symbol]
			o.mu.Unlock()
			if q := roundQty(excess, info); q > 0 {
				if _, err := o.exec.MarketBuy(symbol, q); err != nil {
					o.log.Error("excess return failed", "symbol", symbol, "error", err)
				}
			}
		}
	}

	if done {
		t.EntryDecisionDone()
		if t.LayerCount() > 0 {
			o.placeRestingTP(symbol, t)
		}
	}
}
