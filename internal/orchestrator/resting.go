package orchestrator

import (
	"errors"
	"math"
	"time"

	"binance-grid-bot/internal/binance"
	"binance-grid-bot/internal/grid"
)

const (
	// entryReapAge reaps entry slices that never filled; the signal that
	// justified them is long gone.
	entryReapAge = 8 * time.Second
	// entryRecheckAge is the age from which resting entries must still
	// pass the signal gate.
	entryRecheckAge = 2 * time.Second
	// amendThrottle spaces amends per decision.
	amendThrottle = 500 * time.Millisecond
	// tpReissueAge re-prices a resting TP that has sat unfilled.
	tpReissueAge = 30 * time.Second
)

// restingLoop manages resting entry slices and resting TP orders on a
// fixed cadence.
func (o *Orchestrator) restingLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(restingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.manageRestingEntries()
			o.manageRestingTPs()
		}
	}
}

// manageRestingEntries reaps stale entry slices, cancels ones whose
// signal has decayed, and chases the price with amends.
func (o *Orchestrator) manageRestingEntries() {
	now := time.Now()

	o.mu.Lock()
	type peView struct {
		symbol string
		pe     *pendingEntry
	}
	views := make([]peView, 0, len(o.pendingEntries))
	for sym, pe := range o.pendingEntries {
		views = append(views, peView{sym, pe})
	}
	o.mu.Unlock()

	for _, v := range views {
		pe := v.pe
		age := now.Sub(pe.createdAt)

		if age > entryReapAge {
			o.log.Info("reaping stale entry slices", "symbol", v.symbol)
			o.cancelEntrySlices(v.symbol, pe)
			continue
		}
		if age > entryRecheckAge && !pe.trader.EntryStillValid() {
			o.log.Info("entry signal decayed, canceling slices", "symbol", v.symbol)
			o.cancelEntrySlices(v.symbol, pe)
			continue
		}

		// Chase: when the ask has moved a tick or more away from the
		// reference, re-price the slices at the new ask.
		ask := pe.trader.Ask()
		if ask <= 0 || pe.priceStep <= 0 {
			continue
		}
		if math.Abs(ask-pe.refPrice) < pe.priceStep || now.Sub(pe.lastAmend) < amendThrottle {
			continue
		}
		pe.lastAmend = now
		pe.refPrice = ask
		o.amendEntrySlices(v.symbol, pe, ask)
	}
}

func (o *Orchestrator) cancelEntrySlices(symbol string, pe *pendingEntry) {
	o.mu.Lock()
	ids := make([]int64, 0, len(pe.orderIDs))
	for id := range pe.orderIDs {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		// terminal CANCELED updates flow back through onOrderUpdate and
		// clear the pending entry as they land
		o.exec.CancelOrder(id, symbol)
	}
}

func (o *Orchestrator) amendEntrySlices(symbol string, pe *pendingEntry, ask float64) {
	o.mu.Lock()
	info := o.symbolInfos[symbol]
	type slice struct {
		id  int64
		qty float64
	}
	slices := make([]slice, 0, len(pe.orderIDs))
	for id, qty := range pe.orderIDs {
		slices = append(slices, slice{id, qty})
	}
	o.mu.Unlock()

	for i, sl := range slices {
		price := roundPrice(ask+float64(i)*pe.priceStep, info)
		newID, err := o.exec.AmendOrder(sl.id, symbol, "SELL", sl.qty, price)
		if err != nil {
			if errors.Is(err, binance.ErrNoNeedToModify) {
				continue
			}
			o.log.Debug("entry amend failed", "symbol", symbol, "error", err)
			continue
		}
		if newID != sl.id {
			o.mu.Lock()
			if _, ok := pe.orderIDs[sl.id]; ok {
				delete(pe.orderIDs, sl.id)
				pe.orderIDs[newID] = sl.qty
				delete(o.routes, sl.id)
				o.routes[newID] = orderRoute{kind: routeEntrySlice, symbol: symbol}
			}
			o.mu.Unlock()
		}
	}
}

// manageRestingTPs keeps every open grid covered by a resting TP: places
// missing ones, drops orphaned ones, re-prices drifted ones, and
// reissues stale ones.
func (o *Orchestrator) manageRestingTPs() {
	o.mu.Lock()
	traders := make(map[string]*grid.Trader, len(o.traders))
	for sym, t := range o.traders {
		traders[sym] = t
	}
	tps := make(map[string]*restingTP, len(o.restingTPs))
	for sym, rt := range o.restingTPs {
		tps[sym] = rt
	}
	o.mu.Unlock()

	now := time.Now()
	for sym, t := range traders {
		rt := tps[sym]

		if rt == nil {
			if t.LayerCount() > 0 && !t.Pending() {
				o.placeRestingTP(sym, t)
			}
			continue
		}

		if t.LayerCount() == 0 {
			o.cancelRestingTP(sym)
			continue
		}

		if now.Sub(rt.placedAt) > tpReissueAge {
			o.cancelRestingTP(sym)
			o.placeRestingTP(sym, t)
			continue
		}

		// Re-price when the target has drifted a tick or the quantity no
		// longer covers the position.
		price, qty, ok := t.RestingTPQuote()
		if !ok {
			continue
		}
		o.mu.Lock()
		info := o.symbolInfos[sym]
		o.mu.Unlock()
		step := 0.01
		if info != nil && info.PriceStep > 0 {
			step = info.PriceStep
		}
		if math.Abs(price-rt.price) >= step || math.Abs(qty-rt.qty) > qty*0.01 {
			o.cancelRestingTP(sym)
			o.placeRestingTP(sym, t)
		}
	}
}

// placeRestingTP rests the take-profit as down-laddered post-only slices
// at the trader's current TP quote. An immediate fill settles through
// the normal buy-fill path and cancels the sibling slices.
func (o *Orchestrator) placeRestingTP(symbol string, t *grid.Trader) {
	price, qty, partial, ok := t.ArmRestingTP()
	if !ok {
		return
	}
	o.mu.Lock()
	if _, exists := o.restingTPs[symbol]; exists {
		o.mu.Unlock()
		t.RestingTPGone()
		return
	}
	info := o.symbolInfos[symbol]
	o.mu.Unlock()

	sc := &o.cfg.StealthConfig
	slices := binance.ComputeStealthSlices(binance.StealthParams{
		TotalQty:      roundQty(qty, info),
		RefPrice:      price,
		TickSize:      priceStepOf(info),
		L1Depth:       t.MinDepth60s(),
		MaxL1Fraction: sc.MaxL1Fraction,
		MaxTicks:      sc.MaxTicks,
		MinQty:        minQtyOf(info),
		MinNotional:   minNotionalOf(info),
		Direction:     "down",
		AlwaysSplit:   sc.AlwaysSplit,
		MinSlices:     sc.MinSlices,
		MaxSlices:     sc.MaxSlices,
	}, o.rng)
	if len(slices) == 0 {
		t.RestingTPGone()
		return
	}

	rt := &restingTP{
		trader:   t,
		orderIDs: make(map[int64]float64, len(slices)),
		price:    price,
		qty:      qty,
		partial:  partial,
		placedAt: time.Now(),
	}

	for _, sl := range slices {
		sliceQty := roundQty(sl.Qty, info)
		slicePrice := roundPrice(sl.Price, info)
		if sliceQty <= 0 {
			continue
		}
		id, fill, err := o.exec.LimitBuy(symbol, sliceQty, slicePrice)
		if err != nil {
			if !errors.Is(err, binance.ErrPostOnlyReject) {
				o.log.Warn("tp slice failed", "symbol", symbol, "error", err)
			}
			continue
		}
		if fill != nil {
			// Crossed on arrival: book the fill, drop the rest of the
			// ladder, and let reconciliation square any remainder.
			for placedID := range rt.orderIDs {
				o.mu.Lock()
				delete(o.routes, placedID)
				o.mu.Unlock()
				o.exec.CancelOrder(placedID, symbol)
			}
			ts := float64(fill.Timestamp.UnixMilli()) / 1000
			t.OnBuyFill(fill.AvgPrice, fill.Qty, fill.Fee, "tp", t.Ask(), partial, ts)
			o.persistSymbol(symbol, t)
			o.reconcileSymbol(symbol)
			return
		}
		o.audit.Placed(symbol, "resting_tp", id, "buy", sliceQty, slicePrice)
		o.mu.Lock()
		rt.orderIDs[id] = sliceQty
		o.routes[id] = orderRoute{kind: routeRestingTP, symbol: symbol}
		o.mu.Unlock()
	}

	if len(rt.orderIDs) == 0 {
		t.RestingTPGone()
		return
	}
	o.mu.Lock()
	o.restingTPs[symbol] = rt
	o.mu.Unlock()
	o.log.Debug("resting tp placed",
		"symbol", symbol, "price", price, "qty", qty, "slices", len(rt.orderIDs))
}

// cancelRestingTP removes the resting TP slices for a symbol, if any.
func (o *Orchestrator) cancelRestingTP(symbol string) {
	o.mu.Lock()
	rt, ok := o.restingTPs[symbol]
	if ok {
		delete(o.restingTPs, symbol)
		for id := range rt.orderIDs {
			delete(o.routes, id)
		}
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	for id := range rt.orderIDs {
		o.exec.CancelOrder(id, symbol)
	}
	rt.trader.RestingTPGone()
}

// onRestingTPUpdate settles a terminal update for a resting TP slice. A
// fill books through the buy-fill path, cancels the sibling slices, and
// trues up against exchange truth.
func (o *Orchestrator) onRestingTPUpdate(symbol string, orderID int64, status string, fill *binance.FillResult) {
	o.mu.Lock()
	rt, ok := o.restingTPs[symbol]
	if ok {
		delete(rt.orderIDs, orderID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if status != binance.StatusFilled || fill == nil {
		o.mu.Lock()
		empty := len(rt.orderIDs) == 0
		if empty {
			delete(o.restingTPs, symbol)
		}
		o.mu.Unlock()
		if empty {
			rt.trader.RestingTPGone()
		}
		return
	}

	o.mu.Lock()
	delete(o.restingTPs, symbol)
	siblings := make([]int64, 0, len(rt.orderIDs))
	for id := range rt.orderIDs {
		siblings = append(siblings, id)
		delete(o.routes, id)
	}
	o.mu.Unlock()
	for _, id := range siblings {
		o.exec.CancelOrder(id, symbol)
	}

	ts := float64(fill.Timestamp.UnixMilli()) / 1000
	rt.trader.OnBuyFill(fill.AvgPrice, fill.Qty, fill.Fee, "tp", rt.trader.Ask(), rt.partial, ts)
	o.persistSymbol(symbol, rt.trader)
	o.reconcileSymbol(symbol)
}

func priceStepOf(info *binance.SymbolInfo) float64 {
	if info == nil {
		return 0.01
	}
	return info.PriceStep
}

func minQtyOf(info *binance.SymbolInfo) float64 {
	if info == nil {
		return 0
	}
	return info.MinQty
}

func minNotionalOf(info *binance.SymbolInfo) float64 {
	if info == nil {
		return 0
	}
	return info.MinNotional
}
