package grid

import (
	"math"

	"binance-grid-bot/internal/signal"
)

// noMinNet disables the net-PnL floor for forced closes.
const noMinNet = -1e9

// closeMinExecBps is the net-bps floor a candidate close must clear. TP
// closes need only cover the recovery hurdle (the target itself already
// covers fees); fast-TP closes additionally require a sliver of real
// profit so signal noise cannot churn the position. Caller holds t.mu.
func (t *Trader) closeMinExecBps(reason string) float64 {
	hurdle := t.recoveryHurdleBps(t.totalNotional)
	switch reason {
	case "tp":
		return hurdle
	case "fast_tp":
		return math.Max(1.0, t.feeFloorBps()*0.2) + hurdle
	default:
		return noMinNet
	}
}

// checkExit evaluates the normal close path for an open grid: stop loss,
// TP at the dynamic target, and the fast-TP flow exit. A TP on a deep
// grid hands over to the inverse-TP ladder instead of closing outright.
// Caller holds t.mu.
func (t *Trader) checkExit(now float64) {
	if len(t.layers) == 0 || t.avgEntry <= 0 || t.ask <= 0 {
		return
	}

	// Executable PnL: what a buy-back at the ask nets after entry fees
	// and the taker exit estimate. The bid flatters a short by the whole
	// spread and never fills a buy.
	_, netBps := t.estimateClosePnL(t.layers, t.ask)

	if sl := t.cfg.ExitConfig.StopLossBps; sl > 0 && netBps < -sl {
		t.enqueueClose("stop", t.layers, false, -1, now)
		return
	}

	dec := t.engine.ExitSignal(signal.ExitParams{
		EntryPrice: t.avgEntry,
		// tpTargetBps already folds in the spread multiple, vol capture,
		// and age decay, so it goes in whole as the engine's floor.
		MinTPProfitBps: t.tpTargetBps(now),
		FastTPTI:       t.cfg.ExitConfig.FastTPTI,
		MinFastTPBps:   t.dynamicMinFastTPBps(),
	})
	if !dec.ShouldExit {
		return
	}
	if dec.Reason == "fast_tp" && t.effectiveTPMode() == "vol" {
		// Large position: wait for the wider vol target.
		return
	}

	if netBps < t.closeMinExecBps(dec.Reason) {
		t.diag(now, "exit suppressed: below floor",
			"reason", dec.Reason, "net_bps", netBps, "floor", t.closeMinExecBps(dec.Reason))
		return
	}

	if dec.Reason == "tp" && t.cfg.InverseTPConfig.Enabled &&
		len(t.layers) >= t.cfg.InverseTPConfig.MinLayers {
		t.activateInverseTP(now)
		t.checkInverseTP(now)
		return
	}

	t.enqueueClose(dec.Reason, t.layers, false, -1, now)
}

// enqueueClose queues a buy intent for the given layers and marks the
// exit pending. Caller holds t.mu.
func (t *Trader) enqueueClose(reason string, layers []Layer, partial bool, zone int, now float64) {
	var qty float64
	for i := range layers {
		qty += layers[i].Qty
	}
	if qty <= 0 {
		return
	}
	estUSD, estBps := t.estimateClosePnL(layers, t.ask)

	t.pendingExit = true
	t.pendingExitTs = now
	t.pendingExitAsk = t.ask
	t.enqueueIntent(OrderIntent{
		Side:          SideBuy,
		Symbol:        t.Symbol,
		Qty:           qty,
		Reason:        reason,
		NLayers:       len(layers),
		EstPnLBps:     estBps,
		EstPnLUSD:     estUSD,
		Bid:           t.bid,
		Ask:           t.ask,
		SignalTs:      now,
		MinNetBps:     t.closeMinExecBps(reason),
		PartialTP:     partial,
		InverseTPZone: zone,
	})
	t.log.Info("close fired",
		"reason", reason,
		"qty", qty,
		"layers", len(layers),
		"partial", partial,
		"est_pnl_bps", estBps)
}

// CloseStillViable re-estimates a queued close against the current book:
// the projected net at the live ask must still clear the intent's floor.
// Forced closes (stop, timeout) always pass.
func (t *Trader) CloseStillViable(in OrderIntent) bool {
	if in.MinNetBps <= noMinNet {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := in.NLayers
	if n <= 0 || n > len(t.layers) {
		n = len(t.layers)
	}
	if n == 0 {
		return false
	}
	_, netBps := t.estimateClosePnL(t.layers[:n], t.ask)
	return netBps >= in.MinNetBps
}

// RestingTPQuote returns the price and quantity a resting TP order should
// carry right now: the inverse-TP zone price while the ladder is active,
// otherwise the dynamic TP target below the average entry. ok is false
// when no TP should rest (flat, or an exit is already in flight).
func (t *Trader) RestingTPQuote() (price, qty float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.layers) == 0 || t.pendingExit || t.avgEntry <= 0 {
		return 0, 0, false
	}
	if t.inv.Active {
		idx := t.inv.NextZoneIdx
		if idx >= len(t.inv.ZonesBps) {
			return 0, 0, false
		}
		remaining := len(t.inv.ZonesBps) - idx
		batch := len(t.layers)
		if remaining > 1 {
			batch = len(t.layers) / remaining
			if batch < 1 {
				batch = 1
			}
		}
		var batchQty float64
		for i := 0; i < batch && i < len(t.layers); i++ {
			batchQty += t.layers[i].Qty
		}
		return t.inverseZonePrice(idx), batchQty, true
	}
	target := t.avgEntry * (1 - t.tpTargetBps(t.lastTickTs)/10000)
	return target, t.totalQty, true
}

// ArmRestingTP is RestingTPQuote plus batch arming: while the ladder is
// active it reserves the FIFO batch the resting order covers, so the
// on-tick inverse check will not double-fire against the same layers.
func (t *Trader) ArmRestingTP() (price, qty float64, partial, ok bool) {
	price, qty, ok = t.RestingTPQuote()
	if !ok {
		return 0, 0, false, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inv.Active {
		remaining := len(t.inv.ZonesBps) - t.inv.NextZoneIdx
		batch := len(t.layers)
		if remaining > 1 {
			batch = len(t.layers) / remaining
			if batch < 1 {
				batch = 1
			}
		}
		t.inv.PendingBatch = batch
		return price, qty, true, true
	}
	return price, qty, false, true
}

// RestingTPGone releases the armed inverse batch after the resting order
// was canceled or reaped without filling.
func (t *Trader) RestingTPGone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inv.PendingBatch = 0
}
