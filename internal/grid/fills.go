package grid

import (
	"math"

	"binance-grid-bot/internal/events"
)

// OnSellFill books one entry slice fill. Slice fills belonging to the
// same entry decision merge into a single layer; the first fill creates
// it. Returns the excess quantity that must be handed straight back to
// the exchange when the fill would breach the layer or notional budget
// (race between decision and fill).
func (t *Trader) OnSellFill(price, qty, fee float64, orderID int64, ts float64) float64 {
	if price <= 0 || qty <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	newLayer := t.pendingFillLayer < 0
	if newLayer {
		if len(t.layers)+1 > t.dynamicMaxLayers() {
			t.log.Warn("sell fill exceeds layer budget, returning",
				"qty", qty, "layers", len(t.layers))
			return qty
		}
		if cap := t.cfg.PortfolioConfig.MaxSymbolNotional; cap > 0 &&
			t.totalNotional+price*qty > cap*1.05 {
			t.log.Warn("sell fill exceeds symbol cap, returning",
				"qty", qty, "total", t.totalNotional)
			return qty
		}
	}

	if newLayer {
		t.layers = append(t.layers, Layer{
			EntryPrice:   price,
			Qty:          qty,
			Notional:     price * qty,
			EntryTs:      ts,
			OrderID:      orderID,
			Fee:          fee,
			PumpScore:    t.engine.PumpScore(),
			ExhaustScore: t.engine.ExhaustScore(),
			SpreadBps:    t.engine.SpreadBps(),
			VolBps:       t.volSnap.BlendedBps,
		})
		t.pendingFillLayer = len(t.layers) - 1
	} else {
		l := &t.layers[t.pendingFillLayer]
		merged := l.Qty + qty
		l.EntryPrice = (l.EntryPrice*l.Qty + price*qty) / merged
		l.Qty = merged
		l.Notional += price * qty
		l.Fee += fee
	}
	t.recalcTotals()

	t.lastEntryTs = ts
	t.recordSellFill(price, ts)
	t.noteRecoveryAdd(ts)

	action := "entry"
	if len(t.layers) > 1 {
		action = "average"
	}
	t.emit(t.fillEvent(action, "", price, qty, 0, 0))
	t.log.Info("sell fill booked",
		"price", price, "qty", qty,
		"layers", len(t.layers),
		"avg_entry", t.avgEntry,
		"total_notional", t.totalNotional)
	return 0
}

// EntryDecisionDone clears the pending-entry state once every slice of
// the decision has reached a terminal order status.
func (t *Trader) EntryDecisionDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingOrder = false
	t.pendingFillLayer = -1
}

// OnBuyFill books a close fill. Partial closes consume the in-flight
// inverse-TP batch from the front of the layer list; full closes settle
// the whole position, update the behavioral and recovery ledgers, and
// reset the grid. decisionAsk is the ask at decision time, used for the
// slippage model.
func (t *Trader) OnBuyFill(price, qty, fee float64, reason string, decisionAsk float64, partial bool, ts float64) {
	if price <= 0 || qty <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pendingExit = false
	if decisionAsk <= 0 {
		decisionAsk = t.pendingExitAsk
	}
	t.recordExitSlippage(decisionAsk, price)

	if partial && t.inv.Active {
		t.settlePartialClose(price, qty, fee, ts)
		return
	}
	t.settleFullClose(price, qty, fee, reason, ts)
}

// settlePartialClose removes the inverse-TP batch. Caller holds t.mu.
func (t *Trader) settlePartialClose(price, qty, fee float64, ts float64) {
	batch := t.inv.PendingBatch
	if batch < 1 {
		batch = 1
	}
	if batch > len(t.layers) {
		batch = len(t.layers)
	}
	closed := t.layers[:batch]

	var closedQty, closedNotional, weighted float64
	for i := range closed {
		closedQty += closed[i].Qty
		closedNotional += closed[i].Notional
		weighted += closed[i].EntryPrice * closed[i].Qty
	}
	gross := (weighted/closedQty - price) * closedQty
	net := gross - t.entryFeesUSD(closed) - fee
	netBps := 0.0
	if closedNotional > 0 {
		netBps = net / closedNotional * 10000
	}

	t.layers = t.layers[batch:]
	t.recalcTotals()
	t.inv.PendingBatch = 0
	t.inv.NextZoneIdx++

	t.cumPnLUSD += net
	t.cumPnLBps += netBps
	t.cumFees += fee
	t.sessionClosedNotional += closedNotional
	t.payDownRecoveryDebt(net)

	t.emit(t.fillEvent("partial_close", "tp", price, qty, net, netBps))
	t.log.Info("inverse TP batch closed",
		"zone", t.inv.NextZoneIdx-1,
		"batch", batch,
		"net_usd", net,
		"net_bps", netBps,
		"layers_left", len(t.layers))

	if len(t.layers) == 0 {
		t.sessionTrades++
		if net > 0 {
			t.sessionWins++
		}
		t.resetInverseTP()
		t.afterClose("tp", net, netBps, price, ts)
		t.resetPosition()
	}
}

// settleFullClose settles the position against one buy fill. The fill
// may cover less than the open quantity (a close split across order
// types settles each leg as it lands), so losses, entry fees, and the
// closed notional all scale by the filled fraction. Caller holds t.mu.
func (t *Trader) settleFullClose(price, qty, fee float64, reason string, ts float64) {
	if t.avgEntry <= 0 || t.totalQty <= 0 || len(t.layers) == 0 {
		t.log.Warn("close fill with no open position, dropping",
			"price", price, "qty", qty, "reason", reason)
		t.resetInverseTP()
		t.resetPosition()
		return
	}

	closedQty := qty
	if closedQty > t.totalQty {
		closedQty = t.totalQty
	}
	frac := closedQty / t.totalQty
	closedNotional := t.totalNotional * frac

	gross := (t.avgEntry - price) * closedQty
	exitFee := fee
	if exitFee <= 0 {
		exitFee = closedQty * price * t.cfg.ExitConfig.TakerFeeBps / 10000
	}
	net := gross - t.entryFeesUSD(t.layers)*frac - exitFee
	netBps := 0.0
	if closedNotional > 0 {
		netBps = net / closedNotional * 10000
	}

	t.cumPnLUSD += net
	t.cumPnLBps += netBps
	t.cumFees += exitFee
	t.sessionClosedNotional += closedNotional
	t.sessionTrades++
	if net > 0 {
		t.sessionWins++
	}
	if net < 0 {
		t.addRecoveryDebt(-net)
	} else {
		t.payDownRecoveryDebt(net)
	}

	t.emit(t.fillEvent("close", reason, price, qty, net, netBps))
	t.log.Info("position closed",
		"reason", reason,
		"net_usd", net,
		"net_bps", netBps,
		"layers", len(t.layers),
		"debt", t.recoveryDebt)

	t.afterClose(reason, net, netBps, price, ts)
	t.resetInverseTP()
	t.resetPosition()
}

// afterClose updates the behavioral ledgers and the escalating cooldown.
// Profitable TP-family closes reset the ladder; anything else climbs it,
// with an extra penalty for stops and drawdown flushes. Caller holds t.mu.
func (t *Trader) afterClose(reason string, netUSD, netBps, price float64, ts float64) {
	t.recordClose(netBps, price)
	t.recordCloseBps(netBps)

	sched := t.escalationSchedule()
	profitableTP := netUSD > 0 && (reason == "tp" || reason == "fast_tp")
	if profitableTP {
		t.escalationIdx = 0
		t.cooldownUntil = ts + sched[0]
		return
	}
	if t.escalationIdx < len(sched)-1 {
		t.escalationIdx++
	}
	cd := sched[t.escalationIdx]
	if reason == "stop" || reason == "drawdown" {
		cd *= stopPenaltyMult
	}
	if netUSD < 0 && t.cfg.RiskConfig.LossCooldownSec > cd {
		cd = t.cfg.RiskConfig.LossCooldownSec
	}
	t.cooldownUntil = ts + cd
}

// resetPosition returns the trader to flat. Caller holds t.mu.
func (t *Trader) resetPosition() {
	t.layers = nil
	t.recalcTotals()
	t.pendingOrder = false
	t.pendingExit = false
	t.pendingFillLayer = -1
	t.lastFillPrice = 0
	t.lastFillTs = 0
}

// ExitDecisionDone clears the pending-exit flag after a close attempt
// ended without a fill (canceled or expired).
func (t *Trader) ExitDecisionDone() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingExit = false
	t.inv.PendingBatch = 0
}

// fillEvent builds the common event fields. Caller holds t.mu.
func (t *Trader) fillEvent(action, reason string, price, qty, netUSD, netBps float64) events.StrategyEvent {
	return events.StrategyEvent{
		Action:       action,
		Reason:       reason,
		Qty:          qty,
		Price:        price,
		AvgEntry:     t.avgEntry,
		Layers:       len(t.layers),
		PnLUSD:       math.Round(netUSD*1e6) / 1e6,
		PnLBps:       netBps,
		SpreadBps:    t.engine.SpreadBps(),
		VolBps:       t.volSnap.BlendedBps,
		EdgeLCB:      t.lastEdge.LCBBps,
		RequiredEdge: t.lastEdge.RequiredBps,
		RecoveryDebt: t.recoveryDebt,
	}
}
