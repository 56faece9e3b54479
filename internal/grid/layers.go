package grid

// Layer is one filled short entry. Layers are kept oldest-first; partial
// closes consume from the front.
type Layer struct {
	Index      int     `json:"index"`
	EntryPrice float64 `json:"entry_price"`
	Qty        float64 `json:"qty"`
	Notional   float64 `json:"notional"`
	EntryTs    float64 `json:"entry_ts"`
	OrderID    int64   `json:"order_id,omitempty"`
	Fee        float64 `json:"fee,omitempty"`

	// Entry context, frozen at fill time.
	PumpScore    float64 `json:"pump_score,omitempty"`
	ExhaustScore float64 `json:"exhaust_score,omitempty"`
	SpreadBps    float64 `json:"spread_bps,omitempty"`
	VolBps       float64 `json:"vol_bps,omitempty"`
}

// recalcTotals rebuilds the position aggregates from the layer list.
// Caller holds t.mu.
func (t *Trader) recalcTotals() {
	var qty, notional, weighted float64
	for i := range t.layers {
		t.layers[i].Index = i
		qty += t.layers[i].Qty
		notional += t.layers[i].Notional
		weighted += t.layers[i].EntryPrice * t.layers[i].Qty
	}
	t.totalQty = qty
	t.totalNotional = notional
	if qty > 0 {
		t.avgEntry = weighted / qty
	} else {
		t.avgEntry = 0
	}
}

// feeFloorBps is the round-trip fee floor: maker entry plus taker exit.
func (t *Trader) feeFloorBps() float64 {
	return t.cfg.ExitConfig.MakerFeeBps + t.cfg.ExitConfig.TakerFeeBps
}

// entryFeesUSD sums the recorded entry fees, estimating at the maker rate
// for layers that predate fee tracking (adopted positions).
func (t *Trader) entryFeesUSD(layers []Layer) float64 {
	var fees float64
	for i := range layers {
		if layers[i].Fee > 0 {
			fees += layers[i].Fee
		} else {
			fees += layers[i].Notional * t.cfg.ExitConfig.MakerFeeBps / 10000
		}
	}
	return fees
}

// estimateClosePnL projects the net PnL of closing the given layers at
// exitPrice, assuming a taker exit. Returns net USD and net bps over the
// layers' notional. Caller holds t.mu.
func (t *Trader) estimateClosePnL(layers []Layer, exitPrice float64) (float64, float64) {
	var qty, notional, weighted float64
	for i := range layers {
		qty += layers[i].Qty
		notional += layers[i].Notional
		weighted += layers[i].EntryPrice * layers[i].Qty
	}
	if qty <= 0 || notional <= 0 || exitPrice <= 0 {
		return 0, 0
	}
	avg := weighted / qty
	gross := (avg - exitPrice) * qty
	net := gross - t.entryFeesUSD(layers) - qty*exitPrice*t.cfg.ExitConfig.TakerFeeBps/10000
	return net, net / notional * 10000
}

// unrealizedBps is the mark-to-market PnL of the short in bps of entry
// notional; negative when the price has risen against the position.
// Caller holds t.mu.
func (t *Trader) unrealizedBps() float64 {
	if t.avgEntry <= 0 || t.ask <= 0 || t.totalNotional <= 0 {
		return 0
	}
	return (t.avgEntry - t.ask) * t.totalQty / t.totalNotional * 10000
}
