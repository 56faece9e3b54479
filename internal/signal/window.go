package signal

import "math"

// tradeRec is one aggressive trade folded into the rolling windows.
type tradeRec struct {
	ts    float64
	qty   float64
	price float64
	sell  bool
}

// TradeWindow holds the last horizonSec seconds of trades in a fixed-size
// ring and answers imbalance/aggression queries over sub-windows. The ring
// grows only at startup; steady-state ticks do not allocate.
type TradeWindow struct {
	buf        []tradeRec
	head, size int
	horizonSec float64

	// running sums over the full horizon
	buyQty, sellQty float64
}

// NewTradeWindow creates a window retaining horizonSec seconds of trades.
func NewTradeWindow(horizonSec float64, capacity int) *TradeWindow {
	if capacity < 64 {
		capacity = 64
	}
	return &TradeWindow{
		buf:        make([]tradeRec, capacity),
		horizonSec: horizonSec,
	}
}

// Push appends a trade and evicts anything older than the horizon.
func (w *TradeWindow) Push(ts, price, qty float64, sell bool) {
	w.evict(ts)
	if w.size == len(w.buf) {
		// Ring full: grow once. Bounded by trade rate * horizon.
		w.grow()
	}
	idx := (w.head + w.size) % len(w.buf)
	w.buf[idx] = tradeRec{ts: ts, qty: qty, price: price, sell: sell}
	w.size++
	if sell {
		w.sellQty += qty
	} else {
		w.buyQty += qty
	}
}

func (w *TradeWindow) grow() {
	nb := make([]tradeRec, len(w.buf)*2)
	for i := 0; i < w.size; i++ {
		nb[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	w.buf = nb
	w.head = 0
}

func (w *TradeWindow) evict(now float64) {
	cutoff := now - w.horizonSec
	for w.size > 0 {
		r := w.buf[w.head]
		if r.ts >= cutoff {
			return
		}
		if r.sell {
			w.sellQty -= r.qty
		} else {
			w.buyQty -= r.qty
		}
		w.head = (w.head + 1) % len(w.buf)
		w.size--
	}
	if w.size == 0 {
		w.buyQty, w.sellQty = 0, 0
	}
}

// Imbalance returns (buy−sell)/(buy+sell) over the trailing windowSec,
// signed so that net aggressive buying is positive. Returns 0 when the
// window is empty.
func (w *TradeWindow) Imbalance(now, windowSec float64) float64 {
	var buy, sell float64
	if windowSec >= w.horizonSec {
		buy, sell = w.buyQty, w.sellQty
	} else {
		cutoff := now - windowSec
		for i := w.size - 1; i >= 0; i-- {
			r := w.buf[(w.head+i)%len(w.buf)]
			if r.ts < cutoff {
				break
			}
			if r.sell {
				sell += r.qty
			} else {
				buy += r.qty
			}
		}
	}
	total := buy + sell
	if total <= 0 {
		return 0
	}
	return (buy - sell) / total
}

// BuyRatio returns aggressive buy qty over aggressive sell qty in the
// trailing windowSec. Sentinel 999 when sells are zero with buys present,
// 1 when both are zero.
func (w *TradeWindow) BuyRatio(now, windowSec float64) float64 {
	var buy, sell float64
	cutoff := now - windowSec
	for i := w.size - 1; i >= 0; i-- {
		r := w.buf[(w.head+i)%len(w.buf)]
		if r.ts < cutoff {
			break
		}
		if r.sell {
			sell += r.qty
		} else {
			buy += r.qty
		}
	}
	if sell <= 0 {
		if buy > 0 {
			return 999
		}
		return 1
	}
	return buy / sell
}

// Count returns the number of trades currently retained.
func (w *TradeWindow) Count() int { return w.size }

// pricePoint is one timestamped price observation.
type pricePoint struct {
	ts    float64
	price float64
}

// PriceRing retains horizonSec seconds of timestamped prices.
type PriceRing struct {
	buf        []pricePoint
	head, size int
	horizonSec float64
}

// NewPriceRing creates a ring retaining horizonSec seconds of prices.
func NewPriceRing(horizonSec float64, capacity int) *PriceRing {
	if capacity < 16 {
		capacity = 16
	}
	return &PriceRing{buf: make([]pricePoint, capacity), horizonSec: horizonSec}
}

// Push appends a price and evicts by timestamp.
func (r *PriceRing) Push(ts, price float64) {
	cutoff := ts - r.horizonSec
	for r.size > 0 && r.buf[r.head].ts < cutoff {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	if r.size == len(r.buf) {
		nb := make([]pricePoint, len(r.buf)*2)
		for i := 0; i < r.size; i++ {
			nb[i] = r.buf[(r.head+i)%len(r.buf)]
		}
		r.buf = nb
		r.head = 0
	}
	idx := (r.head + r.size) % len(r.buf)
	r.buf[idx] = pricePoint{ts: ts, price: price}
	r.size++
}

// Oldest returns the earliest retained price, or 0 when empty.
func (r *PriceRing) Oldest() float64 {
	if r.size == 0 {
		return 0
	}
	return r.buf[r.head].price
}

// Latest returns the most recent price, or 0 when empty.
func (r *PriceRing) Latest() float64 {
	if r.size == 0 {
		return 0
	}
	return r.buf[(r.head+r.size-1)%len(r.buf)].price
}

// ReturnBps returns the latest-vs-oldest return in basis points, or 0 when
// fewer than two points are retained.
func (r *PriceRing) ReturnBps() float64 {
	if r.size < 2 {
		return 0
	}
	oldest := r.Oldest()
	if oldest <= 0 {
		return 0
	}
	return (r.Latest() - oldest) / oldest * 10000
}

// MaxWithTs returns the maximum retained price and the latest timestamp at
// which that maximum was observed.
func (r *PriceRing) MaxWithTs() (price, ts float64) {
	for i := 0; i < r.size; i++ {
		p := r.buf[(r.head+i)%len(r.buf)]
		if p.price >= price {
			price, ts = p.price, p.ts
		}
	}
	return price, ts
}

// Size returns the number of retained points.
func (r *PriceRing) Size() int { return r.size }

// RealizedVol estimates short-horizon realized volatility from trade
// prices: the standard deviation of log returns over a trailing window,
// scaled to basis points.
type RealizedVol struct {
	ring *PriceRing
}

// NewRealizedVol creates an estimator over the given window in seconds.
func NewRealizedVol(windowSec float64) *RealizedVol {
	return &RealizedVol{ring: NewPriceRing(windowSec, 256)}
}

// Push folds a trade price into the window.
func (v *RealizedVol) Push(ts, price float64) {
	if price <= 0 {
		return
	}
	v.ring.Push(ts, price)
}

// Bps returns the realized vol of the window in basis points. Returns 0
// with fewer than three observations.
func (v *RealizedVol) Bps() float64 {
	n := v.ring.size
	if n < 3 {
		return 0
	}
	var sum, sumSq float64
	count := 0
	prev := 0.0
	for i := 0; i < n; i++ {
		p := v.ring.buf[(v.ring.head+i)%len(v.ring.buf)].price
		if prev > 0 && p > 0 {
			lr := math.Log(p / prev)
			sum += lr
			sumSq += lr * lr
			count++
		}
		prev = p
	}
	if count < 2 {
		return 0
	}
	mean := sum / float64(count)
	variance := sumSq/float64(count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance) * 10000
}
