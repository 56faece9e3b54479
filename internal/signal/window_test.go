package signal

import (
	"math"
	"testing"
)

func TestTradeWindowImbalanceSign(t *testing.T) {
	w := NewTradeWindow(2, 64)
	// 3 units of aggressive buying, 1 of selling.
	w.Push(10.0, 100, 3, false)
	w.Push(10.1, 100, 1, true)

	got := w.Imbalance(10.2, 2)
	want := (3.0 - 1.0) / 4.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("imbalance = %v, want %v (buy-positive)", got, want)
	}
}

func TestTradeWindowImbalanceSubWindow(t *testing.T) {
	w := NewTradeWindow(2, 64)
	w.Push(10.0, 100, 5, false) // outside the 0.5s sub-window at t=11
	w.Push(10.9, 100, 2, true)

	got := w.Imbalance(11.0, 0.5)
	if got != -1 {
		t.Fatalf("sub-window imbalance = %v, want -1 (sells only)", got)
	}
}

func TestTradeWindowEviction(t *testing.T) {
	w := NewTradeWindow(2, 64)
	w.Push(1.0, 100, 1, false)
	w.Push(10.0, 100, 1, true) // evicts the first trade
	if w.Count() != 1 {
		t.Fatalf("count after eviction = %d, want 1", w.Count())
	}
	if got := w.Imbalance(10.0, 2); got != -1 {
		t.Fatalf("imbalance after eviction = %v, want -1", got)
	}
}

func TestBuyRatioSentinels(t *testing.T) {
	w := NewTradeWindow(2, 64)
	if got := w.BuyRatio(10, 2); got != 1 {
		t.Fatalf("empty BuyRatio = %v, want 1", got)
	}
	w.Push(10.0, 100, 2, false)
	if got := w.BuyRatio(10.1, 2); got != 999 {
		t.Fatalf("buys-only BuyRatio = %v, want 999", got)
	}
	w.Push(10.2, 100, 1, true)
	if got := w.BuyRatio(10.3, 2); got != 2 {
		t.Fatalf("BuyRatio = %v, want 2", got)
	}
}

func TestPriceRingReturnAndMax(t *testing.T) {
	r := NewPriceRing(30, 16)
	r.Push(1, 100)
	r.Push(2, 110)
	r.Push(3, 105)

	wantRet := (105.0 - 100.0) / 100.0 * 10000
	if got := r.ReturnBps(); math.Abs(got-wantRet) > 1e-9 {
		t.Fatalf("ReturnBps = %v, want %v", got, wantRet)
	}
	max, ts := r.MaxWithTs()
	if max != 110 || ts != 2 {
		t.Fatalf("MaxWithTs = (%v, %v), want (110, 2)", max, ts)
	}
}

func TestPriceRingEvictsByTime(t *testing.T) {
	r := NewPriceRing(30, 16)
	r.Push(1, 100)
	r.Push(40, 200)
	if r.Size() != 1 {
		t.Fatalf("size = %d, want 1 after horizon eviction", r.Size())
	}
	if r.Oldest() != 200 {
		t.Fatalf("oldest = %v, want 200", r.Oldest())
	}
}

func TestRealizedVolFlatTape(t *testing.T) {
	v := NewRealizedVol(1)
	for i := 0; i < 10; i++ {
		v.Push(10+float64(i)*0.05, 100)
	}
	if got := v.Bps(); got != 0 {
		t.Fatalf("flat tape vol = %v, want 0", got)
	}
}
