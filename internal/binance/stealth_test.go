package binance

import (
	"math"
	"math/rand"
	"testing"
)

func sliceQtySum(slices []Slice) float64 {
	var sum float64
	for _, s := range slices {
		sum += s.Qty
	}
	return sum
}

func TestStealthSlicesSumExactly(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		p := StealthParams{
			TotalQty:    1.0,
			RefPrice:    100,
			TickSize:    0.01,
			MinQty:      0.001,
			MinNotional: 5,
			Direction:   "up",
			MaxTicks:    5,
			AlwaysSplit: true,
			MinSlices:   2,
			MaxSlices:   5,
		}
		slices := ComputeStealthSlices(p, rng)
		if got := sliceQtySum(slices); math.Abs(got-p.TotalQty) > 1e-12 {
			t.Fatalf("trial %d: qty sum = %v, want %v", trial, got, p.TotalQty)
		}
	}
}

func TestStealthSliceCountBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	p := StealthParams{
		TotalQty:    10,
		RefPrice:    100,
		TickSize:    0.01,
		MinQty:      0.001,
		MinNotional: 5,
		Direction:   "up",
		MaxTicks:    5,
		AlwaysSplit: true,
		MinSlices:   2,
		MaxSlices:   5,
	}
	for trial := 0; trial < 100; trial++ {
		slices := ComputeStealthSlices(p, rng)
		if len(slices) < 2 || len(slices) > 5 {
			t.Fatalf("slice count = %d, want within [2, 5]", len(slices))
		}
	}
}

func TestStealthPerSliceMinimum(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	p := StealthParams{
		TotalQty:    0.5,
		RefPrice:    100,
		TickSize:    0.01,
		MinQty:      0.001,
		MinNotional: 5, // per-slice minimum 0.05 qty at 100
		Direction:   "up",
		MaxTicks:    5,
		AlwaysSplit: true,
		MinSlices:   2,
		MaxSlices:   5,
	}
	minQty := p.MinNotional / p.RefPrice
	for trial := 0; trial < 200; trial++ {
		slices := ComputeStealthSlices(p, rng)
		for i, s := range slices {
			if s.Qty < minQty-1e-12 {
				t.Fatalf("trial %d slice %d qty %v below minimum %v", trial, i, s.Qty, minQty)
			}
		}
	}
}

func TestStealthSingleSliceWhenTotalTooSmall(t *testing.T) {
	p := StealthParams{
		TotalQty:    0.06,
		RefPrice:    100,
		TickSize:    0.01,
		MinQty:      0.001,
		MinNotional: 5, // min slice 0.05 qty, so only one fits
		Direction:   "up",
		MaxTicks:    5,
		AlwaysSplit: true,
		MinSlices:   2,
		MaxSlices:   5,
	}
	slices := ComputeStealthSlices(p, rand.New(rand.NewSource(4)))
	if len(slices) != 1 {
		t.Fatalf("slice count = %d, want 1", len(slices))
	}
	if slices[0].Qty != p.TotalQty || slices[0].Price != p.RefPrice {
		t.Fatalf("slice = %+v, want full qty at ref", slices[0])
	}
}

func TestStealthTickLadderDirection(t *testing.T) {
	for _, dir := range []string{"up", "down"} {
		p := StealthParams{
			TotalQty:    1.0,
			RefPrice:    100,
			TickSize:    0.01,
			MinQty:      0.001,
			MinNotional: 5,
			Direction:   dir,
			MaxTicks:    3,
			AlwaysSplit: true,
			MinSlices:   5,
			MaxSlices:   5,
		}
		slices := ComputeStealthSlices(p, rand.New(rand.NewSource(5)))
		for _, s := range slices {
			offTicks := (s.Price - p.RefPrice) / p.TickSize
			if dir == "down" {
				offTicks = -offTicks
			}
			if offTicks < -1e-9 {
				t.Fatalf("dir %s: price %v on the wrong side of ref", dir, s.Price)
			}
			// The ladder saturates at MaxTicks−1.
			if offTicks > float64(p.MaxTicks-1)+1e-9 {
				t.Fatalf("dir %s: price %v beyond tick ladder", dir, s.Price)
			}
			rounded := math.Round(offTicks)
			if math.Abs(offTicks-rounded) > 1e-6 {
				t.Fatalf("dir %s: price %v off the tick grid", dir, s.Price)
			}
		}
	}
}

func TestStealthDepthTriggeredSplit(t *testing.T) {
	p := StealthParams{
		TotalQty:      1.0,
		RefPrice:      100,
		TickSize:      0.01,
		L1Depth:       1.0,
		MaxL1Fraction: 0.25, // cap 0.25 qty per slice, forces 4 slices
		MinQty:        0.001,
		MinNotional:   5,
		Direction:     "up",
		MaxTicks:      5,
		AlwaysSplit:   false,
		MaxSlices:     5,
	}
	slices := ComputeStealthSlices(p, rand.New(rand.NewSource(6)))
	if len(slices) != 4 {
		t.Fatalf("slice count = %d, want 4 from depth cap", len(slices))
	}

	// Plenty of depth: no split.
	p.L1Depth = 100
	slices = ComputeStealthSlices(p, rand.New(rand.NewSource(7)))
	if len(slices) != 1 {
		t.Fatalf("slice count = %d, want 1 when depth allows", len(slices))
	}
}

func TestStealthInvalidInput(t *testing.T) {
	if got := ComputeStealthSlices(StealthParams{TotalQty: 0, RefPrice: 100}, nil); got != nil {
		t.Fatalf("zero qty slices = %v, want nil", got)
	}
	if got := ComputeStealthSlices(StealthParams{TotalQty: 1, RefPrice: 0}, nil); got != nil {
		t.Fatalf("zero price slices = %v, want nil", got)
	}
}
