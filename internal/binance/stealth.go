package binance

import (
	"math"
	"math/rand"
)

// Slice is one stealth order slice.
type Slice struct {
	Qty   float64
	Price float64
}

// StealthParams drives ComputeStealthSlices.
type StealthParams struct {
	TotalQty      float64
	RefPrice      float64
	TickSize      float64
	L1Depth       float64 // current top-of-book qty on the working side
	MaxL1Fraction float64 // max fraction of L1 depth a single slice may take
	MaxTicks      int     // tick ladder depth (saturating)
	MinQty        float64
	MinNotional   float64
	Direction     string // "up" for entries, "down" for TPs
	AlwaysSplit   bool
	MinSlices     int
	MaxSlices     int
}

// ComputeStealthSlices splits an order into randomly sized, tick-laddered
// slices to reduce predictability and L1 impact. Quantities sum exactly to
// TotalQty; each slice satisfies the per-slice minimum; prices step away
// from the reference in the given direction, saturating at MaxTicks. The
// returned slice order is shuffled. rng may be nil.
func ComputeStealthSlices(p StealthParams, rng *rand.Rand) []Slice {
	randF := rand.Float64
	shuffle := rand.Shuffle
	randN := rand.Intn
	if rng != nil {
		randF = rng.Float64
		shuffle = rng.Shuffle
		randN = rng.Intn
	}

	if p.TotalQty <= 0 || p.RefPrice <= 0 {
		return nil
	}

	effectiveMin := p.MinQty
	if p.MinNotional > 0 {
		if byNotional := p.MinNotional / p.RefPrice; byNotional > effectiveMin {
			effectiveMin = byNotional
		}
	}
	if effectiveMin <= 0 {
		effectiveMin = p.TotalQty
	}

	maxPossible := int(p.TotalQty / effectiveMin)
	if maxPossible < 1 {
		maxPossible = 1
	}

	n := 1
	switch {
	case maxPossible < 2:
		n = 1
	case p.AlwaysSplit:
		lo, hi := p.MinSlices, p.MaxSlices
		if lo < 2 {
			lo = 2
		}
		if hi < lo {
			hi = lo
		}
		if hi > maxPossible {
			hi = maxPossible
		}
		if lo > hi {
			lo = hi
		}
		n = lo + randN(hi-lo+1)
	default:
		// Split only when one slice would take too much of the book.
		capQty := p.MaxL1Fraction * p.L1Depth
		if capQty > 0 && p.TotalQty > capQty {
			n = int(math.Ceil(p.TotalQty / capQty))
			if n > p.MaxSlices && p.MaxSlices > 0 {
				n = p.MaxSlices
			}
			if n > maxPossible {
				n = maxPossible
			}
		}
	}
	if n < 1 {
		n = 1
	}

	// Exponentially distributed weights normalized onto the total give a
	// Dirichlet-like random split.
	qtys := make([]float64, n)
	var weightSum float64
	for i := range qtys {
		w := -math.Log(1 - randF())
		qtys[i] = w
		weightSum += w
	}
	for i := range qtys {
		qtys[i] = p.TotalQty * qtys[i] / weightSum
	}

	// Enforce the per-slice minimum by stealing from the largest slice.
	for {
		largest := 0
		for i := range qtys {
			if qtys[i] > qtys[largest] {
				largest = i
			}
		}
		deficit := 0.0
		for i := range qtys {
			if i != largest && qtys[i] < effectiveMin {
				deficit += effectiveMin - qtys[i]
				qtys[i] = effectiveMin
			}
		}
		if deficit == 0 {
			break
		}
		qtys[largest] -= deficit
		if qtys[largest] >= effectiveMin {
			break
		}
		// Largest can no longer cover the minimum: drop a slice and retry.
		n--
		if n < 2 {
			return []Slice{{Qty: p.TotalQty, Price: p.RefPrice}}
		}
		qtys = qtys[:n]
		var sum float64
		for _, q := range qtys {
			sum += q
		}
		for i := range qtys {
			qtys[i] = p.TotalQty * qtys[i] / sum
		}
	}

	// Correct rounding drift on the largest slice so the sum is exact.
	var sum float64
	largest := 0
	for i, q := range qtys {
		sum += q
		if q > qtys[largest] {
			largest = i
		}
	}
	qtys[largest] += p.TotalQty - sum

	dir := 1.0
	if p.Direction == "down" {
		dir = -1
	}
	maxTicks := p.MaxTicks
	if maxTicks < 1 {
		maxTicks = 1
	}

	slices := make([]Slice, n)
	for i := range slices {
		ticks := i
		if ticks > maxTicks-1 {
			ticks = maxTicks - 1
		}
		slices[i] = Slice{
			Qty:   qtys[i],
			Price: p.RefPrice + dir*float64(ticks)*p.TickSize,
		}
	}

	shuffle(n, func(i, j int) {
		slices[i], slices[j] = slices[j], slices[i]
	})
	return slices
}
