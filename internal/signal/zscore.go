package signal

import "math"

// zscoreWarmup is the number of updates before a tracker reports non-zero.
const zscoreWarmup = 5

// EMAZScore tracks an exponentially weighted mean and variance of a series
// and reports the z-score of each new observation. The smoothing
// coefficient is derived from a half-life and the expected inter-arrival
// time of updates, so trackers fed at different rates decay comparably.
type EMAZScore struct {
	alpha    float64
	mean     float64
	variance float64
	count    int
	cap      float64
}

// NewEMAZScore creates a tracker with the given half-life and expected
// update interval, both in seconds. Z-scores are clamped to ±cap.
func NewEMAZScore(halfLifeSec, expectedDtSec, cap float64) *EMAZScore {
	if halfLifeSec <= 0 {
		halfLifeSec = 1
	}
	if expectedDtSec <= 0 {
		expectedDtSec = 0.1
	}
	alpha := 1 - math.Exp(-math.Ln2*expectedDtSec/halfLifeSec)
	return &EMAZScore{
		alpha:    alpha,
		variance: 1, // unit init avoids div-by-zero before the series moves
		cap:      cap,
	}
}

// Update folds x into the tracker and returns its z-score. The first few
// updates return 0 while the mean settles.
func (z *EMAZScore) Update(x float64) float64 {
	z.count++
	delta := x - z.mean
	z.mean += z.alpha * delta
	z.variance = (1-z.alpha)*z.variance + z.alpha*delta*delta

	if z.count <= zscoreWarmup {
		return 0
	}
	return z.Score(x)
}

// Score returns the z-score of x against the current mean/variance without
// updating the tracker.
func (z *EMAZScore) Score(x float64) float64 {
	if z.count <= zscoreWarmup {
		return 0
	}
	sd := math.Sqrt(z.variance)
	if sd < 1e-12 {
		return 0
	}
	s := (x - z.mean) / sd
	if s > z.cap {
		return z.cap
	}
	if s < -z.cap {
		return -z.cap
	}
	return s
}

// Count returns the number of updates applied.
func (z *EMAZScore) Count() int { return z.count }
