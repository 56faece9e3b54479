// Package vol blends a candle-based baseline volatility with live
// short-horizon realized vol into a stable per-symbol estimate.
package vol

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"binance-grid-bot/internal/logging"
)

// CandleSource fetches recent candle closes, oldest first. The Binance
// futures client satisfies this.
type CandleSource interface {
	GetKlineCloses(symbol, interval string, limit int) ([]float64, error)
}

// Config shapes a calibrator. Weights are renormalized over the
// timeframes that actually return data.
type Config struct {
	RefreshSec   float64
	LiveWeight   float64
	LiveEMAAlpha float64
	DriftMin     float64
	DriftMax     float64
	TailMult     float64
	TFWeights    map[string]float64
	TFLookbacks  map[string]int
}

// DefaultConfig returns the production calibration parameters.
func DefaultConfig() Config {
	return Config{
		RefreshSec:   180,
		LiveWeight:   0.35,
		LiveEMAAlpha: 0.2,
		DriftMin:     0.6,
		DriftMax:     2.5,
		TailMult:     3.0,
		TFWeights:    map[string]float64{"1m": 0.5, "5m": 0.3, "15m": 0.2},
		TFLookbacks:  map[string]int{"1m": 360, "5m": 576, "15m": 672},
	}
}

// Snapshot is the immutable output of the calibrator.
type Snapshot struct {
	BaselineBps float64   `json:"baseline_bps"`
	LiveBps     float64   `json:"live_bps"`
	BlendedBps  float64   `json:"blended_bps"`
	DriftMult   float64   `json:"drift_mult"`
	TailRatio   float64   `json:"tail_ratio"`
	HeavyTail   bool      `json:"heavy_tail"`
	LastRefresh time.Time `json:"last_refresh"`
	Source      string    `json:"source"` // "candles" or "live_only"
}

// Calibrator maintains the blended volatility estimate for one symbol.
// Update runs on the tick path; candle refreshes run detached and publish
// atomically.
type Calibrator struct {
	symbol string
	cfg    Config
	source CandleSource
	log    *logging.Logger

	mu          sync.Mutex
	liveBps     float64
	liveSeeded  bool
	baseline    atomic.Value // baselineState
	refreshing  atomic.Bool
	lastRefresh atomic.Int64 // unix ms of last successful refresh attempt start
}

type baselineState struct {
	bps float64
	at  time.Time
	ok  bool
}

// NewCalibrator creates a calibrator for the given symbol. A nil source
// leaves the calibrator in live-only mode forever.
func NewCalibrator(symbol string, cfg Config, source CandleSource, log *logging.Logger) *Calibrator {
	c := &Calibrator{
		symbol: symbol,
		cfg:    cfg,
		source: source,
		log:    log.WithComponent("vol").WithSymbol(symbol),
	}
	c.baseline.Store(baselineState{})
	return c
}

// Update folds one live realized-vol observation and kicks a background
// baseline refresh when due. Never blocks on the candle fetch.
func (c *Calibrator) Update(liveVolBps float64, now time.Time) {
	if liveVolBps > 0 {
		c.mu.Lock()
		if !c.liveSeeded {
			c.liveBps = liveVolBps
			c.liveSeeded = true
		} else {
			a := c.cfg.LiveEMAAlpha
			c.liveBps = (1-a)*c.liveBps + a*liveVolBps
		}
		c.mu.Unlock()
	}

	if c.source == nil {
		return
	}
	last := time.UnixMilli(c.lastRefresh.Load())
	if now.Sub(last) < time.Duration(c.cfg.RefreshSec*float64(time.Second)) {
		return
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return
	}
	c.lastRefresh.Store(now.UnixMilli())
	go c.refreshBaseline()
}

func (c *Calibrator) refreshBaseline() {
	defer c.refreshing.Store(false)

	var weighted, weightSum float64
	for tf, weight := range c.cfg.TFWeights {
		limit := c.cfg.TFLookbacks[tf]
		if limit <= 0 {
			limit = 120
		}
		closes, err := c.source.GetKlineCloses(c.symbol, tf, limit)
		if err != nil || len(closes) < 3 {
			c.log.Debug("candle fetch failed", "timeframe", tf, "error", err)
			continue
		}
		bps := closesVolBps(closes)
		if bps <= 0 {
			continue
		}
		weighted += weight * bps
		weightSum += weight
	}
	if weightSum <= 0 {
		// Every timeframe failed; the previous baseline holds.
		return
	}
	c.baseline.Store(baselineState{bps: weighted / weightSum, at: time.Now(), ok: true})
}

// closesVolBps is stdev(ln(close[t]/close[t-1])) scaled to basis points.
func closesVolBps(closes []float64) float64 {
	var sum, sumSq float64
	n := 0
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		lr := math.Log(closes[i] / closes[i-1])
		sum += lr
		sumSq += lr * lr
		n++
	}
	if n < 2 {
		return 0
	}
	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance) * 10000
}

// Snapshot computes the current blended view.
func (c *Calibrator) Snapshot() Snapshot {
	c.mu.Lock()
	live := c.liveBps
	c.mu.Unlock()

	bs := c.baseline.Load().(baselineState)
	baseline := bs.bps
	source := "candles"
	if !bs.ok {
		// No baseline yet: anchor on live (floored) so drift stays near 1.
		baseline = math.Max(live, 8.0)
		source = "live_only"
	}

	blended := (1-c.cfg.LiveWeight)*baseline + c.cfg.LiveWeight*live

	drift := 1.0
	if baseline > 0 {
		drift = blended / baseline
	}
	if drift < c.cfg.DriftMin {
		drift = c.cfg.DriftMin
	}
	if drift > c.cfg.DriftMax {
		drift = c.cfg.DriftMax
	}

	tail := 1.0
	if baseline > 0 {
		tail = math.Max(live, blended) / baseline
	}

	return Snapshot{
		BaselineBps: baseline,
		LiveBps:     live,
		BlendedBps:  blended,
		DriftMult:   drift,
		TailRatio:   tail,
		HeavyTail:   tail >= c.cfg.TailMult,
		LastRefresh: bs.at,
		Source:      source,
	}
}

// SeedBaseline force-sets the baseline, used when restoring persisted
// runtime state.
func (c *Calibrator) SeedBaseline(bps float64, at time.Time) {
	if bps <= 0 {
		return
	}
	c.baseline.Store(baselineState{bps: bps, at: at, ok: true})
}
