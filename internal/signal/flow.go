package signal

// FlowWindows are the labeled lookbacks reported by flow snapshots.
var FlowWindows = []struct {
	Label string
	Sec   int64
}{
	{"1s", 1},
	{"5s", 5},
	{"10s", 10},
	{"30s", 30},
	{"60s", 60},
	{"5m", 300},
	{"10m", 600},
}

// flowMaxRetentionSec bounds the bucket ring; nothing older is queryable.
const flowMaxRetentionSec = 600

// FlowMetrics summarizes aggressive flow over one lookback window.
type FlowMetrics struct {
	Qty            float64 `json:"qty"`
	TradesPerSec   float64 `json:"trades_per_sec"`
	NotionalPerSec float64 `json:"notional_per_sec"`
	Imbalance      float64 `json:"imbalance"`
	LongShortRatio float64 `json:"long_short_ratio"`
}

type flowBucket struct {
	sec          int64
	buyQty       float64
	sellQty      float64
	buyNotional  float64
	sellNotional float64
	trades       int
}

// SecondBucketFlow aggregates aggressive trades into per-second buckets
// with bounded retention. One instance serves a single symbol inside the
// signal engine; the orchestrator runs another for account-wide flow.
type SecondBucketFlow struct {
	buckets [flowMaxRetentionSec]flowBucket
}

// NewSecondBucketFlow creates an empty aggregator.
func NewSecondBucketFlow() *SecondBucketFlow {
	return &SecondBucketFlow{}
}

// Push folds one trade into its second bucket. Stale bucket slots are
// recycled in place, so pushes never allocate.
func (f *SecondBucketFlow) Push(tsSec float64, price, qty float64, sell bool) {
	if price <= 0 || qty <= 0 {
		return
	}
	sec := int64(tsSec)
	b := &f.buckets[sec%flowMaxRetentionSec]
	if b.sec != sec {
		*b = flowBucket{sec: sec}
	}
	notional := price * qty
	if sell {
		b.sellQty += qty
		b.sellNotional += notional
	} else {
		b.buyQty += qty
		b.buyNotional += notional
	}
	b.trades++
}

// Metrics aggregates the trailing windowSec seconds ending at nowSec.
func (f *SecondBucketFlow) Metrics(nowSec float64, windowSec int64) FlowMetrics {
	if windowSec <= 0 {
		windowSec = 1
	}
	if windowSec > flowMaxRetentionSec {
		windowSec = flowMaxRetentionSec
	}
	now := int64(nowSec)
	var buyQty, sellQty, notional float64
	trades := 0
	for s := now - windowSec + 1; s <= now; s++ {
		b := &f.buckets[s%flowMaxRetentionSec]
		if b.sec != s {
			continue
		}
		buyQty += b.buyQty
		sellQty += b.sellQty
		notional += b.buyNotional + b.sellNotional
		trades += b.trades
	}

	m := FlowMetrics{
		Qty:            buyQty + sellQty,
		TradesPerSec:   float64(trades) / float64(windowSec),
		NotionalPerSec: notional / float64(windowSec),
	}
	if total := buyQty + sellQty; total > 0 {
		m.Imbalance = (buyQty - sellQty) / total
	}
	switch {
	case sellQty <= 0 && buyQty > 0:
		m.LongShortRatio = 999
	case sellQty <= 0:
		m.LongShortRatio = 1
	default:
		m.LongShortRatio = buyQty / sellQty
	}
	return m
}

// Snapshot reports metrics for every standard flow window.
func (f *SecondBucketFlow) Snapshot(nowSec float64) map[string]FlowMetrics {
	out := make(map[string]FlowMetrics, len(FlowWindows))
	for _, w := range FlowWindows {
		out[w.Label] = f.Metrics(nowSec, w.Sec)
	}
	return out
}
