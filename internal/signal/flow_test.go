package signal

import (
	"math"
	"testing"
)

func TestFlowMetricsBasic(t *testing.T) {
	f := NewSecondBucketFlow()
	f.Push(100.2, 10, 3, false)
	f.Push(100.8, 10, 1, true)
	f.Push(101.1, 20, 2, false)

	m := f.Metrics(101, 5)
	if math.Abs(m.Qty-6) > 1e-9 {
		t.Fatalf("qty = %v, want 6", m.Qty)
	}
	wantImb := (5.0 - 1.0) / 6.0
	if math.Abs(m.Imbalance-wantImb) > 1e-9 {
		t.Fatalf("imbalance = %v, want %v", m.Imbalance, wantImb)
	}
	wantNotional := (10*3 + 10*1 + 20*2) / 5.0
	if math.Abs(m.NotionalPerSec-wantNotional) > 1e-9 {
		t.Fatalf("notional/sec = %v, want %v", m.NotionalPerSec, wantNotional)
	}
	if math.Abs(m.TradesPerSec-3.0/5.0) > 1e-9 {
		t.Fatalf("trades/sec = %v, want 0.6", m.TradesPerSec)
	}
}

func TestFlowLongShortRatioSentinels(t *testing.T) {
	f := NewSecondBucketFlow()
	if got := f.Metrics(50, 10).LongShortRatio; got != 1 {
		t.Fatalf("empty ratio = %v, want 1", got)
	}
	f.Push(50, 10, 4, false)
	if got := f.Metrics(50, 10).LongShortRatio; got != 999 {
		t.Fatalf("buys-only ratio = %v, want 999", got)
	}
	f.Push(50, 10, 2, true)
	if got := f.Metrics(50, 10).LongShortRatio; math.Abs(got-2) > 1e-9 {
		t.Fatalf("ratio = %v, want 2", got)
	}
}

func TestFlowWindowExcludesOldBuckets(t *testing.T) {
	f := NewSecondBucketFlow()
	f.Push(10, 10, 5, true)
	f.Push(30, 10, 1, false)

	m := f.Metrics(30, 5)
	if m.Qty != 1 {
		t.Fatalf("qty over 5s = %v, want 1 (old bucket excluded)", m.Qty)
	}
	m = f.Metrics(30, 30)
	if m.Qty != 6 {
		t.Fatalf("qty over 30s = %v, want 6", m.Qty)
	}
}

func TestFlowBucketRecycling(t *testing.T) {
	f := NewSecondBucketFlow()
	f.Push(5, 10, 7, false)
	// Same slot one full retention period later must not merge with the
	// stale contents.
	f.Push(5+flowMaxRetentionSec, 10, 2, false)

	m := f.Metrics(5+flowMaxRetentionSec, 1)
	if m.Qty != 2 {
		t.Fatalf("recycled bucket qty = %v, want 2", m.Qty)
	}
}

func TestFlowSnapshotLabels(t *testing.T) {
	f := NewSecondBucketFlow()
	f.Push(100, 10, 1, false)
	snap := f.Snapshot(100)
	if len(snap) != len(FlowWindows) {
		t.Fatalf("snapshot windows = %d, want %d", len(snap), len(FlowWindows))
	}
	for _, w := range FlowWindows {
		if _, ok := snap[w.Label]; !ok {
			t.Fatalf("snapshot missing window %q", w.Label)
		}
	}
}
