// Package events defines the compact per-trade lifecycle records buffered
// by the runtime and periodically flushed to the state store.
package events

import (
	"fmt"
	"sync"
)

// ringCapacity bounds the in-memory event buffer. Old events are dropped
// when the flush loop cannot keep up.
const ringCapacity = 20000

// StrategyEvent describes one entry or close.
type StrategyEvent struct {
	Scope          string                 `json:"scope"`
	Symbol         string                 `json:"symbol"`
	Action         string                 `json:"action"` // "entry", "average", "close", "partial_close"
	Reason         string                 `json:"reason"`
	Qty            float64                `json:"qty"`
	Price          float64                `json:"price"`
	AvgEntry       float64                `json:"avg_entry,omitempty"`
	Layers         int                    `json:"layers,omitempty"`
	PnLBps         float64                `json:"pnl_bps,omitempty"`
	PnLUSD         float64                `json:"pnl_usd,omitempty"`
	SpreadBps      float64                `json:"spread_bps,omitempty"`
	VolBps         float64                `json:"vol_bps,omitempty"`
	EdgeLCB        float64                `json:"edge_lcb,omitempty"`
	RequiredEdge   float64                `json:"required_edge,omitempty"`
	RecoveryDebt   float64                `json:"recovery_debt,omitempty"`
	Signal         map[string]interface{} `json:"signal,omitempty"`
	EventMs        int64                  `json:"event_ms"`
	SessionID      string                 `json:"session_id"`
	Seq            uint64                 `json:"seq"`
}

// ID derives the unique event identifier used for store-side dedupe.
func (e *StrategyEvent) ID() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s|%d",
		e.Scope, e.Symbol, e.Action, e.EventMs, e.SessionID, e.Seq)
}

// Ring is a bounded FIFO of strategy events shared between the traders
// (producers) and the persistence loop (consumer). Failed flushes are
// requeued at the front so ordering survives store outages.
type Ring struct {
	mu      sync.Mutex
	buf     []StrategyEvent
	seq     uint64
	dropped uint64
}

// NewRing creates an empty ring.
func NewRing() *Ring {
	return &Ring{buf: make([]StrategyEvent, 0, 256)}
}

// NextSeq returns the next per-session sequence number.
func (r *Ring) NextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq
}

// Push appends an event, dropping the oldest when full.
func (r *Ring) Push(e StrategyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= ringCapacity {
		copy(r.buf, r.buf[1:])
		r.buf = r.buf[:len(r.buf)-1]
		r.dropped++
	}
	r.buf = append(r.buf, e)
}

// Drain removes and returns up to max buffered events, oldest first.
func (r *Ring) Drain(max int) []StrategyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil
	}
	n := len(r.buf)
	if max > 0 && n > max {
		n = max
	}
	out := make([]StrategyEvent, n)
	copy(out, r.buf[:n])
	r.buf = append(r.buf[:0], r.buf[n:]...)
	return out
}

// Requeue puts unflushed events back at the front, preserving order.
func (r *Ring) Requeue(evts []StrategyEvent) {
	if len(evts) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := make([]StrategyEvent, 0, len(evts)+len(r.buf))
	merged = append(merged, evts...)
	merged = append(merged, r.buf...)
	if len(merged) > ringCapacity {
		r.dropped += uint64(len(merged) - ringCapacity)
		merged = merged[len(merged)-ringCapacity:]
	}
	r.buf = merged
}

// Len returns the number of buffered events.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Dropped returns how many events were lost to overflow.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
