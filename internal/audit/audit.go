// Package audit emits the order lifecycle trail: one JSON line per
// placement, fill, and terminal status, on a stream separate from the
// operational log so downstream tooling can tail it without parsing
// free-form log lines.
package audit

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Trail writes order lifecycle records.
type Trail struct {
	log zerolog.Logger
}

// New builds a trail writing to w, stderr when nil. level follows the
// logging config; an unknown level falls back to info.
func New(w io.Writer, level string) *Trail {
	if w == nil {
		w = os.Stderr
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	l := zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("stream", "order_audit").
		Logger()
	return &Trail{log: l}
}

// Placed records a working order hitting the book. kind names the
// execution path that produced it (entry_slice, resting_tp, close_maker).
func (t *Trail) Placed(symbol, kind string, orderID int64, side string, qty, price float64) {
	t.log.Info().
		Str("event", "placed").
		Str("symbol", symbol).
		Str("kind", kind).
		Int64("order_id", orderID).
		Str("side", side).
		Float64("qty", qty).
		Float64("price", price).
		Send()
}

// Filled records a terminal fill.
func (t *Trail) Filled(symbol string, orderID int64, qty, avgPrice, fee float64, maker bool) {
	t.log.Info().
		Str("event", "filled").
		Str("symbol", symbol).
		Int64("order_id", orderID).
		Float64("qty", qty).
		Float64("avg_price", avgPrice).
		Float64("fee", fee).
		Bool("maker", maker).
		Send()
}

// Terminal records a non-fill terminal status: canceled, expired,
// rejected.
func (t *Trail) Terminal(symbol string, orderID int64, status string) {
	t.log.Info().
		Str("event", "terminal").
		Str("symbol", symbol).
		Int64("order_id", orderID).
		Str("status", status).
		Send()
}
