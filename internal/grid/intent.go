package grid

// IntentSide distinguishes open/average shorts from closes.
type IntentSide int

const (
	// SideSell opens or averages a short position.
	SideSell IntentSide = iota
	// SideBuy closes a short, fully or partially.
	SideBuy
)

// OrderIntent is one unit of work handed from a trader to the order loop.
// At most one intent per symbol is in flight, guarded by the trader's
// pending flags.
type OrderIntent struct {
	Side   IntentSide
	Symbol string
	Qty    float64

	// Sell fields
	LayerIdx int
	RefPrice float64

	// Buy fields
	Reason        string
	NLayers       int
	EstPnLBps     float64
	EstPnLUSD     float64
	Bid           float64
	Ask           float64
	SignalTs      float64
	MinNetBps     float64
	PartialTP     bool
	InverseTPZone int // -1 when not an inverse-TP partial
}
