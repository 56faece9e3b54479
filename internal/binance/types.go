package binance

import (
	"errors"
	"time"
)

// ErrNoNeedToModify is returned by AmendOrder when the exchange reports the
// order already rests at the requested price/qty (-5027). The original
// order remains alive.
var ErrNoNeedToModify = errors.New("order modification not needed")

// ErrPostOnlyReject is returned when a GTX order would immediately match
// and was rejected without side effects (-5022).
var ErrPostOnlyReject = errors.New("post-only order would cross")

// SymbolInfo carries the rounding grids and minimums for one symbol.
type SymbolInfo struct {
	Symbol         string  `json:"symbol"`
	MinQty         float64 `json:"min_qty"`
	QtyStep        float64 `json:"qty_step"`
	PriceStep      float64 `json:"price_step"`
	PricePrecision int     `json:"price_precision"`
	QtyPrecision   int     `json:"qty_precision"`
	MinNotional    float64 `json:"min_notional"`
}

// FillResult reports an executed (possibly partial) order.
type FillResult struct {
	OrderID   int64     `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"` // BUY or SELL
	Qty       float64   `json:"qty"`
	AvgPrice  float64   `json:"avg_price"`
	Cost      float64   `json:"cost"`
	Fee       float64   `json:"fee"`
	IsMaker   bool      `json:"is_maker"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is one exchange-truth position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // "long" or "short"
	Contracts     float64 `json:"contracts"`
	Notional      float64 `json:"notional"`
	EntryPrice    float64 `json:"entry_price"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
}

// Order statuses delivered on the user-data stream. Terminal states are
// applied at most once per order by the consumer.
const (
	StatusFilled   = "FILLED"
	StatusCanceled = "CANCELED"
	StatusExpired  = "EXPIRED"
)

// OrderUpdateHandler consumes per-order trade updates from the user-data
// stream. fill is non-nil only for FILLED.
type OrderUpdateHandler func(orderID int64, status string, fill *FillResult)

// Executor is the exchange contract the orchestrator depends on. The live
// futures client and the test mock both satisfy it.
type Executor interface {
	GetSymbolInfo(symbol string) (*SymbolInfo, error)
	// FireLimitSell places a post-only limit sell and returns the order ID
	// without waiting for a fill. Rejections return an error.
	FireLimitSell(symbol string, qty, price float64) (int64, error)
	// LimitBuy places a post-only reduce-only limit buy. When the
	// submission response is already closed the fill is returned and the
	// order ID is 0; otherwise the resting order ID is returned.
	LimitBuy(symbol string, qty, price float64) (int64, *FillResult, error)
	// IOCBuy places an immediate-or-cancel reduce-only buy capped at
	// price. Nil fill means nothing executed.
	IOCBuy(symbol string, qty, price float64) (*FillResult, error)
	// MarketBuy places a reduce-only market buy.
	MarketBuy(symbol string, qty float64) (*FillResult, error)
	// AmendOrder atomically replaces price/qty. Returns the surviving
	// order ID (unchanged on ErrNoNeedToModify).
	AmendOrder(orderID int64, symbol, side string, qty, price float64) (int64, error)
	CancelOrder(orderID int64, symbol string) bool
	CancelAllSymbolOrders(symbol string) int
	CancelAllTrackedOrders() int
	GetPositions() (map[string]Position, error)
	SetLeverage(symbol string, leverage int) error
	SetOrderUpdateHandler(fn OrderUpdateHandler)
}

// futuresOrderResponse is the exchange's order submission/query response.
type futuresOrderResponse struct {
	OrderID       int64  `json:"orderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuote      string `json:"cumQuote"`
	TimeInForce   string `json:"timeInForce"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

// positionRisk is one /fapi/v2/positionRisk entry.
type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	Notional         string `json:"notional"`
	UnRealizedProfit string `json:"unRealizedProfit"`
}

// exchangeInfo is the subset of /fapi/v1/exchangeInfo the runtime reads.
type exchangeInfo struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		Status            string `json:"status"`
		QuoteAsset        string `json:"quoteAsset"`
		ContractType      string `json:"contractType"`
		PricePrecision    int    `json:"pricePrecision"`
		QuantityPrecision int    `json:"quantityPrecision"`
		Filters           []map[string]interface{} `json:"filters"`
	} `json:"symbols"`
}
