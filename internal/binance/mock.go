package binance

import (
	"fmt"
	"sync"
	"time"
)

// MockOrder records one order placed against the mock executor.
type MockOrder struct {
	OrderID int64
	Symbol  string
	Side    string
	Type    string // "limit_sell", "limit_buy", "ioc_buy", "market_buy"
	Qty     float64
	Price   float64
}

// MockExecutor is a scripted Executor for tests. Orders are recorded;
// fills are injected by the test via Fill/Cancel, which drive the
// registered order-update handler exactly like the user-data stream.
type MockExecutor struct {
	mu sync.Mutex

	nextID    int64
	Orders    []MockOrder
	open      map[int64]MockOrder
	Positions map[string]Position
	Leverage  map[string]int

	SymbolInfos map[string]*SymbolInfo

	// Scripted immediate results
	LimitBuyFill  *FillResult // returned by the next LimitBuy
	IOCFill       *FillResult
	MarketFill    *FillResult
	MarketFillFn  func(symbol string, qty float64) *FillResult
	RejectSells   bool
	AmendReplaces bool // amend returns a new order ID

	handler OrderUpdateHandler
}

// NewMockExecutor creates an empty mock.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{
		nextID:      1000,
		open:        make(map[int64]MockOrder),
		Positions:   make(map[string]Position),
		Leverage:    make(map[string]int),
		SymbolInfos: make(map[string]*SymbolInfo),
	}
}

func (m *MockExecutor) record(o MockOrder) {
	m.Orders = append(m.Orders, o)
	m.open[o.OrderID] = o
}

// GetSymbolInfo returns the scripted info or a permissive default.
func (m *MockExecutor) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if si, ok := m.SymbolInfos[symbol]; ok {
		return si, nil
	}
	return &SymbolInfo{
		Symbol:         symbol,
		MinQty:         0.001,
		QtyStep:        0.001,
		PriceStep:      0.01,
		PricePrecision: 2,
		QtyPrecision:   3,
		MinNotional:    5,
	}, nil
}

func (m *MockExecutor) FireLimitSell(symbol string, qty, price float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RejectSells {
		return 0, ErrPostOnlyReject
	}
	m.nextID++
	m.record(MockOrder{OrderID: m.nextID, Symbol: symbol, Side: "SELL", Type: "limit_sell", Qty: qty, Price: price})
	return m.nextID, nil
}

func (m *MockExecutor) LimitBuy(symbol string, qty, price float64) (int64, *FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.LimitBuyFill != nil {
		fill := m.LimitBuyFill
		m.LimitBuyFill = nil
		return 0, fill, nil
	}
	m.nextID++
	m.record(MockOrder{OrderID: m.nextID, Symbol: symbol, Side: "BUY", Type: "limit_buy", Qty: qty, Price: price})
	return m.nextID, nil, nil
}

func (m *MockExecutor) IOCBuy(symbol string, qty, price float64) (*FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.Orders = append(m.Orders, MockOrder{OrderID: m.nextID, Symbol: symbol, Side: "BUY", Type: "ioc_buy", Qty: qty, Price: price})
	if m.IOCFill != nil {
		fill := m.IOCFill
		m.IOCFill = nil
		return fill, nil
	}
	return nil, nil
}

func (m *MockExecutor) MarketBuy(symbol string, qty float64) (*FillResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.Orders = append(m.Orders, MockOrder{OrderID: m.nextID, Symbol: symbol, Side: "BUY", Type: "market_buy", Qty: qty})
	if m.MarketFillFn != nil {
		return m.MarketFillFn(symbol, qty), nil
	}
	if m.MarketFill != nil {
		fill := m.MarketFill
		m.MarketFill = nil
		return fill, nil
	}
	return nil, nil
}

func (m *MockExecutor) AmendOrder(orderID int64, symbol, side string, qty, price float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[orderID]
	if !ok {
		return 0, fmt.Errorf("order %d not found", orderID)
	}
	if o.Qty == qty && o.Price == price {
		return orderID, ErrNoNeedToModify
	}
	o.Qty, o.Price = qty, price
	if m.AmendReplaces {
		delete(m.open, orderID)
		m.nextID++
		o.OrderID = m.nextID
	}
	m.open[o.OrderID] = o
	return o.OrderID, nil
}

func (m *MockExecutor) CancelOrder(orderID int64, symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, orderID)
	return true
}

func (m *MockExecutor) CancelAllSymbolOrders(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, o := range m.open {
		if o.Symbol == symbol {
			delete(m.open, id)
			n++
		}
	}
	return n
}

func (m *MockExecutor) CancelAllTrackedOrders() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.open)
	m.open = make(map[int64]MockOrder)
	return n
}

func (m *MockExecutor) GetPositions() (map[string]Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Position, len(m.Positions))
	for k, v := range m.Positions {
		out[k] = v
	}
	return out, nil
}

func (m *MockExecutor) SetLeverage(symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leverage[symbol] = leverage
	return nil
}

func (m *MockExecutor) SetOrderUpdateHandler(fn OrderUpdateHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// Fill marks an open order filled and delivers the update.
func (m *MockExecutor) Fill(orderID int64, avgPrice, fee float64) {
	m.mu.Lock()
	o, ok := m.open[orderID]
	if ok {
		delete(m.open, orderID)
	}
	handler := m.handler
	m.mu.Unlock()
	if !ok || handler == nil {
		return
	}
	handler(orderID, StatusFilled, &FillResult{
		OrderID:   orderID,
		Symbol:    o.Symbol,
		Side:      o.Side,
		Qty:       o.Qty,
		AvgPrice:  avgPrice,
		Cost:      o.Qty * avgPrice,
		Fee:       fee,
		IsMaker:   true,
		Timestamp: time.Now(),
	})
}

// Expire delivers a CANCELED update for an open order.
func (m *MockExecutor) Expire(orderID int64) {
	m.mu.Lock()
	_, ok := m.open[orderID]
	delete(m.open, orderID)
	handler := m.handler
	m.mu.Unlock()
	if !ok || handler == nil {
		return
	}
	handler(orderID, StatusCanceled, nil)
}

// OpenOrderCount reports how many orders rest on the mock book.
func (m *MockExecutor) OpenOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// LastOrder returns the most recently placed order.
func (m *MockExecutor) LastOrder() *MockOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Orders) == 0 {
		return nil
	}
	o := m.Orders[len(m.Orders)-1]
	return &o
}
