package binance

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// FuturesWSBaseURL is the production combined-stream endpoint.
	FuturesWSBaseURL = "wss://fstream.binance.com"
	// FuturesWSTestnetURL is the testnet combined-stream endpoint.
	FuturesWSTestnetURL = "wss://stream.binancefuture.com"

	// MaxStreamsPerConnection caps symbols per combined connection; two
	// streams (book + trades) per symbol.
	MaxStreamsPerConnection = 100
)

// BookHandler consumes best-bid/ask updates.
type BookHandler func(symbol string, bid, ask, bidQty, askQty float64, tsSec float64)

// TradeHandler consumes aggregated trades. isSellAggressor is true when the
// buyer was the maker.
type TradeHandler func(symbol string, price, qty float64, isSellAggressor bool, tsSec float64)

// combinedFrame is one message on a combined stream.
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// bookTickerData mirrors the {symbol}@bookTicker payload.
type bookTickerData struct {
	Symbol    string `json:"s"`
	BidPrice  string `json:"b"`
	BidQty    string `json:"B"`
	AskPrice  string `json:"a"`
	AskQty    string `json:"A"`
	EventTime int64  `json:"E"`
}

// aggTradeData mirrors the {symbol}@aggTrade payload.
type aggTradeData struct {
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
	EventTime    int64  `json:"E"`
}

// MarketStream is one combined-stream websocket connection for up to 100
// symbols, dispatching frames to the registered handlers. It reconnects
// with backoff until Stop is called.
type MarketStream struct {
	mu sync.Mutex

	baseURL string
	symbols []string
	onBook  BookHandler
	onTrade TradeHandler

	conn       *websocket.Conn
	stopChan   chan struct{}
	running    bool
	reconnects int
}

// NewMarketStream creates a stream for the given symbols.
func NewMarketStream(symbols []string, testnet bool, onBook BookHandler, onTrade TradeHandler) *MarketStream {
	baseURL := FuturesWSBaseURL
	if testnet {
		baseURL = FuturesWSTestnetURL
	}
	return &MarketStream{
		baseURL:  baseURL,
		symbols:  symbols,
		onBook:   onBook,
		onTrade:  onTrade,
		stopChan: make(chan struct{}),
	}
}

func (m *MarketStream) streamURL() string {
	parts := make([]string, 0, len(m.symbols)*2)
	for _, s := range m.symbols {
		lower := strings.ToLower(s)
		parts = append(parts, lower+"@bookTicker", lower+"@aggTrade")
	}
	return fmt.Sprintf("%s/stream?streams=%s", m.baseURL, strings.Join(parts, "/"))
}

// Start connects and begins dispatching in a background goroutine.
func (m *MarketStream) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("market stream already running")
	}
	m.running = true
	m.mu.Unlock()

	if err := m.connect(); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return err
	}
	go m.readLoop()
	return nil
}

func (m *MarketStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(m.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("market stream dial failed: %w", err)
	}
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	log.Printf("[MARKET-WS] connected, %d symbols", len(m.symbols))
	return nil
}

func (m *MarketStream) readLoop() {
	for {
		select {
		case <-m.stopChan:
			return
		default:
		}

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()
		if conn == nil {
			if !m.reconnect() {
				return
			}
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-m.stopChan:
				return
			default:
			}
			log.Printf("[MARKET-WS] read error: %v", err)
			conn.Close()
			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			continue
		}
		m.dispatch(msg)
	}
}

func (m *MarketStream) reconnect() bool {
	m.reconnects++
	delay := time.Duration(m.reconnects) * time.Second
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	select {
	case <-m.stopChan:
		return false
	case <-time.After(delay):
	}
	if err := m.connect(); err != nil {
		log.Printf("[MARKET-WS] reconnect %d failed: %v", m.reconnects, err)
		return true // keep trying
	}
	m.reconnects = 0
	return true
}

func (m *MarketStream) dispatch(msg []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return
	}

	switch {
	case strings.HasSuffix(frame.Stream, "@bookTicker"):
		var d bookTickerData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		bid, _ := strconv.ParseFloat(d.BidPrice, 64)
		ask, _ := strconv.ParseFloat(d.AskPrice, 64)
		bidQty, _ := strconv.ParseFloat(d.BidQty, 64)
		askQty, _ := strconv.ParseFloat(d.AskQty, 64)
		ts := float64(d.EventTime) / 1000
		if ts <= 0 {
			ts = float64(time.Now().UnixMilli()) / 1000
		}
		if m.onBook != nil {
			m.onBook(d.Symbol, bid, ask, bidQty, askQty, ts)
		}
	case strings.HasSuffix(frame.Stream, "@aggTrade"):
		var d aggTradeData
		if err := json.Unmarshal(frame.Data, &d); err != nil {
			return
		}
		price, _ := strconv.ParseFloat(d.Price, 64)
		qty, _ := strconv.ParseFloat(d.Quantity, 64)
		ts := float64(d.EventTime) / 1000
		if ts <= 0 {
			ts = float64(time.Now().UnixMilli()) / 1000
		}
		if m.onTrade != nil {
			// Buyer-maker means the seller took liquidity.
			m.onTrade(d.Symbol, price, qty, d.IsBuyerMaker, ts)
		}
	}
}

// Symbols returns the symbols this connection carries.
func (m *MarketStream) Symbols() []string {
	return m.symbols
}

// Stop closes the connection and halts reconnects.
func (m *MarketStream) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}
