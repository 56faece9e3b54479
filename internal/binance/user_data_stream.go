package binance

import (
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// listenKeyKeepAlive is how often the listen key is refreshed; Binance
// expires keys after 60 minutes without a keepalive.
const listenKeyKeepAlive = 25 * time.Minute

// orderTradeUpdate mirrors the ORDER_TRADE_UPDATE event payload.
type orderTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		Side          string `json:"S"`
		OrderID       int64  `json:"i"`
		Status        string `json:"X"` // NEW, PARTIALLY_FILLED, FILLED, CANCELED, EXPIRED
		FilledQty     string `json:"z"` // cumulative
		AvgPrice      string `json:"ap"`
		LastFillPrice string `json:"L"`
		Commission    string `json:"n"`
		IsMaker       bool   `json:"m"`
		TradeTime     int64  `json:"T"`
	} `json:"o"`
}

// UserDataStream delivers per-order trade updates from the futures
// user-data websocket. Updates are at-least-once; consumers dedupe by
// treating each order ID at most once per terminal state.
type UserDataStream struct {
	mu sync.Mutex

	client    *FuturesClient
	listenKey string
	conn      *websocket.Conn
	stopChan  chan struct{}
	running   bool
	testnet   bool

	// commission accumulates across partial fills per order until the
	// terminal update, which reports only the last trade's fee.
	fees map[int64]float64
}

// NewUserDataStream creates a stream bound to the client's account.
func NewUserDataStream(client *FuturesClient, testnet bool) *UserDataStream {
	return &UserDataStream{
		client:   client,
		testnet:  testnet,
		stopChan: make(chan struct{}),
		fees:     make(map[int64]float64),
	}
}

// Start obtains a listen key, connects, and begins dispatching.
func (u *UserDataStream) Start() error {
	key, err := u.client.GetListenKey()
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.listenKey = key
	u.running = true
	u.mu.Unlock()

	if err := u.connect(); err != nil {
		return err
	}
	go u.readLoop()
	go u.keepAliveLoop()
	return nil
}

func (u *UserDataStream) wsURL() string {
	base := FuturesWSBaseURL
	if u.testnet {
		base = FuturesWSTestnetURL
	}
	return base + "/ws/" + u.listenKey
}

func (u *UserDataStream) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(u.wsURL(), nil)
	if err != nil {
		return err
	}
	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	log.Printf("[USER-WS] connected")
	return nil
}

func (u *UserDataStream) keepAliveLoop() {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-u.stopChan:
			return
		case <-ticker.C:
			if err := u.client.KeepAliveListenKey(); err != nil {
				log.Printf("[USER-WS] keepalive failed: %v", err)
			}
		}
	}
}

func (u *UserDataStream) readLoop() {
	backoff := time.Second
	for {
		select {
		case <-u.stopChan:
			return
		default:
		}

		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn == nil {
			select {
			case <-u.stopChan:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			if key, err := u.client.GetListenKey(); err == nil {
				u.mu.Lock()
				u.listenKey = key
				u.mu.Unlock()
			}
			if err := u.connect(); err != nil {
				log.Printf("[USER-WS] reconnect failed: %v", err)
				continue
			}
			backoff = time.Second
			continue
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-u.stopChan:
				return
			default:
			}
			log.Printf("[USER-WS] read error: %v", err)
			conn.Close()
			u.mu.Lock()
			u.conn = nil
			u.mu.Unlock()
			continue
		}
		u.dispatch(msg)
	}
}

func (u *UserDataStream) dispatch(msg []byte) {
	var probe struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &probe); err != nil || probe.EventType != "ORDER_TRADE_UPDATE" {
		return
	}

	var update orderTradeUpdate
	if err := json.Unmarshal(msg, &update); err != nil {
		return
	}
	o := &update.Order

	fee, _ := strconv.ParseFloat(o.Commission, 64)
	u.mu.Lock()
	u.fees[o.OrderID] += fee
	totalFee := u.fees[o.OrderID]
	u.mu.Unlock()

	switch o.Status {
	case StatusFilled, StatusCanceled, StatusExpired:
	default:
		return // partial fills settle at the terminal update
	}

	u.mu.Lock()
	delete(u.fees, o.OrderID)
	u.mu.Unlock()

	var fill *FillResult
	if o.Status == StatusFilled {
		qty, _ := strconv.ParseFloat(o.FilledQty, 64)
		avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
		fill = &FillResult{
			OrderID:   o.OrderID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Qty:       qty,
			AvgPrice:  avg,
			Cost:      qty * avg,
			Fee:       totalFee,
			IsMaker:   o.IsMaker,
			Timestamp: time.UnixMilli(o.TradeTime),
		}
	}

	u.client.untrack(o.OrderID)
	if handler := u.client.orderUpdateHandler(); handler != nil {
		handler(o.OrderID, o.Status, fill)
	}
}

// Stop closes the stream and releases the listen key.
func (u *UserDataStream) Stop() {
	u.mu.Lock()
	if !u.running {
		u.mu.Unlock()
		return
	}
	u.running = false
	close(u.stopChan)
	conn := u.conn
	u.conn = nil
	u.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if err := u.client.CloseListenKey(); err != nil {
		log.Printf("[USER-WS] close listen key failed: %v", err)
	}
}
