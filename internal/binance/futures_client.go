package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClient is the live Executor backed by the signed futures REST API.
type FuturesClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	mu            sync.Mutex
	symbolInfo    map[string]*SymbolInfo
	trackedOrders map[int64]string // orderID -> symbol

	updateHandler OrderUpdateHandler
}

// NewFuturesClient creates a new futures REST client.
func NewFuturesClient(apiKey, secretKey string, testnet bool) *FuturesClient {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	return &FuturesClient{
		apiKey:        strings.TrimSpace(apiKey),
		secretKey:     strings.TrimSpace(secretKey),
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
		symbolInfo:    make(map[string]*SymbolInfo),
		trackedOrders: make(map[int64]string),
	}
}

// APIKey exposes the key for account-scope derivation.
func (c *FuturesClient) APIKey() string { return c.apiKey }

// SetOrderUpdateHandler registers the user-data stream callback target.
func (c *FuturesClient) SetOrderUpdateHandler(fn OrderUpdateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateHandler = fn
}

func (c *FuturesClient) orderUpdateHandler() OrderUpdateHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateHandler
}

// ==================== SYMBOL INFO ====================

// GetSymbolInfo returns the rounding grids for a symbol, cached after the
// first exchangeInfo fetch.
func (c *FuturesClient) GetSymbolInfo(symbol string) (*SymbolInfo, error) {
	c.mu.Lock()
	if info, ok := c.symbolInfo[symbol]; ok {
		c.mu.Unlock()
		return info, nil
	}
	c.mu.Unlock()

	if err := c.refreshExchangeInfo(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.symbolInfo[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol %s not found in exchange info", symbol)
	}
	return info, nil
}

func (c *FuturesClient) refreshExchangeInfo() error {
	resp, err := c.publicGet("/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return fmt.Errorf("error fetching exchange info: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return fmt.Errorf("error parsing exchange info: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		si := &SymbolInfo{
			Symbol:         s.Symbol,
			PricePrecision: s.PricePrecision,
			QtyPrecision:   s.QuantityPrecision,
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				si.MinQty = parseFilterFloat(f, "minQty")
				si.QtyStep = parseFilterFloat(f, "stepSize")
			case "PRICE_FILTER":
				si.PriceStep = parseFilterFloat(f, "tickSize")
			case "MIN_NOTIONAL":
				si.MinNotional = parseFilterFloat(f, "notional")
			}
		}
		c.symbolInfo[s.Symbol] = si
	}
	return nil
}

func parseFilterFloat(f map[string]interface{}, key string) float64 {
	if s, ok := f[key].(string); ok {
		v, _ := strconv.ParseFloat(s, 64)
		return v
	}
	return 0
}

// TradableSymbols lists TRADING perpetuals quoted in the given currency,
// used by the pair-rotation scanner.
func (c *FuturesClient) TradableSymbols(quote string) ([]string, error) {
	resp, err := c.publicGet("/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching exchange info: %w", err)
	}
	var info exchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("error parsing exchange info: %w", err)
	}
	var out []string
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == quote && s.ContractType == "PERPETUAL" {
			out = append(out, s.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

// RoundQty rounds a quantity down to the symbol's lot grid.
func (si *SymbolInfo) RoundQty(qty float64) float64 {
	if si.QtyStep <= 0 {
		return qty
	}
	return math.Floor(qty/si.QtyStep) * si.QtyStep
}

// RoundPrice rounds a price to the symbol's tick grid.
func (si *SymbolInfo) RoundPrice(price float64) float64 {
	if si.PriceStep <= 0 {
		return price
	}
	return math.Round(price/si.PriceStep) * si.PriceStep
}

// ==================== ORDERS ====================

func (c *FuturesClient) track(orderID int64, symbol string) {
	c.mu.Lock()
	c.trackedOrders[orderID] = symbol
	c.mu.Unlock()
}

func (c *FuturesClient) untrack(orderID int64) {
	c.mu.Lock()
	delete(c.trackedOrders, orderID)
	c.mu.Unlock()
}

// FireLimitSell places a post-only (GTX) limit sell and returns without
// waiting for the fill; delivery happens on the user-data stream.
func (c *FuturesClient) FireLimitSell(symbol string, qty, price float64) (int64, error) {
	params := map[string]string{
		"symbol":      symbol,
		"side":        "SELL",
		"type":        "LIMIT",
		"timeInForce": "GTX",
		"quantity":    formatFloat(qty),
		"price":       formatFloat(price),
	}
	resp, err := c.signedPost("/fapi/v1/order", params)
	if err != nil {
		if isPostOnlyReject(err) {
			return 0, ErrPostOnlyReject
		}
		return 0, err
	}
	var order futuresOrderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return 0, fmt.Errorf("error parsing order response: %w", err)
	}
	c.track(order.OrderID, symbol)
	return order.OrderID, nil
}

// LimitBuy places a post-only reduce-only limit buy. When the submission
// response already reports FILLED the fill is returned directly.
func (c *FuturesClient) LimitBuy(symbol string, qty, price float64) (int64, *FillResult, error) {
	params := map[string]string{
		"symbol":      symbol,
		"side":        "BUY",
		"type":        "LIMIT",
		"timeInForce": "GTX",
		"reduceOnly":  "true",
		"quantity":    formatFloat(qty),
		"price":       formatFloat(price),
	}
	resp, err := c.signedPost("/fapi/v1/order", params)
	if err != nil {
		if isPostOnlyReject(err) {
			return 0, nil, ErrPostOnlyReject
		}
		return 0, nil, err
	}
	var order futuresOrderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return 0, nil, fmt.Errorf("error parsing order response: %w", err)
	}
	if order.Status == StatusFilled {
		return 0, fillFromOrder(&order, true), nil
	}
	c.track(order.OrderID, symbol)
	return order.OrderID, nil, nil
}

// IOCBuy places an immediate-or-cancel reduce-only buy capped at price.
func (c *FuturesClient) IOCBuy(symbol string, qty, price float64) (*FillResult, error) {
	params := map[string]string{
		"symbol":      symbol,
		"side":        "BUY",
		"type":        "LIMIT",
		"timeInForce": "IOC",
		"reduceOnly":  "true",
		"quantity":    formatFloat(qty),
		"price":       formatFloat(price),
	}
	resp, err := c.signedPost("/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var order futuresOrderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	executed, _ := strconv.ParseFloat(order.ExecutedQty, 64)
	if executed <= 0 {
		return nil, nil
	}
	return fillFromOrder(&order, false), nil
}

// MarketBuy places a reduce-only market buy.
func (c *FuturesClient) MarketBuy(symbol string, qty float64) (*FillResult, error) {
	params := map[string]string{
		"symbol":     symbol,
		"side":       "BUY",
		"type":       "MARKET",
		"reduceOnly": "true",
		"quantity":   formatFloat(qty),
	}
	resp, err := c.signedPost("/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var order futuresOrderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("error parsing order response: %w", err)
	}
	executed, _ := strconv.ParseFloat(order.ExecutedQty, 64)
	if executed <= 0 {
		return nil, nil
	}
	return fillFromOrder(&order, false), nil
}

// AmendOrder atomically replaces price/qty of a resting order. A "no need
// to modify" rejection (-5027) keeps the original order alive.
func (c *FuturesClient) AmendOrder(orderID int64, symbol, side string, qty, price float64) (int64, error) {
	params := map[string]string{
		"orderId":  strconv.FormatInt(orderID, 10),
		"symbol":   symbol,
		"side":     side,
		"quantity": formatFloat(qty),
		"price":    formatFloat(price),
	}
	resp, err := c.signedPut("/fapi/v1/order", params)
	if err != nil {
		if strings.Contains(err.Error(), "-5027") {
			return orderID, ErrNoNeedToModify
		}
		return 0, err
	}
	var order futuresOrderResponse
	if err := json.Unmarshal(resp, &order); err != nil {
		return 0, fmt.Errorf("error parsing amend response: %w", err)
	}
	if order.OrderID != orderID {
		c.untrack(orderID)
		c.track(order.OrderID, symbol)
	}
	return order.OrderID, nil
}

// CancelOrder cancels a resting order. Order-not-found counts as success:
// the order is already gone.
func (c *FuturesClient) CancelOrder(orderID int64, symbol string) bool {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	_, err := c.signedDelete("/fapi/v1/order", params)
	c.untrack(orderID)
	if err != nil {
		if strings.Contains(err.Error(), "-2011") { // unknown order
			return true
		}
		log.Printf("[BINANCE] cancel order %d %s failed: %v", orderID, symbol, err)
		return false
	}
	return true
}

// CancelAllSymbolOrders cancels every open order for a symbol.
func (c *FuturesClient) CancelAllSymbolOrders(symbol string) int {
	params := map[string]string{"symbol": symbol}
	_, err := c.signedDelete("/fapi/v1/allOpenOrders", params)

	c.mu.Lock()
	n := 0
	for id, sym := range c.trackedOrders {
		if sym == symbol {
			delete(c.trackedOrders, id)
			n++
		}
	}
	c.mu.Unlock()

	if err != nil {
		log.Printf("[BINANCE] cancel all orders for %s failed: %v", symbol, err)
		return 0
	}
	return n
}

// CancelAllTrackedOrders cancels every order this client has placed and
// still tracks.
func (c *FuturesClient) CancelAllTrackedOrders() int {
	c.mu.Lock()
	tracked := make(map[int64]string, len(c.trackedOrders))
	for id, sym := range c.trackedOrders {
		tracked[id] = sym
	}
	c.mu.Unlock()

	n := 0
	for id, sym := range tracked {
		if c.CancelOrder(id, sym) {
			n++
		}
	}
	return n
}

// ==================== ACCOUNT ====================

// GetPositions returns non-flat positions keyed by symbol.
func (c *FuturesClient) GetPositions() (map[string]Position, error) {
	resp, err := c.signedGet("/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("error fetching positions: %w", err)
	}

	var risks []positionRisk
	if err := json.Unmarshal(resp, &risks); err != nil {
		return nil, fmt.Errorf("error parsing positions: %w", err)
	}

	out := make(map[string]Position)
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(r.EntryPrice, 64)
		notional, _ := strconv.ParseFloat(r.Notional, 64)
		upnl, _ := strconv.ParseFloat(r.UnRealizedProfit, 64)
		side := "long"
		if amt < 0 {
			side = "short"
		}
		out[r.Symbol] = Position{
			Symbol:        r.Symbol,
			Side:          side,
			Contracts:     math.Abs(amt),
			Notional:      math.Abs(notional),
			EntryPrice:    entry,
			UnrealizedPnL: upnl,
		}
	}
	return out, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *FuturesClient) SetLeverage(symbol string, leverage int) error {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	if _, err := c.signedPost("/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("error setting leverage for %s: %w", symbol, err)
	}
	return nil
}

// ==================== MARKET DATA ====================

// GetKlineCloses fetches recent candle closes, oldest first.
func (c *FuturesClient) GetKlineCloses(symbol, interval string, limit int) ([]float64, error) {
	params := map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	}
	resp, err := c.publicGet("/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var raw [][]interface{}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("error parsing klines: %w", err)
	}

	closes := make([]float64, 0, len(raw))
	for _, k := range raw {
		if len(k) < 5 {
			continue
		}
		if s, ok := k[4].(string); ok {
			if v, err := strconv.ParseFloat(s, 64); err == nil {
				closes = append(closes, v)
			}
		}
	}
	return closes, nil
}

// ==================== LISTEN KEY ====================

// GetListenKey creates a user-data stream listen key.
func (c *FuturesClient) GetListenKey() (string, error) {
	resp, err := c.signedPost("/fapi/v1/listenKey", nil)
	if err != nil {
		return "", fmt.Errorf("error getting listen key: %w", err)
	}
	var result struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("error parsing listen key: %w", err)
	}
	return result.ListenKey, nil
}

// KeepAliveListenKey extends the listen key validity.
func (c *FuturesClient) KeepAliveListenKey() error {
	_, err := c.signedPut("/fapi/v1/listenKey", nil)
	return err
}

// CloseListenKey closes the user-data stream.
func (c *FuturesClient) CloseListenKey() error {
	_, err := c.signedDelete("/fapi/v1/listenKey", nil)
	return err
}

// ==================== HELPERS ====================

func fillFromOrder(order *futuresOrderResponse, maker bool) *FillResult {
	qty, _ := strconv.ParseFloat(order.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(order.AvgPrice, 64)
	cost, _ := strconv.ParseFloat(order.CumQuote, 64)
	if avg <= 0 && qty > 0 {
		avg = cost / qty
	}
	return &FillResult{
		OrderID:   order.OrderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       qty,
		AvgPrice:  avg,
		Cost:      cost,
		IsMaker:   maker,
		Timestamp: time.UnixMilli(order.UpdateTime),
	}
}

func isPostOnlyReject(err error) bool {
	return strings.Contains(err.Error(), "-5022") ||
		strings.Contains(err.Error(), "immediately match")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (c *FuturesClient) buildQueryString(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

func (c *FuturesClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *FuturesClient) signParams(params map[string]string) string {
	query := c.buildQueryString(params)
	return query + "&signature=" + c.sign(query)
}

func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<attempt)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

func isRetryableError(statusCode int, body string) bool {
	if statusCode >= 500 {
		return true
	}
	// -1001 internal error, -1021 timestamp outside recvWindow
	return strings.Contains(body, "-1001") || strings.Contains(body, "-1021")
}

// publicGet performs an unauthenticated GET request.
func (c *FuturesClient) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	rateLimiter := GetRateLimiter()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !rateLimiter.WaitForSlot(1, 30*time.Second) {
			return nil, fmt.Errorf("rate limit: request blocked")
		}

		reqURL := c.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + c.buildQueryString(params)
		}

		resp, err := c.httpClient.Get(reqURL)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, err := strconv.Atoi(usedWeight); err == nil {
				rateLimiter.UpdateUsedWeight(weight)
			}
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error: %s", string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
				rateLimiter.RecordRateLimitError(ParseBanUntilFromError(string(body)))
			}
			if isRetryableError(resp.StatusCode, string(body)) && attempt < maxRetries {
				time.Sleep(calculateRetryDelay(attempt))
				continue
			}
			return nil, lastErr
		}
		return body, nil
	}
	return nil, lastErr
}

// signedRequest performs an authenticated request with rate limiting and
// retry. The timestamp is refreshed per attempt; recvWindow tolerates
// clock skew.
func (c *FuturesClient) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	rateLimiter := GetRateLimiter()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !rateLimiter.WaitForSlot(1, 30*time.Second) {
			return nil, fmt.Errorf("rate limit: request blocked")
		}

		if params == nil {
			params = make(map[string]string)
		}
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = "10000"
		query := c.signParams(params)

		req, err := http.NewRequest(method, c.baseURL+endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.URL.RawQuery = query
		req.Header.Set("X-MBX-APIKEY", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				log.Printf("[BINANCE] %s %s failed (attempt %d/%d): %v, retrying in %v",
					method, endpoint, attempt+1, maxRetries+1, err, delay)
				time.Sleep(delay)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if weight, err := strconv.Atoi(usedWeight); err == nil {
				rateLimiter.UpdateUsedWeight(weight)
			}
		}

		if resp.StatusCode != http.StatusOK {
			lastErr = fmt.Errorf("API error: %s", string(body))
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 ||
				strings.Contains(string(body), "-1003") {
				rateLimiter.RecordRateLimitError(ParseBanUntilFromError(string(body)))
			}
			if isRetryableError(resp.StatusCode, string(body)) && attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				log.Printf("[BINANCE] %s %s returned %d (attempt %d/%d): %s, retrying in %v",
					method, endpoint, resp.StatusCode, attempt+1, maxRetries+1, string(body), delay)
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}
		return body, nil
	}
	return nil, lastErr
}

func (c *FuturesClient) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodGet, endpoint, params)
}

func (c *FuturesClient) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPost, endpoint, params)
}

func (c *FuturesClient) signedPut(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPut, endpoint, params)
}

func (c *FuturesClient) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodDelete, endpoint, params)
}
