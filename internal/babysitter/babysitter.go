// Package babysitter is a thin client for the external position-manager
// service that owns "virtual" positions: exposure the runtime tracks but
// an outside system executes. Closing such a position is delegated here
// instead of hitting the exchange.
package babysitter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"binance-grid-bot/internal/logging"
)

// Client talks to the position-manager API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger
}

// New creates a client for the given base URL.
func New(baseURL string, log *logging.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.WithComponent("babysitter"),
	}
}

type closeRequest struct {
	PositionID string  `json:"positionId"`
	ClosePrice float64 `json:"closePrice"`
	Reason     string  `json:"reason"`
}

type closeResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Close asks the position manager to close a virtual position at the
// given reference price. Success requires both HTTP 200 and an explicit
// success flag in the body.
func (c *Client) Close(positionID string, closePrice float64, reason string) error {
	body, err := json.Marshal(closeRequest{
		PositionID: positionID,
		ClosePrice: closePrice,
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("marshal close request: %w", err)
	}

	url := c.baseURL + "/babysitter/close-position"
	resp, err := c.httpClient.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("close position %s: %w", positionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("close position %s: status %d", positionID, resp.StatusCode)
	}
	var cr closeResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return fmt.Errorf("close position %s: decode response: %w", positionID, err)
	}
	if !cr.Success {
		return fmt.Errorf("close position %s rejected: %s", positionID, cr.Error)
	}

	c.log.Info("virtual position closed",
		"position_id", positionID,
		"close_price", closePrice,
		"reason", reason)
	return nil
}
