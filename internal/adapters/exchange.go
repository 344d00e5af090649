package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// OrderRequest asks the exchange to place a market order on a user's behalf.
// AmountUSD is the collateral to spend (BUY) or the share quantity to unload
// (SELL), matching the CLOB market-order convention.
type OrderRequest struct {
	UserID         int64
	TokenID        string
	ConditionID    string
	Side           string // BUY or SELL
	Outcome        string
	AmountUSD      float64
	MarketQuestion string
}

// OrderResult reports the outcome of a placement. Err carries the
// exchange-side failure string when Success is false.
type OrderResult struct {
	Success   bool
	OrderID   string
	DBOrderID int64
	Err       string
}

// ExchangeClient is the order-execution collaborator. Implementations must
// tolerate concurrent calls from independent reactors.
type ExchangeClient interface {
	PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
}

// CLOBClient places orders through the bot's internal order-execution
// service, which owns signing, allowance checks, and local order rows.
type CLOBClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewCLOBClient(baseURL string) *CLOBClient {
	return &CLOBClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type clobOrderRequest struct {
	ClientOrderID  string  `json:"client_order_id"`
	UserID         int64   `json:"user_id"`
	TokenID        string  `json:"token_id"`
	ConditionID    string  `json:"condition_id"`
	Side           string  `json:"side"`
	Outcome        string  `json:"outcome"`
	OrderType      string  `json:"order_type"`
	Amount         float64 `json:"amount"`
	MarketQuestion string  `json:"market_question,omitempty"`
}

type clobOrderResponse struct {
	Success   bool   `json:"success"`
	OrderID   string `json:"order_id"`
	DBOrderID int64  `json:"db_order_id"`
	Error     string `json:"error"`
}

func (c *CLOBClient) PlaceMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	payload := clobOrderRequest{
		ClientOrderID:  uuid.NewString(),
		UserID:         req.UserID,
		TokenID:        req.TokenID,
		ConditionID:    req.ConditionID,
		Side:           req.Side,
		Outcome:        req.Outcome,
		OrderType:      "MARKET",
		Amount:         req.AmountUSD,
		MarketQuestion: req.MarketQuestion,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return OrderResult{}, fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return OrderResult{}, fmt.Errorf("create order request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return OrderResult{}, fmt.Errorf("place order: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return OrderResult{}, fmt.Errorf("read order response: %w", err)
	}

	var decoded clobOrderResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return OrderResult{}, fmt.Errorf("decode order response: %w", err)
	}

	return OrderResult{
		Success:   decoded.Success,
		OrderID:   decoded.OrderID,
		DBOrderID: decoded.DBOrderID,
		Err:       decoded.Error,
	}, nil
}
