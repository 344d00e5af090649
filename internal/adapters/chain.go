package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/polymarket-bot/internal/observ"
)

// ErrRateLimited marks a chain-node response that should be retried with
// backoff. Any other RPC error propagates immediately.
var ErrRateLimited = errors.New("rpc rate limited")

// Log is a decoded entry from eth_getLogs / eth_subscribe("logs").
type Log struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	TxHash      string   `json:"transactionHash"`
	BlockNumber string   `json:"blockNumber"` // hex
}

// TxRequest describes a transaction submitted through the node. Signing and
// key custody are the node/relayer collaborator's concern, not ours.
type TxRequest struct {
	From     string
	To       string
	Data     string
	Gas      uint64
	GasPrice *big.Int
}

// ChainClient is the blockchain node collaborator. All calls go through the
// rate-limit retry wrapper: a rate-limited call is retried up to 3 times with
// a delay doubling from 2s; other errors propagate immediately.
type ChainClient interface {
	BlockNumber(ctx context.Context) (int64, error)
	GasPrice(ctx context.Context) (*big.Int, error)
	Balance(ctx context.Context, address string) (*big.Int, error)
	Call(ctx context.Context, to, data string) (string, error)
	SendTransaction(ctx context.Context, tx TxRequest) (string, error)
	TransactionReceipt(ctx context.Context, txHash string) (status int, err error)
	Logs(ctx context.Context, address string, topics []string, fromBlock, toBlock int64) ([]Log, error)
}

const (
	rpcMaxRetries   = 3
	rpcInitialDelay = 2 * time.Second
)

// RPCClient is a JSON-RPC HTTP implementation of ChainClient.
type RPCClient struct {
	url         string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	nextID      int64
}

func NewRPCClient(url string, ratePerSecond float64) *RPCClient {
	if ratePerSecond <= 0 {
		ratePerSecond = 5
	}
	return &RPCClient{
		url:         url,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// isRateLimited matches both HTTP 429 responses and node error payloads that
// mention rate limiting.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "rate limit")
}

// call runs one JSON-RPC request with pacing and the rate-limit retry policy.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	delay := rpcInitialDelay

	var lastErr error
	for attempt := 0; attempt < rpcMaxRetries; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}

		err := c.callOnce(ctx, method, params, out)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRateLimited(err) || attempt == rpcMaxRetries-1 {
			return err
		}

		observ.Log("chain_rpc_rate_limited", map[string]any{
			"method":   method,
			"attempt":  attempt + 1,
			"delay_ms": delay.Milliseconds(),
		})
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return lastErr
}

func (c *RPCClient) callOnce(ctx context.Context, method string, params []any, out any) error {
	id := atomic.AddInt64(&c.nextID, 1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("rpc request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read rpc response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		if strings.Contains(strings.ToLower(rpcResp.Error.Message), "rate limit") {
			return fmt.Errorf("%w: %s", ErrRateLimited, rpcResp.Error.Message)
		}
		return rpcResp.Error
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("decode rpc result: %w", err)
		}
	}
	return nil
}

func parseHexBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimPrefix(s, "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex quantity %q", s)
	}
	return v, nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (int64, error) {
	var hex string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &hex); err != nil {
		return 0, err
	}
	v, err := parseHexBig(hex)
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

func (c *RPCClient) GasPrice(ctx context.Context) (*big.Int, error) {
	var hex string
	if err := c.call(ctx, "eth_gasPrice", []any{}, &hex); err != nil {
		return nil, err
	}
	return parseHexBig(hex)
}

func (c *RPCClient) Balance(ctx context.Context, address string) (*big.Int, error) {
	var hex string
	if err := c.call(ctx, "eth_getBalance", []any{address, "latest"}, &hex); err != nil {
		return nil, err
	}
	return parseHexBig(hex)
}

func (c *RPCClient) Call(ctx context.Context, to, data string) (string, error) {
	var result string
	params := []any{map[string]string{"to": to, "data": data}, "latest"}
	if err := c.call(ctx, "eth_call", params, &result); err != nil {
		return "", err
	}
	return result, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx TxRequest) (string, error) {
	param := map[string]string{
		"from":     tx.From,
		"to":       tx.To,
		"data":     tx.Data,
		"gas":      fmt.Sprintf("0x%x", tx.Gas),
		"gasPrice": fmt.Sprintf("0x%x", tx.GasPrice),
	}
	var hash string
	if err := c.call(ctx, "eth_sendTransaction", []any{param}, &hash); err != nil {
		return "", err
	}
	return hash, nil
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash string) (int, error) {
	var receipt struct {
		Status string `json:"status"`
	}
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txHash}, &receipt); err != nil {
		return 0, err
	}
	if receipt.Status == "" {
		return 0, fmt.Errorf("receipt not available for %s", txHash)
	}
	v, err := parseHexBig(receipt.Status)
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

func (c *RPCClient) Logs(ctx context.Context, address string, topics []string, fromBlock, toBlock int64) ([]Log, error) {
	filter := map[string]any{
		"address":   address,
		"topics":    topics,
		"fromBlock": fmt.Sprintf("0x%x", fromBlock),
		"toBlock":   fmt.Sprintf("0x%x", toBlock),
	}
	var logs []Log
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
