package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"loyaltyd/token"
)

// Client is a thin JSON-RPC wrapper for the token node. It implements both
// Reader and Writer.
type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
	limiter    *rate.Limiter
	nextID     atomic.Int64
}

// Config represents the client configuration.
type Config struct {
	URL               string
	AuthToken         string
	Timeout           time.Duration
	RequestsPerMinute int
}

// NewClient constructs a JSON-RPC client targeting the supplied URL.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.RequestsPerMinute)
	}
	return &Client{
		url:       strings.TrimSpace(cfg.URL),
		authToken: strings.TrimSpace(cfg.AuthToken),
		limiter:   limiter,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// BalanceOf returns the current token balance for the address in base units.
func (c *Client) BalanceOf(ctx context.Context, address string) (*big.Int, error) {
	var result struct {
		BalanceWei string `json:"balanceWei"`
	}
	if err := c.call(ctx, "token_balanceOf", []interface{}{strings.ToLower(address)}, &result); err != nil {
		return nil, err
	}
	balance, err := token.FromStored(result.BalanceWei)
	if err != nil {
		return nil, fmt.Errorf("chain: decode balance: %w", err)
	}
	return balance, nil
}

// Transfers lists mint/burn events touching the address within the window.
func (c *Client) Transfers(ctx context.Context, address string, start, end time.Time) ([]Transfer, error) {
	var result struct {
		Transfers []struct {
			TxHash    string `json:"txHash"`
			Direction string `json:"direction"`
			AmountWei string `json:"amountWei"`
			Timestamp int64  `json:"timestamp"`
		} `json:"transfers"`
	}
	params := []interface{}{strings.ToLower(address), start.UTC().Unix(), end.UTC().Unix()}
	if err := c.call(ctx, "token_transferHistory", params, &result); err != nil {
		return nil, err
	}
	transfers := make([]Transfer, 0, len(result.Transfers))
	for _, raw := range result.Transfers {
		amount, err := token.FromStored(raw.AmountWei)
		if err != nil {
			return nil, fmt.Errorf("chain: decode transfer %s: %w", raw.TxHash, err)
		}
		transfers = append(transfers, Transfer{
			TxHash:    strings.TrimSpace(raw.TxHash),
			Address:   strings.ToLower(address),
			Direction: TransferDirection(strings.ToLower(raw.Direction)),
			AmountWei: amount,
			Timestamp: time.Unix(raw.Timestamp, 0).UTC(),
		})
	}
	return transfers, nil
}

// TxConfirmed reports whether the transaction has been included and finalized.
func (c *Client) TxConfirmed(ctx context.Context, txHash string) (bool, error) {
	var result struct {
		Confirmed bool `json:"confirmed"`
	}
	if err := c.call(ctx, "token_txStatus", []interface{}{strings.TrimSpace(txHash)}, &result); err != nil {
		return false, err
	}
	return result.Confirmed, nil
}

// SubmitMint submits a mint for the address and returns the transaction hash.
func (c *Client) SubmitMint(ctx context.Context, to string, amountWei *big.Int) (string, error) {
	return c.submit(ctx, "token_mint", to, amountWei)
}

// SubmitBurn submits a burn for the address and returns the transaction hash.
func (c *Client) SubmitBurn(ctx context.Context, from string, amountWei *big.Int) (string, error) {
	return c.submit(ctx, "token_burn", from, amountWei)
}

func (c *Client) submit(ctx context.Context, method, address string, amountWei *big.Int) (string, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return "", fmt.Errorf("chain: amount must be positive")
	}
	payload := map[string]interface{}{
		"address":   strings.ToLower(address),
		"amountWei": token.ToStored(amountWei),
	}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := c.call(ctx, method, []interface{}{payload}, &result); err != nil {
		return "", err
	}
	hash := strings.TrimSpace(result.TxHash)
	if hash == "" {
		return "", fmt.Errorf("chain: %s returned empty tx hash", method)
	}
	return hash, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if c.url == "" {
		return fmt.Errorf("chain: %w: no rpc url configured", ErrUnavailable)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("chain: rate limit: %w", err)
		}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("chain: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("chain: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chain: %w: status %s", ErrUnavailable, resp.Status)
	}
	var decoded rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("chain: decode response: %w", err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("chain: rpc %s: %s (code %d)", method, decoded.Error.Message, decoded.Error.Code)
	}
	if out != nil && len(decoded.Result) > 0 {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fmt.Errorf("chain: decode result: %w", err)
		}
	}
	return nil
}
