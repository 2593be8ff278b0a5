package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Live RPC Client: one Solana JSON-RPC endpoint with rate limiting
// ---------------------------------------------------------------------------

// LiveRPCClient talks to exactly one RPC endpoint. It never retries on its own:
// retry and rotation across endpoints belong to Failover.
type LiveRPCClient struct {
	config     EndpointConfig
	httpClient *http.Client

	// Rate limiter (token bucket).
	limiter       chan struct{}
	limiterCancel context.CancelFunc

	// Unique request ID generator.
	nextID atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive errors
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live Solana RPC client for one endpoint.
func NewLiveRPCClient(config EndpointConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	if config.Name == "" {
		config.Name = config.URL
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	client := &LiveRPCClient{
		config:        config,
		httpClient:    &http.Client{Timeout: config.Timeout},
		limiter:       limiter,
		limiterCancel: limiterCancel,
	}

	// Refill tokens at configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case client.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return client
}

// Name returns the configured endpoint name.
func (c *LiveRPCClient) Name() string {
	return c.config.Name
}

// Close shuts down the RPC client.
func (c *LiveRPCClient) Close() {
	c.limiterCancel()
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a single rate-limited JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("rpc[%s]: circuit breaker open for %s", c.config.Name, method)
	}

	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal request: %w", err)
	}

	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rpc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("rpc[%s]: %s http error: %w", c.config.Name, method, err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.recordError()
		return nil, fmt.Errorf("rpc[%s]: %s read response: %w", c.config.Name, method, err)
	}

	c.requestCount.Add(1)
	c.latencySum.Add(time.Since(start).Microseconds())
	c.lastRequestAt.Store(time.Now().UnixMilli())

	if resp.StatusCode == http.StatusTooManyRequests {
		// Rate limiting is not an endpoint fault; don't trip the breaker.
		c.errorCount.Add(1)
		return nil, fmt.Errorf("rpc[%s]: %s rate limited (429)", c.config.Name, method)
	}
	if resp.StatusCode != http.StatusOK {
		c.recordError()
		return nil, fmt.Errorf("rpc[%s]: %s HTTP %d: %s", c.config.Name, method, resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordError()
		return nil, fmt.Errorf("rpc[%s]: %s unmarshal response: %w", c.config.Name, method, err)
	}
	if rpcResp.Error != nil {
		c.errorCount.Add(1)
		c.resetErrors()
		return nil, fmt.Errorf("rpc[%s]: %s error %d: %s", c.config.Name, method, rpcResp.Error.Code, rpcResp.Error.Message)
	}

	c.resetErrors()
	return rpcResp.Result, nil
}

// recordError increments consecutive errors and opens the circuit breaker if needed.
func (c *LiveRPCClient) recordError() {
	c.errorCount.Add(1)
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Str("endpoint", c.config.Name).Int64("errors", count).Msg("rpc: CIRCUIT BREAKER OPEN")
			go func() {
				time.Sleep(circuitBreakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Str("endpoint", c.config.Name).Msg("rpc: circuit breaker reset")
			}()
		}
	}
}

func (c *LiveRPCClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ---------------------------------------------------------------------------
// ChainRPC interface implementation
// ---------------------------------------------------------------------------

// GetBalance returns the wallet SOL balance.
func (c *LiveRPCClient) GetBalance(ctx context.Context, wallet Pubkey) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getBalance", []any{
		string(wallet),
		map[string]any{"commitment": "confirmed"},
	})
	if err != nil {
		return decimal.Zero, err
	}

	var balResp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &balResp); err != nil {
		return decimal.Zero, fmt.Errorf("rpc: parse balance: %w", err)
	}
	return LamportsToSOL(balResp.Value), nil
}

// GetTokenInfo fetches mint data via getAccountInfo (jsonParsed).
func (c *LiveRPCClient) GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error) {
	result, err := c.call(ctx, "getAccountInfo", []any{
		string(mint),
		map[string]any{"encoding": "jsonParsed"},
	})
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Data struct {
				Parsed struct {
					Info struct {
						Decimals        uint8  `json:"decimals"`
						Supply          string `json:"supply"`
						MintAuthority   string `json:"mintAuthority"`
						FreezeAuthority string `json:"freezeAuthority"`
					} `json:"info"`
				} `json:"parsed"`
			} `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &accountResp); err != nil {
		return nil, fmt.Errorf("rpc: parse token info: %w", err)
	}
	if accountResp.Value == nil {
		return nil, fmt.Errorf("rpc: token %s not found", mint)
	}

	info := accountResp.Value.Data.Parsed.Info
	supply, _ := decimal.NewFromString(info.Supply)

	return &TokenInfo{
		Mint:            mint,
		Decimals:        info.Decimals,
		Supply:          supply,
		MintAuthority:   Pubkey(info.MintAuthority),
		FreezeAuthority: Pubkey(info.FreezeAuthority),
	}, nil
}

// GetTopHolders returns the largest token accounts for a mint.
func (c *LiveRPCClient) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{string(mint)})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("rpc: parse holders: %w", err)
	}

	totalSupply := decimal.Zero
	if info, err := c.GetTokenInfo(ctx, mint); err == nil && info.Supply.IsPositive() {
		totalSupply = info.Supply
	}

	holders := make([]HolderInfo, 0, limit)
	for i, h := range resp.Value {
		if i >= limit {
			break
		}
		balance, _ := decimal.NewFromString(h.Amount)
		pct := 0.0
		if totalSupply.IsPositive() {
			pct = balance.Div(totalSupply).Mul(decimal.NewFromInt(100)).InexactFloat64()
		}
		holders = append(holders, HolderInfo{
			Address:    Pubkey(h.Address),
			Balance:    balance,
			Percentage: pct,
		})
	}
	return holders, nil
}

// SendTransaction submits a signed transaction.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string, opts SendOptions) (Signature, error) {
	params := map[string]any{
		"encoding":            "base64",
		"skipPreflight":       opts.SkipPreflight,
		"preflightCommitment": "confirmed",
	}
	if opts.MaxRetries > 0 {
		params["maxRetries"] = opts.MaxRetries
	}
	result, err := c.call(ctx, "sendTransaction", []any{txBase64, params})
	if err != nil {
		return "", err
	}

	var sig string
	if err := json.Unmarshal(result, &sig); err != nil {
		return "", fmt.Errorf("rpc: parse signature: %w", err)
	}
	return Signature(sig), nil
}

// GetSignatureStatus checks transaction confirmation status.
func (c *LiveRPCClient) GetSignatureStatus(ctx context.Context, sig Signature) (TxStatus, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{string(sig)},
		map[string]any{"searchTransactionHistory": false},
	})
	if err != nil {
		return "", err
	}

	var resp struct {
		Value []*struct {
			ConfirmationStatus string `json:"confirmationStatus"`
			Err                any    `json:"err"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("rpc: parse status: %w", err)
	}

	if len(resp.Value) == 0 || resp.Value[0] == nil || resp.Value[0].ConfirmationStatus == "" {
		return TxPending, nil
	}
	if resp.Value[0].Err != nil {
		return TxFailed, nil
	}
	return TxStatus(resp.Value[0].ConfirmationStatus), nil
}

// GetSlot returns the current confirmed slot.
func (c *LiveRPCClient) GetSlot(ctx context.Context) (uint64, error) {
	result, err := c.call(ctx, "getSlot", []any{map[string]any{"commitment": "confirmed"}})
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := json.Unmarshal(result, &slot); err != nil {
		return 0, fmt.Errorf("rpc: parse slot: %w", err)
	}
	return slot, nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	Endpoint      string `json:"endpoint"`
	RequestCount  int64  `json:"request_count"`
	ErrorCount    int64  `json:"error_count"`
	AvgLatencyUs  int64  `json:"avg_latency_us"`
	LastRequestAt int64  `json:"last_request_at"`
	CircuitOpen   bool   `json:"circuit_open"`
	ConsecErrors  int64  `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		Endpoint:      c.config.Name,
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
