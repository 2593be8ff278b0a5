package jupiter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Jupiter API Client: quote, swap transaction and price endpoints
// https://station.jup.ag/docs/apis/swap-api
// ---------------------------------------------------------------------------

// ErrCircuitOpen is returned while the circuit breaker is open.
var ErrCircuitOpen = errors.New("jupiter: circuit breaker open")

// HTTPError is a non-200 response from the API.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("jupiter: HTTP %d: %s", e.Status, e.Body)
}

// NoRoute reports whether the API rejected the request because no swap route
// exists (the response for untradeable tokens).
func (e *HTTPError) NoRoute() bool {
	return e.Status == http.StatusBadRequest || e.Status == http.StatusNotFound
}

// Config configures the client.
type Config struct {
	QuoteURL         string        `yaml:"quote_url"` // base for /quote and /swap
	PriceURL         string        `yaml:"price_url"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	BreakerThreshold int64         `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
	PriorityFee      uint64        `yaml:"priority_fee"` // micro-lamports per CU, 0 = auto
	ProbeAmountSOL   float64       `yaml:"probe_amount_sol"`
	ProbeSlippageBps int           `yaml:"probe_slippage_bps"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QuoteURL:         "https://quote-api.jup.ag/v6",
		PriceURL:         "https://api.jup.ag/price/v2",
		Timeout:          10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     500 * time.Millisecond,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		ProbeAmountSOL:   0.01,
		ProbeSlippageBps: 500,
	}
}

// Client is the Jupiter HTTP API client.
type Client struct {
	config     Config
	httpClient *http.Client
	now        func() time.Time
	fees       FeeOracle

	quoteCount   atomic.Int64
	swapCount    atomic.Int64
	priceCount   atomic.Int64
	errorCount   atomic.Int64
	avgLatencyMs atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	openUntil         atomic.Int64 // unix nanos, 0 = closed
}

// New creates a client.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.QuoteURL == "" {
		config.QuoteURL = def.QuoteURL
	}
	if config.PriceURL == "" {
		config.PriceURL = def.PriceURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.BreakerThreshold <= 0 {
		config.BreakerThreshold = def.BreakerThreshold
	}
	if config.BreakerCooldown <= 0 {
		config.BreakerCooldown = def.BreakerCooldown
	}
	if config.ProbeAmountSOL <= 0 {
		config.ProbeAmountSOL = def.ProbeAmountSOL
	}
	if config.ProbeSlippageBps <= 0 {
		config.ProbeSlippageBps = def.ProbeSlippageBps
	}
	config.QuoteURL = strings.TrimRight(config.QuoteURL, "/")
	config.PriceURL = strings.TrimRight(config.PriceURL, "/")
	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		now:        time.Now,
	}
}

// ---------------------------------------------------------------------------
// Quote API: best route for a swap
// ---------------------------------------------------------------------------

// QuoteRequest describes a swap to quote. Amount is in the input mint's
// smallest unit.
type QuoteRequest struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
	Legacy      bool // restrict routes to ones expressible as a legacy tx
}

// Quote is the /quote response. The raw body is kept so the swap request
// echoes exactly what the API returned.
type Quote struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
	ContextSlot uint64 `json:"contextSlot"`

	raw json.RawMessage
}

// InAmountRaw parses InAmount.
func (q *Quote) InAmountRaw() (uint64, error) {
	return strconv.ParseUint(q.InAmount, 10, 64)
}

// OutAmountRaw parses OutAmount.
func (q *Quote) OutAmountRaw() (uint64, error) {
	return strconv.ParseUint(q.OutAmount, 10, 64)
}

// Quote fetches the best route.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*Quote, error) {
	if req.Amount == 0 {
		return nil, fmt.Errorf("jupiter: quote amount must be positive")
	}
	start := time.Now()

	q := url.Values{}
	q.Set("inputMint", req.InputMint)
	q.Set("outputMint", req.OutputMint)
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	q.Set("onlyDirectRoutes", "false")
	if req.Legacy {
		q.Set("asLegacyTransaction", "true")
	}

	body, err := c.do(ctx, http.MethodGet, c.config.QuoteURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("jupiter: quote %s->%s: %w", short(req.InputMint), short(req.OutputMint), err)
	}

	var quote Quote
	if err := json.Unmarshal(body, &quote); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}
	if quote.OutAmount == "" {
		return nil, fmt.Errorf("jupiter: quote missing outAmount")
	}
	quote.raw = body

	latency := time.Since(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", short(quote.InputMint)).
		Str("out", short(quote.OutputMint)).
		Str("in_amount", quote.InAmount).
		Str("out_amount", quote.OutAmount).
		Str("price_impact", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	return &quote, nil
}

// ---------------------------------------------------------------------------
// Swap API: build the swap transaction
// ---------------------------------------------------------------------------

// SwapRequest is the /swap request body.
type SwapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	AsLegacyTransaction           bool            `json:"asLegacyTransaction"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

// FeeOracle supplies a compute-unit price when none is configured.
type FeeOracle interface {
	Estimate() uint64
}

// SetFeeOracle makes swaps bid the oracle's price while priority_fee is 0.
// Not safe to call concurrently with SwapTx.
func (c *Client) SetFeeOracle(o FeeOracle) {
	c.fees = o
}

func (c *Client) priorityFee() uint64 {
	if c.config.PriorityFee > 0 || c.fees == nil {
		return c.config.PriorityFee
	}
	return c.fees.Estimate()
}

// SwapResponse is the /swap response.
type SwapResponse struct {
	SwapTransaction      string `json:"swapTransaction"` // base64, unsigned
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SwapTx builds an unsigned swap transaction for the quote. legacy selects the
// legacy message format instead of a versioned one.
func (c *Client) SwapTx(ctx context.Context, quote *Quote, userPubkey string, legacy bool) (*SwapResponse, error) {
	raw := quote.raw
	if len(raw) == 0 {
		var err error
		if raw, err = json.Marshal(quote); err != nil {
			return nil, fmt.Errorf("jupiter: marshal quote: %w", err)
		}
	}

	payload, err := json.Marshal(SwapRequest{
		QuoteResponse:                 raw,
		UserPublicKey:                 userPubkey,
		WrapAndUnwrapSOL:              true,
		UseSharedAccounts:             true,
		ComputeUnitPriceMicroLamports: c.priorityFee(),
		AsLegacyTransaction:           legacy,
		DynamicComputeUnitLimit:       true,
	})
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, c.config.QuoteURL+"/swap", payload)
	if err != nil {
		return nil, fmt.Errorf("jupiter: swap: %w", err)
	}

	var resp SwapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, fmt.Errorf("jupiter: swap response missing transaction")
	}
	c.swapCount.Add(1)
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Price API
// ---------------------------------------------------------------------------

type priceResponse struct {
	Data map[string]*struct {
		ID    string          `json:"id"`
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

// Price returns the price of a token in units of vsToken (USD when empty).
func (c *Client) Price(ctx context.Context, mint, vsToken string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("ids", mint)
	if vsToken != "" {
		q.Set("vsToken", vsToken)
	}

	body, err := c.do(ctx, http.MethodGet, c.config.PriceURL+"?"+q.Encode(), nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: price: %w", err)
	}

	var resp priceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("jupiter: parse price: %w", err)
	}
	data, ok := resp.Data[mint]
	if !ok || data == nil {
		return decimal.Zero, fmt.Errorf("jupiter: price not found for %s", mint)
	}
	if !data.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("jupiter: zero/negative price for %s", mint)
	}
	c.priceCount.Add(1)
	return data.Price, nil
}

// ---------------------------------------------------------------------------
// Sell simulation
// ---------------------------------------------------------------------------

// RoundTripLoss quotes a small SOL->token buy and the reverse sell, returning
// the percentage of SOL lost. A token with a buy route but no sell route is
// reported as a 100% loss.
func (c *Client) RoundTripLoss(ctx context.Context, mint string) (float64, error) {
	in := solana.SOLToLamports(decimal.NewFromFloat(c.config.ProbeAmountSOL))
	buy, err := c.Quote(ctx, QuoteRequest{
		InputMint:   string(solana.SOLMint),
		OutputMint:  mint,
		Amount:      in,
		SlippageBps: c.config.ProbeSlippageBps,
	})
	if err != nil {
		return 0, err
	}
	tokens, err := buy.OutAmountRaw()
	if err != nil || tokens == 0 {
		return 0, fmt.Errorf("jupiter: probe buy returned no tokens")
	}

	sell, err := c.Quote(ctx, QuoteRequest{
		InputMint:   mint,
		OutputMint:  string(solana.SOLMint),
		Amount:      tokens,
		SlippageBps: c.config.ProbeSlippageBps,
	})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.NoRoute() {
			log.Warn().Str("mint", mint).Msg("jupiter: buy route exists but no sell route")
			return 100, nil
		}
		return 0, err
	}
	back, err := sell.OutAmountRaw()
	if err != nil {
		return 0, fmt.Errorf("jupiter: parse probe sell: %w", err)
	}

	loss := (1 - float64(back)/float64(in)) * 100
	if loss < 0 {
		loss = 0
	}
	return loss, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do performs a request with retry on transport errors, 429 and 5xx. Other
// 4xx responses are returned immediately as *HTTPError.
func (c *Client) do(ctx context.Context, method, rawURL string, payload []byte) ([]byte, error) {
	if c.circuitOpen() {
		return nil, ErrCircuitOpen
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.config.RetryBackoff * time.Duration(1<<uint(attempt-1))):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http error: %w", err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			c.resetErrors()
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			lastErr = &HTTPError{Status: resp.StatusCode, Body: "rate limited"}
			c.errorCount.Add(1)
			continue
		case resp.StatusCode >= 500:
			lastErr = &HTTPError{Status: resp.StatusCode, Body: truncate(body)}
			c.errorCount.Add(1)
			c.recordError()
			continue
		default:
			c.errorCount.Add(1)
			return nil, &HTTPError{Status: resp.StatusCode, Body: truncate(body)}
		}
	}
	return nil, fmt.Errorf("failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) circuitOpen() bool {
	until := c.openUntil.Load()
	if until == 0 {
		return false
	}
	if c.now().UnixNano() >= until {
		if c.openUntil.CompareAndSwap(until, 0) {
			c.consecutiveErrors.Store(0)
			log.Info().Msg("jupiter: circuit breaker reset")
		}
		return false
	}
	return true
}

// recordError increments consecutive errors and opens the circuit breaker.
func (c *Client) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= c.config.BreakerThreshold {
		until := c.now().Add(c.config.BreakerCooldown).UnixNano()
		if c.openUntil.CompareAndSwap(0, until) {
			log.Error().Int64("errors", count).Msg("jupiter: CIRCUIT BREAKER OPEN")
		}
	}
}

func (c *Client) resetErrors() {
	c.consecutiveErrors.Store(0)
}

func short(s string) string {
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

func truncate(b []byte) string {
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}

// Stats returns client counters.
type Stats struct {
	QuoteCount   int64 `json:"quote_count"`
	SwapCount    int64 `json:"swap_count"`
	PriceCount   int64 `json:"price_count"`
	ErrorCount   int64 `json:"error_count"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *Client) Stats() Stats {
	return Stats{
		QuoteCount:   c.quoteCount.Load(),
		SwapCount:    c.swapCount.Load(),
		PriceCount:   c.priceCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.openUntil.Load() != 0,
	}
}
