package solana

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrAllEndpointsFailed is returned when every endpoint in the pool failed
// within one call. The last endpoint error is wrapped alongside it.
var ErrAllEndpointsFailed = errors.New("solana: all rpc endpoints failed")

// ---------------------------------------------------------------------------
// Failover: rotating RPC endpoint pool
// ---------------------------------------------------------------------------

// Endpoint is a named ChainRPC member of a Failover pool.
type Endpoint struct {
	Name   string
	Client ChainRPC
}

type endpointStats struct {
	calls    atomic.Int64
	failures atomic.Int64
}

// Failover holds an ordered list of endpoints and a current index shared by
// every caller. A failed attempt advances the index (wrapping around); a
// successful attempt leaves it where it is, so later calls start on the
// endpoint that last worked.
type Failover struct {
	endpoints  []Endpoint
	stats      []*endpointStats
	retryDelay time.Duration

	mu      sync.Mutex
	current int

	rotations atomic.Int64

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFailover creates a failover pool. At least one endpoint is required.
func NewFailover(endpoints []Endpoint, retryDelay time.Duration) (*Failover, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("solana: failover requires at least one endpoint")
	}
	stats := make([]*endpointStats, len(endpoints))
	for i := range stats {
		stats[i] = &endpointStats{}
	}
	return &Failover{
		endpoints:  endpoints,
		stats:      stats,
		retryDelay: retryDelay,
		sleep:      sleepCtx,
	}, nil
}

// NewLiveFailover builds a pool of LiveRPCClients from config.
func NewLiveFailover(cfg RPCConfig) (*Failover, error) {
	endpoints := make([]Endpoint, 0, len(cfg.Endpoints))
	for _, ec := range cfg.Endpoints {
		client := NewLiveRPCClient(ec)
		endpoints = append(endpoints, Endpoint{Name: client.Name(), Client: client})
	}
	return NewFailover(endpoints, cfg.RetryDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the index of the endpoint the next call will start on.
func (f *Failover) Current() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Size returns the number of endpoints in the pool.
func (f *Failover) Size() int {
	return len(f.endpoints)
}

// rotateFrom advances the shared index past idx. A concurrent caller may have
// rotated already; in that case the index is left alone.
func (f *Failover) rotateFrom(idx int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == idx {
		f.current = (idx + 1) % len(f.endpoints)
		f.rotations.Add(1)
	}
}

// Call invokes fn against the current endpoint, rotating on failure. It makes
// at most one attempt per endpoint and returns ErrAllEndpointsFailed wrapping
// the final error when all of them fail.
func (f *Failover) Call(ctx context.Context, op string, fn func(ChainRPC) error) error {
	n := len(f.endpoints)
	var lastErr error

	for attempt := 0; attempt < n; attempt++ {
		if attempt > 0 {
			if err := f.sleep(ctx, f.retryDelay); err != nil {
				return fmt.Errorf("solana: %s: %w", op, err)
			}
		}

		f.mu.Lock()
		idx := f.current
		f.mu.Unlock()

		ep := f.endpoints[idx]
		f.stats[idx].calls.Add(1)

		err := fn(ep.Client)
		if err == nil {
			return nil
		}
		lastErr = err
		f.stats[idx].failures.Add(1)

		if ctx.Err() != nil {
			return fmt.Errorf("solana: %s: %w", op, ctx.Err())
		}

		log.Warn().
			Err(err).
			Str("op", op).
			Str("endpoint", ep.Name).
			Int("attempt", attempt+1).
			Int("of", n).
			Msg("solana: rpc call failed, rotating endpoint")

		f.rotateFrom(idx)
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrAllEndpointsFailed, op, n, lastErr)
}

// ---------------------------------------------------------------------------
// ChainRPC implementation through the pool
// ---------------------------------------------------------------------------

func (f *Failover) GetBalance(ctx context.Context, wallet Pubkey) (decimal.Decimal, error) {
	var out decimal.Decimal
	err := f.Call(ctx, "getBalance", func(c ChainRPC) error {
		var err error
		out, err = c.GetBalance(ctx, wallet)
		return err
	})
	return out, err
}

func (f *Failover) GetTokenInfo(ctx context.Context, mint Pubkey) (*TokenInfo, error) {
	var out *TokenInfo
	err := f.Call(ctx, "getTokenInfo", func(c ChainRPC) error {
		var err error
		out, err = c.GetTokenInfo(ctx, mint)
		return err
	})
	return out, err
}

func (f *Failover) GetTopHolders(ctx context.Context, mint Pubkey, limit int) ([]HolderInfo, error) {
	var out []HolderInfo
	err := f.Call(ctx, "getTopHolders", func(c ChainRPC) error {
		var err error
		out, err = c.GetTopHolders(ctx, mint, limit)
		return err
	})
	return out, err
}

// SendTransaction resubmits the same signed payload to the next endpoint on
// failure. The signature is derived from the payload, so a duplicate landing
// is impossible.
func (f *Failover) SendTransaction(ctx context.Context, txBase64 string, opts SendOptions) (Signature, error) {
	var out Signature
	err := f.Call(ctx, "sendTransaction", func(c ChainRPC) error {
		var err error
		out, err = c.SendTransaction(ctx, txBase64, opts)
		return err
	})
	return out, err
}

func (f *Failover) GetSignatureStatus(ctx context.Context, sig Signature) (TxStatus, error) {
	var out TxStatus
	err := f.Call(ctx, "getSignatureStatus", func(c ChainRPC) error {
		var err error
		out, err = c.GetSignatureStatus(ctx, sig)
		return err
	})
	return out, err
}

func (f *Failover) GetSlot(ctx context.Context) (uint64, error) {
	var out uint64
	err := f.Call(ctx, "getSlot", func(c ChainRPC) error {
		var err error
		out, err = c.GetSlot(ctx)
		return err
	})
	return out, err
}

func (f *Failover) Health(ctx context.Context) error {
	return f.Call(ctx, "getHealth", func(c ChainRPC) error {
		return c.Health(ctx)
	})
}

// EndpointStats is the per-endpoint view exposed on the status endpoint.
type EndpointStats struct {
	Name     string `json:"name"`
	Calls    int64  `json:"calls"`
	Failures int64  `json:"failures"`
	Current  bool   `json:"current"`
}

// FailoverStats summarises pool usage.
type FailoverStats struct {
	Rotations int64           `json:"rotations"`
	Endpoints []EndpointStats `json:"endpoints"`
}

func (f *Failover) Stats() FailoverStats {
	cur := f.Current()
	out := FailoverStats{
		Rotations: f.rotations.Load(),
		Endpoints: make([]EndpointStats, len(f.endpoints)),
	}
	for i, ep := range f.endpoints {
		out.Endpoints[i] = EndpointStats{
			Name:     ep.Name,
			Calls:    f.stats[i].calls.Load(),
			Failures: f.stats[i].failures.Load(),
			Current:  i == cur,
		}
	}
	return out
}

// Close releases live clients in the pool.
func (f *Failover) Close() {
	for _, ep := range f.endpoints {
		if c, ok := ep.Client.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
