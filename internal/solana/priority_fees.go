package solana

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Priority fees
// ---------------------------------------------------------------------------

// Fees are compute-unit prices in micro-lamports, the unit both
// getRecentPrioritizationFees and the swap API use.
const (
	DefaultPriorityFee = 10_000
	MaxPriorityFee     = 5_000_000
)

// ErrFeesUnsupported is returned when an endpoint cannot sample fees.
var ErrFeesUnsupported = errors.New("solana: endpoint does not report prioritization fees")

// FeeSampler returns recent non-zero prioritization fees.
type FeeSampler interface {
	RecentPrioritizationFees(ctx context.Context) ([]uint64, error)
}

// FeeConfig configures the estimator.
type FeeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Percentile int           `yaml:"percentile"` // of recent non-zero fees
	Multiplier float64       `yaml:"multiplier"` // applied to the percentile
	Default    uint64        `yaml:"default"`    // used until the first sample
	Ceiling    uint64        `yaml:"ceiling"`
	Refresh    time.Duration `yaml:"refresh"`
}

// DefaultFeeConfig returns p75 with no bump, refreshed every 15s.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		Percentile: 75,
		Multiplier: 1,
		Default:    DefaultPriorityFee,
		Ceiling:    MaxPriorityFee,
		Refresh:    15 * time.Second,
	}
}

// FeeEstimator keeps a rolling compute-unit price estimate.
type FeeEstimator struct {
	config FeeConfig
	source FeeSampler

	mu        sync.RWMutex
	p50       uint64
	p75       uint64
	p90       uint64
	estimate  uint64
	samples   int
	lastFetch time.Time

	refreshes atomic.Int64
	failures  atomic.Int64
}

// NewFeeEstimator creates an estimator over source.
func NewFeeEstimator(config FeeConfig, source FeeSampler) *FeeEstimator {
	def := DefaultFeeConfig()
	if config.Percentile <= 0 || config.Percentile > 100 {
		config.Percentile = def.Percentile
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	if config.Default == 0 {
		config.Default = def.Default
	}
	if config.Ceiling == 0 {
		config.Ceiling = def.Ceiling
	}
	if config.Refresh <= 0 {
		config.Refresh = def.Refresh
	}
	return &FeeEstimator{config: config, source: source}
}

// Run refreshes the estimate until ctx is done.
func (e *FeeEstimator) Run(ctx context.Context) {
	if err := e.Refresh(ctx); err != nil {
		log.Debug().Err(err).Msg("priority_fees: initial refresh failed")
	}

	ticker := time.NewTicker(e.config.Refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				log.Debug().Err(err).Msg("priority_fees: refresh failed")
			}
		}
	}
}

// Refresh samples recent fees once. An empty sample keeps the previous
// estimate.
func (e *FeeEstimator) Refresh(ctx context.Context) error {
	e.refreshes.Add(1)
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	values, err := e.source.RecentPrioritizationFees(fetchCtx)
	if err != nil {
		e.failures.Add(1)
		return fmt.Errorf("priority_fees: %w", err)
	}
	if len(values) == 0 {
		return nil
	}

	sorted := append([]uint64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	est := uint64(float64(percentile(sorted, e.config.Percentile)) * e.config.Multiplier)
	if est > e.config.Ceiling {
		est = e.config.Ceiling
	}

	e.mu.Lock()
	e.p50 = percentile(sorted, 50)
	e.p75 = percentile(sorted, 75)
	e.p90 = percentile(sorted, 90)
	e.estimate = est
	e.samples = len(sorted)
	e.lastFetch = time.Now()
	e.mu.Unlock()

	log.Debug().
		Uint64("p50", percentile(sorted, 50)).
		Uint64("estimate", est).
		Int("samples", len(sorted)).
		Msg("priority_fees: updated estimate")
	return nil
}

// Estimate returns the compute-unit price to bid, in micro-lamports.
func (e *FeeEstimator) Estimate() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.samples == 0 {
		return e.config.Default
	}
	return e.estimate
}

// FeeStats reports the latest sample.
type FeeStats struct {
	P50       uint64    `json:"p50"`
	P75       uint64    `json:"p75"`
	P90       uint64    `json:"p90"`
	Estimate  uint64    `json:"estimate"`
	Samples   int       `json:"samples"`
	LastFetch time.Time `json:"last_fetch"`
	Refreshes int64     `json:"refreshes"`
	Failures  int64     `json:"failures"`
}

func (e *FeeEstimator) Stats() FeeStats {
	est := e.Estimate()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FeeStats{
		P50:       e.p50,
		P75:       e.p75,
		P90:       e.p90,
		Estimate:  est,
		Samples:   e.samples,
		LastFetch: e.lastFetch,
		Refreshes: e.refreshes.Load(),
		Failures:  e.failures.Load(),
	}
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// RecentPrioritizationFees returns the non-zero fees of recent slots.
func (c *LiveRPCClient) RecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", []any{})
	if err != nil {
		return nil, err
	}

	var fees []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := json.Unmarshal(result, &fees); err != nil {
		return nil, fmt.Errorf("rpc: parse prioritization fees: %w", err)
	}

	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			values = append(values, f.PrioritizationFee)
		}
	}
	return values, nil
}

// RecentPrioritizationFees samples fees through the pool. Endpoints that
// cannot report fees count as failures and rotate.
func (f *Failover) RecentPrioritizationFees(ctx context.Context) ([]uint64, error) {
	var out []uint64
	err := f.Call(ctx, "getRecentPrioritizationFees", func(c ChainRPC) error {
		s, ok := c.(FeeSampler)
		if !ok {
			return ErrFeesUnsupported
		}
		var err error
		out, err = s.RecentPrioritizationFees(ctx)
		return err
	})
	return out, err
}
