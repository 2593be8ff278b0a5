package analyzer

import (
	"fmt"
	"math"
	"time"
)

// CheckName identifies one safety check.
type CheckName string

const (
	CheckLiquidity     CheckName = "liquidity"
	CheckMarketCap     CheckName = "market_cap"
	CheckHolders       CheckName = "holder_distribution"
	CheckVolatility    CheckName = "volatility"
	CheckContract      CheckName = "contract"
	CheckHoneypot      CheckName = "honeypot"
	CheckSocial        CheckName = "social_presence"
	CheckVolume        CheckName = "trading_volume"
	CheckTokenomics    CheckName = "tokenomics"
	CheckRugPull       CheckName = "rug_pull_risk"
	CheckGrowth        CheckName = "growth_potential"
	CheckLiquidityLock CheckName = "liquidity_lock"
)

// AllChecks is the fixed evaluation order.
var AllChecks = []CheckName{
	CheckLiquidity, CheckMarketCap, CheckHolders, CheckVolatility,
	CheckContract, CheckHoneypot, CheckSocial, CheckVolume,
	CheckTokenomics, CheckRugPull, CheckGrowth, CheckLiquidityLock,
}

// FailurePolicy decides the outcome when every data provider failed.
type FailurePolicy string

const (
	// FailReject returns an unsafe, no-recommendation assessment.
	FailReject FailurePolicy = "reject"
	// FailAccept scores whatever market data is left and treats the token as
	// safe. Only for deliberate aggressive testing; logged on every use.
	FailAccept FailurePolicy = "accept"
)

// Weights is the per-check contribution to the safety score. Must sum to 1.0.
type Weights struct {
	Liquidity     float64 `yaml:"liquidity"`
	MarketCap     float64 `yaml:"market_cap"`
	Holders       float64 `yaml:"holder_distribution"`
	Volatility    float64 `yaml:"volatility"`
	Contract      float64 `yaml:"contract"`
	Honeypot      float64 `yaml:"honeypot"`
	Social        float64 `yaml:"social_presence"`
	Volume        float64 `yaml:"trading_volume"`
	Tokenomics    float64 `yaml:"tokenomics"`
	RugPull       float64 `yaml:"rug_pull_risk"`
	Growth        float64 `yaml:"growth_potential"`
	LiquidityLock float64 `yaml:"liquidity_lock"`
}

// DefaultWeights returns the production weighting.
func DefaultWeights() Weights {
	return Weights{
		Liquidity:     0.15,
		MarketCap:     0.10,
		Holders:       0.15,
		Volatility:    0.05,
		Contract:      0.10,
		Honeypot:      0.10,
		Social:        0.05,
		Volume:        0.05,
		Tokenomics:    0.05,
		RugPull:       0.10,
		Growth:        0.05,
		LiquidityLock: 0.05,
	}
}

// Of returns the weight of a check.
func (w Weights) Of(name CheckName) float64 {
	switch name {
	case CheckLiquidity:
		return w.Liquidity
	case CheckMarketCap:
		return w.MarketCap
	case CheckHolders:
		return w.Holders
	case CheckVolatility:
		return w.Volatility
	case CheckContract:
		return w.Contract
	case CheckHoneypot:
		return w.Honeypot
	case CheckSocial:
		return w.Social
	case CheckVolume:
		return w.Volume
	case CheckTokenomics:
		return w.Tokenomics
	case CheckRugPull:
		return w.RugPull
	case CheckGrowth:
		return w.Growth
	case CheckLiquidityLock:
		return w.LiquidityLock
	}
	return 0
}

// Sum returns the total weight.
func (w Weights) Sum() float64 {
	total := 0.0
	for _, name := range AllChecks {
		total += w.Of(name)
	}
	return total
}

// Validate checks that weights are non-negative and sum to 1.0.
func (w Weights) Validate() error {
	for _, name := range AllChecks {
		if w.Of(name) < 0 {
			return fmt.Errorf("analyzer: weight %s is negative", name)
		}
	}
	if sum := w.Sum(); math.Abs(sum-1.0) > 0.001 {
		return fmt.Errorf("analyzer: weights sum to %.4f, must be 1.0", sum)
	}
	return nil
}

// Config configures the safety analyzer.
type Config struct {
	Weights Weights `yaml:"weights"`

	// Gates.
	SafetyThreshold float64       `yaml:"safety_threshold"` // isSafe = score >= this
	GrowthThreshold float64       `yaml:"growth_threshold"` // second gate on growth sub-score
	FailurePolicy   FailurePolicy `yaml:"failure_policy"`

	// Check thresholds.
	MinLiquidityUSD     float64 `yaml:"min_liquidity_usd"`
	MinMarketCap        float64 `yaml:"min_market_cap"`
	MaxMarketCap        float64 `yaml:"max_market_cap"`
	MaxVolatilityPct    float64 `yaml:"max_volatility_pct"`     // |24h price change|
	MaxSingleHolderPct  float64 `yaml:"max_single_holder_pct"`  // any one holder
	MaxTop10HolderPct   float64 `yaml:"max_top10_holder_pct"`   // top 10 combined
	MaxRoundTripLossPct float64 `yaml:"max_round_trip_loss_pct"` // sell simulation
	MaxSellRatio        float64 `yaml:"max_sell_ratio"`         // sells / all txns
	MinLPLockedPct      float64 `yaml:"min_lp_locked_pct"`
	TopHoldersToCheck   int     `yaml:"top_holders_to_check"`

	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	CacheTTL     time.Duration `yaml:"cache_ttl"` // 0 disables the analysis cache
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Weights:             DefaultWeights(),
		SafetyThreshold:     50,
		GrowthThreshold:     30,
		FailurePolicy:       FailReject,
		MinLiquidityUSD:     5000,
		MinMarketCap:        10_000,
		MaxMarketCap:        10_000_000,
		MaxVolatilityPct:    50,
		MaxSingleHolderPct:  25,
		MaxTop10HolderPct:   60,
		MaxRoundTripLossPct: 25,
		MaxSellRatio:        0.7,
		MinLPLockedPct:      80,
		TopHoldersToCheck:   10,
		FetchTimeout:        10 * time.Second,
		CacheTTL:            30 * time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.SafetyThreshold < 0 || c.SafetyThreshold > 100 {
		return fmt.Errorf("analyzer: safety_threshold must be in [0,100], got %.1f", c.SafetyThreshold)
	}
	if c.GrowthThreshold < 0 || c.GrowthThreshold > 100 {
		return fmt.Errorf("analyzer: growth_threshold must be in [0,100], got %.1f", c.GrowthThreshold)
	}
	switch c.FailurePolicy {
	case FailReject, FailAccept:
	default:
		return fmt.Errorf("analyzer: failure_policy must be %q or %q, got %q", FailReject, FailAccept, c.FailurePolicy)
	}
	if c.MinLiquidityUSD <= 0 {
		return fmt.Errorf("analyzer: min_liquidity_usd must be positive")
	}
	if c.MaxMarketCap <= c.MinMarketCap {
		return fmt.Errorf("analyzer: max_market_cap must exceed min_market_cap")
	}
	return nil
}
