package discovery

import (
	"context"
	"errors"
	"time"
)

// ErrNoCandidates is returned when every discovery source failed in one cycle.
var ErrNoCandidates = errors.New("discovery: no source responded")

// Candidate is the canonical snapshot of a freshly discovered token. Every
// source adapter maps its own payload into this shape; nothing downstream
// sees a source-specific schema.
type Candidate struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
	Name    string `json:"name"`
	Chain   string `json:"chain"`

	PairAddress string `json:"pair_address,omitempty"`
	DexID       string `json:"dex_id,omitempty"`
	QuoteMint   string `json:"quote_mint,omitempty"`

	// PriceNative is the price in the pair's quote token (SOL for SOL pairs).
	PriceNative float64 `json:"price_native,omitempty"`

	PriceUSD       float64 `json:"price_usd"`
	MarketCap      float64 `json:"market_cap"`
	LiquidityUSD   float64 `json:"liquidity_usd"`
	Volume24h      float64 `json:"volume_24h"`
	PriceChange24h float64 `json:"price_change_24h"` // percent
	Buys24h        int     `json:"buys_24h"`
	Sells24h       int     `json:"sells_24h"`

	// SocialLinks is the number of website/social links the source reported.
	// SocialKnown is false when the source carries no social data at all.
	SocialLinks int  `json:"social_links"`
	SocialKnown bool `json:"social_known"`

	CreatedAt    time.Time `json:"created_at"`
	Source       string    `json:"source"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Age returns how long ago the token was listed.
func (c Candidate) Age(now time.Time) time.Duration {
	if c.CreatedAt.IsZero() || c.CreatedAt.After(now) {
		return 0
	}
	return now.Sub(c.CreatedAt)
}

// AgeMinutes returns the listing age in whole minutes.
func (c Candidate) AgeMinutes(now time.Time) int {
	return int(c.Age(now) / time.Minute)
}

// HasMarketData reports whether price and liquidity were populated by the source.
func (c Candidate) HasMarketData() bool {
	return c.PriceUSD > 0 || c.LiquidityUSD > 0
}

// Source is one external listing provider.
type Source interface {
	Name() string
	Fetch(ctx context.Context, chain string) ([]Candidate, error)
}

// Enricher fills market data for candidates whose source only reported identity
// fields (e.g. new-listing feeds without price or liquidity).
type Enricher interface {
	Lookup(ctx context.Context, chain, address string) (*Candidate, error)
}
