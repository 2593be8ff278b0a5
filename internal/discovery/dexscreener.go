package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// DexScreener: latest token profiles, pair search fallback, per-token lookup
// https://docs.dexscreener.com/api/reference
// ---------------------------------------------------------------------------

// DexScreenerConfig configures the DexScreener adapter.
type DexScreenerConfig struct {
	BaseURL string        `yaml:"base_url"`
	Query   string        `yaml:"query"` // search term, defaults to the chain name
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultDexScreenerConfig returns production defaults.
func DefaultDexScreenerConfig() DexScreenerConfig {
	return DexScreenerConfig{
		BaseURL: "https://api.dexscreener.com",
		Timeout: 15 * time.Second,
	}
}

// DexScreener implements Source and Enricher.
type DexScreener struct {
	cfg        DexScreenerConfig
	httpClient *http.Client

	requests  atomic.Int64
	errors    atomic.Int64
	fallbacks atomic.Int64
}

// NewDexScreener creates a DexScreener adapter.
func NewDexScreener(cfg DexScreenerConfig) *DexScreener {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDexScreenerConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &DexScreener{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (d *DexScreener) Name() string { return "dexscreener" }

type dsLink struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type dsPair struct {
	ChainID     string `json:"chainId"`
	DexID       string `json:"dexId"`
	PairAddress string `json:"pairAddress"`
	BaseToken   struct {
		Address string `json:"address"`
		Name    string `json:"name"`
		Symbol  string `json:"symbol"`
	} `json:"baseToken"`
	QuoteToken struct {
		Address string `json:"address"`
		Symbol  string `json:"symbol"`
	} `json:"quoteToken"`
	PriceNative string `json:"priceNative"`
	PriceUsd    string `json:"priceUsd"`
	Txns        struct {
		H24 struct {
			Buys  int `json:"buys"`
			Sells int `json:"sells"`
		} `json:"h24"`
	} `json:"txns"`
	Volume struct {
		H24 float64 `json:"h24"`
	} `json:"volume"`
	PriceChange struct {
		H24 float64 `json:"h24"`
	} `json:"priceChange"`
	Liquidity *struct {
		Usd float64 `json:"usd"`
	} `json:"liquidity"`
	Fdv           float64 `json:"fdv"`
	MarketCap     float64 `json:"marketCap"`
	PairCreatedAt int64   `json:"pairCreatedAt"` // unix ms
	Info          *struct {
		Websites []dsLink `json:"websites"`
		Socials  []dsLink `json:"socials"`
	} `json:"info"`
}

type dsPairsResponse struct {
	Pairs []dsPair `json:"pairs"`
}

func (p dsPair) liquidityUSD() float64 {
	if p.Liquidity == nil {
		return 0
	}
	return p.Liquidity.Usd
}

// toCandidate maps a DexScreener pair into the canonical shape.
func (p dsPair) toCandidate(now time.Time) Candidate {
	price, _ := strconv.ParseFloat(p.PriceUsd, 64)
	native, _ := strconv.ParseFloat(p.PriceNative, 64)
	mcap := p.MarketCap
	if mcap == 0 {
		mcap = p.Fdv
	}
	c := Candidate{
		Address:        p.BaseToken.Address,
		Symbol:         p.BaseToken.Symbol,
		Name:           p.BaseToken.Name,
		Chain:          p.ChainID,
		PairAddress:    p.PairAddress,
		DexID:          p.DexID,
		QuoteMint:      p.QuoteToken.Address,
		PriceUSD:       price,
		PriceNative:    native,
		MarketCap:      mcap,
		LiquidityUSD:   p.liquidityUSD(),
		Volume24h:      p.Volume.H24,
		PriceChange24h: p.PriceChange.H24,
		Buys24h:        p.Txns.H24.Buys,
		Sells24h:       p.Txns.H24.Sells,
		Source:         "dexscreener",
		DiscoveredAt:   now,
	}
	if p.PairCreatedAt > 0 {
		c.CreatedAt = time.UnixMilli(p.PairCreatedAt)
	}
	if p.Info != nil {
		c.SocialKnown = true
		c.SocialLinks = len(p.Info.Websites) + len(p.Info.Socials)
	}
	return c
}

type dsProfile struct {
	ChainID      string   `json:"chainId"`
	TokenAddress string   `json:"tokenAddress"`
	Description  string   `json:"description"`
	Links        []dsLink `json:"links"`
}

// Fetch returns the newest token profiles on chain. Profiles carry identity
// only; the feed's enricher fills market data and listing time. When the
// profile list fails or has nothing on chain, Fetch falls back to pair search.
func (d *DexScreener) Fetch(ctx context.Context, chain string) ([]Candidate, error) {
	out, err := d.latestProfiles(ctx, chain)
	if err == nil && len(out) > 0 {
		return out, nil
	}
	d.fallbacks.Add(1)
	if err != nil {
		log.Debug().Err(err).Msg("dexscreener: token profiles unavailable, falling back to search")
	}
	return d.search(ctx, chain)
}

func (d *DexScreener) latestProfiles(ctx context.Context, chain string) ([]Candidate, error) {
	d.requests.Add(1)
	var profiles []dsProfile
	if err := getJSON(ctx, d.httpClient, d.cfg.BaseURL+"/token-profiles/latest/v1", nil, &profiles); err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("dexscreener: token profiles: %w", err)
	}

	now := time.Now()
	out := make([]Candidate, 0, len(profiles))
	for _, p := range profiles {
		if p.ChainID != chain || p.TokenAddress == "" {
			continue
		}
		out = append(out, Candidate{
			Address:      p.TokenAddress,
			Chain:        p.ChainID,
			SocialKnown:  true,
			SocialLinks:  len(p.Links),
			Source:       "dexscreener",
			DiscoveredAt: now,
		})
	}
	log.Debug().Int("profiles", len(profiles)).Int("candidates", len(out)).Msg("dexscreener: token profiles fetched")
	return out, nil
}

func (d *DexScreener) search(ctx context.Context, chain string) ([]Candidate, error) {
	query := d.cfg.Query
	if query == "" {
		query = chain
	}
	u := fmt.Sprintf("%s/latest/dex/search?q=%s", d.cfg.BaseURL, url.QueryEscape(query))

	d.requests.Add(1)
	var resp dsPairsResponse
	if err := getJSON(ctx, d.httpClient, u, nil, &resp); err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("dexscreener: search: %w", err)
	}

	now := time.Now()
	out := make([]Candidate, 0, len(resp.Pairs))
	for _, p := range resp.Pairs {
		if p.ChainID != chain || p.BaseToken.Address == "" {
			continue
		}
		out = append(out, p.toCandidate(now))
	}

	log.Debug().Int("pairs", len(resp.Pairs)).Int("candidates", len(out)).Msg("dexscreener: search complete")
	return out, nil
}

// Lookup returns the best-liquidity pair for a token as a candidate.
func (d *DexScreener) Lookup(ctx context.Context, chain, address string) (*Candidate, error) {
	u := fmt.Sprintf("%s/latest/dex/tokens/%s", d.cfg.BaseURL, url.PathEscape(address))

	d.requests.Add(1)
	var resp dsPairsResponse
	if err := getJSON(ctx, d.httpClient, u, nil, &resp); err != nil {
		d.errors.Add(1)
		return nil, fmt.Errorf("dexscreener: token %s: %w", address, err)
	}

	var best *dsPair
	for i := range resp.Pairs {
		p := &resp.Pairs[i]
		if p.ChainID != chain || !strings.EqualFold(p.BaseToken.Address, address) {
			continue
		}
		if best == nil || p.liquidityUSD() > best.liquidityUSD() {
			best = p
		}
	}
	if best == nil {
		return nil, fmt.Errorf("dexscreener: no %s pair for %s", chain, address)
	}

	c := best.toCandidate(time.Now())
	return &c, nil
}

// Stats returns request counters.
func (d *DexScreener) Stats() SourceStats {
	return SourceStats{
		Name:      d.Name(),
		Requests:  d.requests.Load(),
		Errors:    d.errors.Load(),
		Fallbacks: d.fallbacks.Load(),
	}
}

// SourceStats is the per-source view exposed on the status endpoint.
type SourceStats struct {
	Name      string `json:"name"`
	Requests  int64  `json:"requests"`
	Errors    int64  `json:"errors"`
	Skipped   int64  `json:"skipped,omitempty"`
	Fallbacks int64  `json:"fallbacks,omitempty"`
}
