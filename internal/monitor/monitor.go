package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/execution"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Position Monitor: re-price open positions, fire exits
// ---------------------------------------------------------------------------

// PriceSource quotes a token price in units of vsToken.
type PriceSource interface {
	Price(ctx context.Context, mint, vsToken string) (decimal.Decimal, error)
}

// MarketSource returns the best-liquidity pair snapshot for a token.
type MarketSource interface {
	Lookup(ctx context.Context, chain, address string) (*discovery.Candidate, error)
}

// Seller closes positions.
type Seller interface {
	Sell(ctx context.Context, p *position.Position, reason position.CloseReason) (execution.Result, error)
}

// Config configures the monitor.
type Config struct {
	Chain string `yaml:"chain"`
	// MarketCapMultiple closes a position once market cap reaches this
	// multiple of the entry market cap. 0 disables the check.
	MarketCapMultiple float64       `yaml:"market_cap_multiple"`
	PriceTimeout      time.Duration `yaml:"price_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Chain:             "solana",
		MarketCapMultiple: 10,
		PriceTimeout:      10 * time.Second,
	}
}

// TickSummary reports one monitor pass.
type TickSummary struct {
	Checked      int `json:"checked"`
	Priced       int `json:"priced"`
	PriceErrors  int `json:"price_errors"`
	Exits        int `json:"exits"`
	SellFailures int `json:"sell_failures"`
}

// Monitor checks exit conditions of open positions.
type Monitor struct {
	config Config
	book   *position.Book
	prices PriceSource
	market MarketSource
	seller Seller
	perf   *Performance
	now    func() time.Time

	ticks        atomic.Int64
	priceErrors  atomic.Int64
	fallbacks    atomic.Int64
	exits        atomic.Int64
	sellFailures atomic.Int64
}

// New creates a monitor. market may be nil, which disables both the price
// fallback and the market-cap exit.
func New(config Config, book *position.Book, prices PriceSource, market MarketSource, seller Seller, perf *Performance) *Monitor {
	def := DefaultConfig()
	if config.Chain == "" {
		config.Chain = def.Chain
	}
	if config.PriceTimeout <= 0 {
		config.PriceTimeout = def.PriceTimeout
	}
	if perf == nil {
		perf = NewPerformance()
	}
	return &Monitor{
		config: config,
		book:   book,
		prices: prices,
		market: market,
		seller: seller,
		perf:   perf,
		now:    time.Now,
	}
}

// Performance returns the shared performance counters.
func (m *Monitor) Performance() *Performance {
	return m.perf
}

// Tick re-prices every open position and sells those whose exit fired. A
// failed sell leaves the position open for the next tick.
func (m *Monitor) Tick(ctx context.Context) TickSummary {
	m.ticks.Add(1)
	var sum TickSummary

	for _, p := range m.book.Open() {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++

		price, mcap, err := m.quote(ctx, p.Token())
		if err != nil {
			sum.PriceErrors++
			m.priceErrors.Add(1)
			log.Warn().Err(err).Str("token", p.Token()).Msg("monitor: no price, skipping position")
			continue
		}
		sum.Priced++
		p.UpdatePrice(price, m.now())

		rec := p.Record()
		reason, fire := position.CheckExit(rec, price, mcap, m.config.MarketCapMultiple)
		log.Debug().
			Str("token", rec.Token).
			Str("price", price.String()).
			Str("entry", rec.EntryPrice.String()).
			Float64("unrealized_pct", rec.UnrealizedPct()).
			Float64("market_cap", mcap).
			Msg("monitor: position checked")
		if !fire {
			continue
		}

		log.Info().
			Str("position_id", rec.ID).
			Str("token", rec.Token).
			Str("reason", string(reason)).
			Str("price", price.String()).
			Float64("unrealized_pct", rec.UnrealizedPct()).
			Msg("monitor: exit condition met")

		if _, err := m.Close(ctx, p, reason); err != nil {
			sum.SellFailures++
			continue
		}
		sum.Exits++
	}

	if sum.Checked > 0 {
		log.Info().
			Int("checked", sum.Checked).
			Int("priced", sum.Priced).
			Int("price_errors", sum.PriceErrors).
			Int("exits", sum.Exits).
			Int("sell_failures", sum.SellFailures).
			Msg("monitor: tick complete")
	}
	return sum
}

// Close sells a position and records the closed trade.
func (m *Monitor) Close(ctx context.Context, p *position.Position, reason position.CloseReason) (execution.Result, error) {
	res, err := m.seller.Sell(ctx, p, reason)
	if err != nil {
		m.sellFailures.Add(1)
		return res, err
	}
	m.exits.Add(1)
	m.perf.Record(p.Record())
	return res, nil
}

// quote returns the SOL price of a token and its market cap (0 if unknown).
// The aggregator price is preferred; the pair's native price is used when
// the aggregator has none and the pair is quoted in SOL.
func (m *Monitor) quote(ctx context.Context, token string) (decimal.Decimal, float64, error) {
	qctx, cancel := context.WithTimeout(ctx, m.config.PriceTimeout)
	defer cancel()

	price, priceErr := m.prices.Price(qctx, token, string(solana.SOLMint))
	if priceErr == nil && !price.IsPositive() {
		priceErr = fmt.Errorf("non-positive price %s", price)
	}

	needMarket := priceErr != nil || m.config.MarketCapMultiple > 0
	if m.market == nil || !needMarket {
		if priceErr != nil {
			return decimal.Zero, 0, fmt.Errorf("monitor: price %s: %w", token, priceErr)
		}
		return price, 0, nil
	}

	pair, err := m.market.Lookup(qctx, m.config.Chain, token)
	if err != nil || pair == nil {
		if priceErr != nil {
			return decimal.Zero, 0, fmt.Errorf("monitor: price %s: %w (pair lookup: %v)", token, priceErr, err)
		}
		return price, 0, nil
	}

	if priceErr != nil {
		if pair.QuoteMint != string(solana.SOLMint) || pair.PriceNative <= 0 {
			return decimal.Zero, 0, fmt.Errorf("monitor: price %s: %w (pair not quoted in SOL)", token, priceErr)
		}
		m.fallbacks.Add(1)
		price = decimal.NewFromFloat(pair.PriceNative)
	}
	return price, pair.MarketCap, nil
}

// Stats counts monitor activity.
type Stats struct {
	Ticks          int64 `json:"ticks"`
	PriceErrors    int64 `json:"price_errors"`
	PriceFallbacks int64 `json:"price_fallbacks"`
	Exits          int64 `json:"exits"`
	SellFailures   int64 `json:"sell_failures"`
	OpenPositions  int   `json:"open_positions"`
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Ticks:          m.ticks.Load(),
		PriceErrors:    m.priceErrors.Load(),
		PriceFallbacks: m.fallbacks.Load(),
		Exits:          m.exits.Load(),
		SellFailures:   m.sellFailures.Load(),
		OpenPositions:  len(m.book.Open()),
	}
}
