package discovery

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Feed: multi-source candidate discovery
// ---------------------------------------------------------------------------

// FeedConfig configures candidate discovery.
type FeedConfig struct {
	Chain           string        `yaml:"chain"`
	MaxAge          time.Duration `yaml:"max_age"`           // drop tokens listed longer ago
	MinLiquidityUSD float64       `yaml:"min_liquidity_usd"` // floor applied after enrichment
	MaxBatch        int           `yaml:"max_batch"`         // cap per cycle
	// MaxEnrichments caps market-data lookups for identity-only candidates
	// in one cycle.
	MaxEnrichments int           `yaml:"max_enrichments"`
	SourceTimeout  time.Duration `yaml:"source_timeout"`
}

// DefaultFeedConfig returns production defaults.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Chain:           "solana",
		MaxAge:          24 * time.Hour,
		MinLiquidityUSD: 1000,
		MaxBatch:        10,
		MaxEnrichments:  20,
		SourceTimeout:   15 * time.Second,
	}
}

// Feed queries every source, normalizes, dedupes and filters the result.
type Feed struct {
	config    FeedConfig
	sources   []Source
	enricher  Enricher
	processed *ProcessedSet
	now       func() time.Time

	cycles            atomic.Int64
	sourceErrors      atomic.Int64
	seen              atomic.Int64
	duplicates        atomic.Int64
	invalid           atomic.Int64
	filteredAge       atomic.Int64
	filteredProcessed atomic.Int64
	filteredLiquidity atomic.Int64
	enriched          atomic.Int64
	enrichSkipped     atomic.Int64
	returned          atomic.Int64
}

// NewFeed creates a feed. Sources are merged in the order given; on duplicate
// addresses the earlier source wins.
func NewFeed(config FeedConfig, processed *ProcessedSet, sources ...Source) *Feed {
	def := DefaultFeedConfig()
	if config.Chain == "" {
		config.Chain = def.Chain
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.MaxBatch <= 0 {
		config.MaxBatch = def.MaxBatch
	}
	if config.MaxEnrichments <= 0 {
		config.MaxEnrichments = def.MaxEnrichments
	}
	if config.SourceTimeout <= 0 {
		config.SourceTimeout = def.SourceTimeout
	}
	if processed == nil {
		processed = NewProcessedSet()
	}
	return &Feed{
		config:    config,
		sources:   sources,
		processed: processed,
		now:       time.Now,
	}
}

// SetEnricher sets the market-data lookup used for identity-only candidates.
func (f *Feed) SetEnricher(e Enricher) {
	f.enricher = e
}

// Processed returns the shared processed-token set.
func (f *Feed) Processed() *ProcessedSet {
	return f.processed
}

type sourceResult struct {
	candidates []Candidate
	err        error
}

// FetchCandidates runs one discovery cycle. It only fails when every source
// failed; individual source errors are logged and skipped.
func (f *Feed) FetchCandidates(ctx context.Context) ([]Candidate, error) {
	f.cycles.Add(1)
	if len(f.sources) == 0 {
		return nil, fmt.Errorf("%w: no sources configured", ErrNoCandidates)
	}

	results := make([]sourceResult, len(f.sources))
	var wg sync.WaitGroup
	for i, src := range f.sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, f.config.SourceTimeout)
			defer cancel()
			cands, err := src.Fetch(sctx, f.config.Chain)
			results[i] = sourceResult{candidates: cands, err: err}
		}(i, src)
	}
	wg.Wait()

	var (
		merged  []Candidate
		failed  int
		lastErr error
		index   = make(map[string]struct{})
	)
	for i, res := range results {
		name := f.sources[i].Name()
		if res.err != nil {
			failed++
			lastErr = res.err
			f.sourceErrors.Add(1)
			log.Warn().Err(res.err).Str("source", name).Msg("discovery: source failed, continuing")
			continue
		}
		for _, c := range res.candidates {
			f.seen.Add(1)
			if f.config.Chain == "solana" && !solana.ValidateAddress(c.Address) {
				f.invalid.Add(1)
				continue
			}
			if _, dup := index[c.Address]; dup {
				f.duplicates.Add(1)
				continue
			}
			index[c.Address] = struct{}{}
			if c.Chain == "" {
				c.Chain = f.config.Chain
			}
			merged = append(merged, c)
		}
	}
	if failed == len(f.sources) {
		return nil, fmt.Errorf("%w: %w", ErrNoCandidates, lastErr)
	}

	// Newest first; candidates without a listing time go last and learn it
	// from the enricher.
	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].CreatedAt, merged[j].CreatedAt
		if a.IsZero() != b.IsZero() {
			return b.IsZero()
		}
		return a.After(b)
	})

	now := f.now()
	out := make([]Candidate, 0, f.config.MaxBatch)
	lookups := 0
	for _, c := range merged {
		if len(out) >= f.config.MaxBatch {
			break
		}
		if f.processed.Has(c.Address) {
			f.filteredProcessed.Add(1)
			continue
		}
		if !c.CreatedAt.IsZero() && c.Age(now) >= f.config.MaxAge {
			f.filteredAge.Add(1)
			continue
		}
		if !c.HasMarketData() || c.CreatedAt.IsZero() {
			if f.enricher == nil || lookups >= f.config.MaxEnrichments {
				f.enrichSkipped.Add(1)
				if c.CreatedAt.IsZero() {
					f.filteredAge.Add(1)
					continue
				}
			} else {
				lookups++
				c = f.enrich(ctx, c)
			}
		}
		if c.CreatedAt.IsZero() || c.Age(now) >= f.config.MaxAge {
			f.filteredAge.Add(1)
			continue
		}
		if c.LiquidityUSD < f.config.MinLiquidityUSD {
			f.filteredLiquidity.Add(1)
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	f.returned.Add(int64(len(out)))

	log.Info().
		Int("sources", len(f.sources)).
		Int("failed_sources", failed).
		Int("merged", len(merged)).
		Int("enrichments", lookups).
		Int("returned", len(out)).
		Msg("discovery: cycle complete")

	return out, nil
}

// enrich copies market fields from the enricher, keeping identity and listing
// time from the original source when it reported them.
func (f *Feed) enrich(ctx context.Context, c Candidate) Candidate {
	if f.enricher == nil {
		return c
	}
	ectx, cancel := context.WithTimeout(ctx, f.config.SourceTimeout)
	defer cancel()

	info, err := f.enricher.Lookup(ectx, f.config.Chain, c.Address)
	if err != nil {
		log.Debug().Err(err).Str("token", c.Address).Msg("discovery: enrichment failed")
		return c
	}
	f.enriched.Add(1)
	if c.Symbol == "" {
		c.Symbol = info.Symbol
		c.Name = info.Name
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = info.CreatedAt
	}
	c.PairAddress = info.PairAddress
	c.DexID = info.DexID
	c.QuoteMint = info.QuoteMint
	c.PriceUSD = info.PriceUSD
	c.PriceNative = info.PriceNative
	c.MarketCap = info.MarketCap
	if info.LiquidityUSD > 0 {
		c.LiquidityUSD = info.LiquidityUSD
	}
	c.Volume24h = info.Volume24h
	c.PriceChange24h = info.PriceChange24h
	c.Buys24h = info.Buys24h
	c.Sells24h = info.Sells24h
	if info.SocialKnown {
		c.SocialLinks = info.SocialLinks
		c.SocialKnown = true
	}
	return c
}

// FeedStats counts candidates at each filter stage.
type FeedStats struct {
	Cycles            int64 `json:"cycles"`
	SourceErrors      int64 `json:"source_errors"`
	Seen              int64 `json:"seen"`
	Duplicates        int64 `json:"duplicates"`
	Invalid           int64 `json:"invalid"`
	FilteredAge       int64 `json:"filtered_age"`
	FilteredProcessed int64 `json:"filtered_processed"`
	FilteredLiquidity int64 `json:"filtered_liquidity"`
	Enriched          int64 `json:"enriched"`
	EnrichSkipped     int64 `json:"enrich_skipped"`
	Returned          int64 `json:"returned"`
}

func (f *Feed) Stats() FeedStats {
	return FeedStats{
		Cycles:            f.cycles.Load(),
		SourceErrors:      f.sourceErrors.Load(),
		Seen:              f.seen.Load(),
		Duplicates:        f.duplicates.Load(),
		Invalid:           f.invalid.Load(),
		FilteredAge:       f.filteredAge.Load(),
		FilteredProcessed: f.filteredProcessed.Load(),
		FilteredLiquidity: f.filteredLiquidity.Load(),
		Enriched:          f.enriched.Load(),
		EnrichSkipped:     f.enrichSkipped.Load(),
		Returned:          f.returned.Load(),
	}
}
