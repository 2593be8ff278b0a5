package analyzer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Safety Analyzer: weighted multi-factor scoring with a two-gate verdict
// ---------------------------------------------------------------------------

// TokenDataProvider supplies on-chain mint and holder data. *solana.Failover
// satisfies it.
type TokenDataProvider interface {
	GetTokenInfo(ctx context.Context, mint solana.Pubkey) (*solana.TokenInfo, error)
	GetTopHolders(ctx context.Context, mint solana.Pubkey, limit int) ([]solana.HolderInfo, error)
}

// SellSimulator estimates the percentage lost on an immediate buy-then-sell.
type SellSimulator interface {
	RoundTripLoss(ctx context.Context, mint string) (float64, error)
}

// LiquidityLockSource reports the percentage of LP tokens locked or burned.
type LiquidityLockSource interface {
	LPLockedPct(ctx context.Context, mint string) (float64, error)
}

var errNotConfigured = errors.New("provider not configured")

// Assessment is the result of analyzing one candidate.
type Assessment struct {
	TokenAddress      string                    `json:"token_address"`
	Symbol            string                    `json:"symbol"`
	Checks            map[CheckName]CheckResult `json:"checks"`
	SafetyScore       float64                   `json:"safety_score"`
	IsSafe            bool                      `json:"is_safe"`
	BuyRecommendation bool                      `json:"buy_recommendation"`
	// Unavailable is set when every data provider failed. Degraded marks the
	// verdict as produced by the accept policy.
	Unavailable bool      `json:"unavailable,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
	LatencyMs   int64     `json:"latency_ms"`
}

// Score returns a check's score if it passed, else 0.
func (a Assessment) Score(name CheckName) float64 {
	if r, ok := a.Checks[name]; ok && r.Passed {
		return r.Score
	}
	return 0
}

type cacheEntry struct {
	assessment Assessment
	expires    time.Time
}

// Analyzer scores candidates. Checks are pure; all I/O happens up front in
// gather so a failing provider only zeroes the checks that need it.
type Analyzer struct {
	config  Config
	tokens  TokenDataProvider
	sellSim SellSimulator
	locks   LiquidityLockSource
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry

	analyzed      atomic.Int64
	cacheHits     atomic.Int64
	safe          atomic.Int64
	recommended   atomic.Int64
	totalFailures atomic.Int64
	checkErrors   atomic.Int64
}

// New creates an analyzer. Nil providers are allowed; their checks fail.
func New(config Config, tokens TokenDataProvider, sellSim SellSimulator, locks LiquidityLockSource) *Analyzer {
	if config.FailurePolicy == FailAccept {
		log.Warn().Msg("analyzer: failure policy is ACCEPT, unreachable providers will not block trades")
	}
	if config.TopHoldersToCheck <= 0 {
		config.TopHoldersToCheck = 10
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 10 * time.Second
	}
	return &Analyzer{
		config:  config,
		tokens:  tokens,
		sellSim: sellSim,
		locks:   locks,
		now:     time.Now,
		cache:   make(map[string]cacheEntry),
	}
}

// Analyze runs every check against the candidate. It never returns an error:
// provider failures are reflected in the per-check results.
func (a *Analyzer) Analyze(ctx context.Context, c discovery.Candidate) Assessment {
	now := a.now()
	if cached, ok := a.cached(c.Address, now); ok {
		a.cacheHits.Add(1)
		return cached
	}

	start := time.Now()
	in := a.gather(ctx, c, now)

	checks := make(map[CheckName]CheckResult, len(AllChecks))
	for _, name := range AllChecks {
		res := checkFuncs[name](a.config, in)
		res.Score = clamp(res.Score)
		checks[name] = res
	}

	as := Assessment{
		TokenAddress: c.Address,
		Symbol:       c.Symbol,
		Checks:       checks,
		AnalyzedAt:   now,
	}
	as.SafetyScore = a.aggregate(checks)
	as.IsSafe = as.SafetyScore >= a.config.SafetyThreshold

	if a.totalFailure(in) {
		a.totalFailures.Add(1)
		as.Unavailable = true
		switch a.config.FailurePolicy {
		case FailAccept:
			as.IsSafe = true
			as.Degraded = true
			log.Warn().
				Str("token", c.Address).
				Float64("safety_score", as.SafetyScore).
				Msg("analyzer: all providers failed, accepting under fail-open policy")
		default:
			as.IsSafe = false
			log.Warn().
				Str("token", c.Address).
				Msg("analyzer: all providers failed, rejecting")
		}
	}

	as.BuyRecommendation = as.IsSafe &&
		checks[CheckGrowth].Score >= a.config.GrowthThreshold &&
		c.LiquidityUSD > 0
	as.LatencyMs = time.Since(start).Milliseconds()

	a.analyzed.Add(1)
	if as.IsSafe {
		a.safe.Add(1)
	}
	if as.BuyRecommendation {
		a.recommended.Add(1)
	}
	if !as.Unavailable {
		a.store(as, now)
	}

	log.Info().
		Str("token", c.Address).
		Str("symbol", c.Symbol).
		Float64("safety_score", as.SafetyScore).
		Bool("safe", as.IsSafe).
		Bool("recommend", as.BuyRecommendation).
		Int64("analysis_ms", as.LatencyMs).
		Msg("analyzer: token analysis complete")

	return as
}

// aggregate is Σ weight×score over passed checks, clamped to [0,100].
func (a *Analyzer) aggregate(checks map[CheckName]CheckResult) float64 {
	total := 0.0
	for _, name := range AllChecks {
		if r := checks[name]; r.Passed {
			total += a.config.Weights.Of(name) * r.Score
		}
	}
	return clamp(total)
}

// gather fetches provider data concurrently under one deadline.
func (a *Analyzer) gather(ctx context.Context, c discovery.Candidate, now time.Time) Inputs {
	in := Inputs{Candidate: c, Now: now}

	fctx, cancel := context.WithTimeout(ctx, a.config.FetchTimeout)
	defer cancel()

	mint := solana.Pubkey(c.Address)
	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		if a.tokens == nil {
			in.TokenErr = errNotConfigured
			return
		}
		in.Token, in.TokenErr = a.tokens.GetTokenInfo(fctx, mint)
	}()
	go func() {
		defer wg.Done()
		if a.tokens == nil {
			in.HoldersErr = errNotConfigured
			return
		}
		in.Holders, in.HoldersErr = a.tokens.GetTopHolders(fctx, mint, a.config.TopHoldersToCheck)
	}()
	go func() {
		defer wg.Done()
		if a.sellSim == nil {
			in.SellSimErr = errNotConfigured
			return
		}
		in.RoundTripLossPct, in.SellSimErr = a.sellSim.RoundTripLoss(fctx, c.Address)
	}()
	go func() {
		defer wg.Done()
		if a.locks == nil {
			in.LockErr = errNotConfigured
			return
		}
		in.LPLockedPct, in.LockErr = a.locks.LPLockedPct(fctx, c.Address)
	}()
	wg.Wait()

	for _, err := range []error{in.TokenErr, in.HoldersErr, in.SellSimErr, in.LockErr} {
		if err != nil {
			a.checkErrors.Add(1)
		}
	}
	if in.TokenErr != nil {
		log.Debug().Err(in.TokenErr).Str("token", c.Address).Msg("analyzer: mint data unavailable")
	}
	if in.HoldersErr != nil {
		log.Debug().Err(in.HoldersErr).Str("token", c.Address).Msg("analyzer: holder data unavailable")
	}
	return in
}

// totalFailure reports whether no provider returned data.
func (a *Analyzer) totalFailure(in Inputs) bool {
	return in.TokenErr != nil && in.HoldersErr != nil && in.SellSimErr != nil && in.LockErr != nil
}

func (a *Analyzer) cached(address string, now time.Time) (Assessment, bool) {
	if a.config.CacheTTL <= 0 {
		return Assessment{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.cache[address]
	if !ok {
		return Assessment{}, false
	}
	if now.After(e.expires) {
		delete(a.cache, address)
		return Assessment{}, false
	}
	as := e.assessment
	as.Cached = true
	return as, true
}

func (a *Analyzer) store(as Assessment, now time.Time) {
	if a.config.CacheTTL <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[as.TokenAddress] = cacheEntry{assessment: as, expires: now.Add(a.config.CacheTTL)}
}

// ClearCache drops every cached assessment.
func (a *Analyzer) ClearCache() {
	a.mu.Lock()
	a.cache = make(map[string]cacheEntry)
	a.mu.Unlock()
}

// Config returns the analyzer configuration.
func (a *Analyzer) Config() Config {
	return a.config
}

// Stats tracks analyzer activity.
type Stats struct {
	Analyzed      int64 `json:"analyzed"`
	CacheHits     int64 `json:"cache_hits"`
	Safe          int64 `json:"safe"`
	Recommended   int64 `json:"recommended"`
	TotalFailures int64 `json:"total_failures"`
	CheckErrors   int64 `json:"check_errors"`
	CacheSize     int   `json:"cache_size"`
}

func (a *Analyzer) Stats() Stats {
	a.mu.Lock()
	size := len(a.cache)
	a.mu.Unlock()
	return Stats{
		Analyzed:      a.analyzed.Load(),
		CacheHits:     a.cacheHits.Load(),
		Safe:          a.safe.Load(),
		Recommended:   a.recommended.Load(),
		TotalFailures: a.totalFailures.Load(),
		CheckErrors:   a.checkErrors.Load(),
		CacheSize:     size,
	}
}
