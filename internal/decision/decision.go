package decision

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/analyzer"
	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Decision Engine: opportunities, watchlist, double-gated trade signals
// ---------------------------------------------------------------------------

// Config configures the decision engine.
type Config struct {
	SafetyThreshold     float64 `yaml:"safety_threshold"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	StopLossPct         float64 `yaml:"stop_loss_pct"`   // below entry, percent
	TakeProfitPct       float64 `yaml:"take_profit_pct"` // above entry, percent
	WatchlistSize       int     `yaml:"watchlist_size"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		SafetyThreshold:     50,
		ConfidenceThreshold: 50,
		StopLossPct:         10,
		TakeProfitPct:       50,
		WatchlistSize:       200,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SafetyThreshold < 0 || c.SafetyThreshold > 100 {
		return fmt.Errorf("decision: safety_threshold must be in [0,100]")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 100 {
		return fmt.Errorf("decision: confidence_threshold must be in [0,100]")
	}
	if c.StopLossPct <= 0 || c.StopLossPct >= 100 {
		return fmt.Errorf("decision: stop_loss_pct must be in (0,100)")
	}
	if c.TakeProfitPct <= 0 {
		return fmt.Errorf("decision: take_profit_pct must be positive")
	}
	return nil
}

// confidenceWeights emphasise liquidity and holder distribution.
var confidenceWeights = map[analyzer.CheckName]float64{
	analyzer.CheckLiquidity:  0.30,
	analyzer.CheckMarketCap:  0.20,
	analyzer.CheckHolders:    0.20,
	analyzer.CheckVolatility: 0.10,
	analyzer.CheckContract:   0.10,
	analyzer.CheckHoneypot:   0.10,
}

// Confidence re-aggregates passed check scores with confidenceWeights,
// clamped to [0,100].
func Confidence(as analyzer.Assessment) float64 {
	total := 0.0
	for name, w := range confidenceWeights {
		total += w * as.Score(name)
	}
	if math.IsNaN(total) {
		return 0
	}
	return math.Max(0, math.Min(100, total))
}

// ExpectedROI is the projected 24h return band in percent.
type ExpectedROI struct {
	Expected float64 `json:"expected_24h_pct"`
	Minimum  float64 `json:"minimum_pct"`
	Maximum  float64 `json:"maximum_pct"`
}

// EstimateROI projects a 24h return from market cap, age and turnover.
func EstimateROI(c discovery.Candidate, now time.Time) ExpectedROI {
	var mcFactor float64
	switch {
	case c.MarketCap < 50_000:
		mcFactor = 2.0
	case c.MarketCap < 200_000:
		mcFactor = 1.5
	case c.MarketCap < 500_000:
		mcFactor = 1.0
	default:
		mcFactor = 0.5
	}

	var ageFactor float64
	switch age := c.Age(now); {
	case age < time.Hour:
		ageFactor = 2.0
	case age < 6*time.Hour:
		ageFactor = 1.5
	case age < 24*time.Hour:
		ageFactor = 1.0
	default:
		ageFactor = 0.5
	}

	volumeFactor := 0.5
	if c.MarketCap > 0 {
		switch r := c.Volume24h / c.MarketCap; {
		case r > 0.25:
			volumeFactor = 1.5
		case r > 0.1:
			volumeFactor = 1.0
		}
	}

	expected := 20 * mcFactor * ageFactor * volumeFactor
	return ExpectedROI{Expected: expected, Minimum: expected * 0.3, Maximum: expected * 1.5}
}

// Opportunity is a candidate that passed the safety and growth gates.
type Opportunity struct {
	Candidate   discovery.Candidate `json:"candidate"`
	Assessment  analyzer.Assessment `json:"assessment"`
	Confidence  float64             `json:"confidence"`
	EntryPrice  float64             `json:"suggested_entry_price"` // USD
	StopLoss    float64             `json:"suggested_stop_loss"`
	TakeProfit  float64             `json:"suggested_take_profit"`
	ExpectedROI ExpectedROI         `json:"expected_roi"`
	// EntryMarketCap anchors the market-cap multiple exit.
	EntryMarketCap float64   `json:"entry_market_cap"`
	AddedAt        time.Time `json:"added_at"`
	Signaled       bool      `json:"signaled"`
}

// Signal is a single-fire instruction to buy. The exit percentages are the
// ones the opportunity's suggested levels were derived from; the gateway
// applies them to the filled price.
type Signal struct {
	Token         string      `json:"token"`
	Symbol        string      `json:"symbol"`
	Confidence    float64     `json:"confidence"`
	StopLossPct   float64     `json:"stop_loss_pct"`
	TakeProfitPct float64     `json:"take_profit_pct"`
	Opportunity   Opportunity `json:"opportunity"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Engine turns assessments into opportunities and signals.
type Engine struct {
	config    Config
	processed *discovery.ProcessedSet
	signaled  *discovery.ProcessedSet
	now       func() time.Time

	mu        sync.RWMutex
	watchlist map[string]*Opportunity

	evaluated     atomic.Int64
	opportunities atomic.Int64
	signals       atomic.Int64
	gatedOut      atomic.Int64
}

// New creates a decision engine. processed is the session-wide set shared
// with discovery; tokens that signal are marked in it.
func New(config Config, processed *discovery.ProcessedSet) *Engine {
	if config.WatchlistSize <= 0 {
		config.WatchlistSize = DefaultConfig().WatchlistSize
	}
	if processed == nil {
		processed = discovery.NewProcessedSet()
	}
	return &Engine{
		config:    config,
		processed: processed,
		signaled:  discovery.NewProcessedSet(),
		now:       time.Now,
		watchlist: make(map[string]*Opportunity),
	}
}

// Evaluate builds an opportunity for a recommended candidate and decides
// whether it becomes a signal. It returns nil, nil when the assessment does
// not recommend buying.
func (e *Engine) Evaluate(c discovery.Candidate, as analyzer.Assessment) (*Opportunity, *Signal) {
	e.evaluated.Add(1)
	if !as.BuyRecommendation {
		return nil, nil
	}

	now := e.now()
	opp := &Opportunity{
		Candidate:      c,
		Assessment:     as,
		Confidence:     Confidence(as),
		EntryPrice:     c.PriceUSD,
		StopLoss:       c.PriceUSD * (1 - e.config.StopLossPct/100),
		TakeProfit:     c.PriceUSD * (1 + e.config.TakeProfitPct/100),
		ExpectedROI:    EstimateROI(c, now),
		EntryMarketCap: c.MarketCap,
		AddedAt:        now,
	}
	e.opportunities.Add(1)

	if as.SafetyScore < e.config.SafetyThreshold || opp.Confidence < e.config.ConfidenceThreshold {
		e.gatedOut.Add(1)
		e.addToWatchlist(opp)
		log.Info().
			Str("token", c.Address).
			Str("symbol", c.Symbol).
			Float64("safety_score", as.SafetyScore).
			Float64("confidence", opp.Confidence).
			Float64("safety_threshold", e.config.SafetyThreshold).
			Float64("confidence_threshold", e.config.ConfidenceThreshold).
			Msg("decision: watchlisted without signal")
		return opp, nil
	}

	if !e.signaled.Mark(c.Address) {
		e.addToWatchlist(opp)
		log.Debug().Str("token", c.Address).Msg("decision: already signaled this session")
		return opp, nil
	}
	e.processed.Mark(c.Address)
	opp.Signaled = true
	e.addToWatchlist(opp)
	e.signals.Add(1)

	sig := &Signal{
		Token:         c.Address,
		Symbol:        c.Symbol,
		Confidence:    opp.Confidence,
		StopLossPct:   e.config.StopLossPct,
		TakeProfitPct: e.config.TakeProfitPct,
		Opportunity:   *opp,
		CreatedAt:     now,
	}
	log.Info().
		Str("token", c.Address).
		Str("symbol", c.Symbol).
		Float64("confidence", opp.Confidence).
		Float64("expected_roi_pct", opp.ExpectedROI.Expected).
		Msg("decision: BUY signal")
	return opp, sig
}

// addToWatchlist stores the opportunity, evicting the oldest entry when full.
func (e *Engine) addToWatchlist(opp *Opportunity) {
	e.mu.Lock()
	defer e.mu.Unlock()

	addr := opp.Candidate.Address
	if prev, ok := e.watchlist[addr]; ok {
		opp.AddedAt = prev.AddedAt
		opp.Signaled = opp.Signaled || prev.Signaled
	} else if len(e.watchlist) >= e.config.WatchlistSize {
		var oldest string
		var oldestAt time.Time
		for k, v := range e.watchlist {
			if oldest == "" || v.AddedAt.Before(oldestAt) {
				oldest, oldestAt = k, v.AddedAt
			}
		}
		delete(e.watchlist, oldest)
	}
	e.watchlist[addr] = opp
}

// Watchlist returns a copy of the watchlist, newest first.
func (e *Engine) Watchlist() []Opportunity {
	e.mu.RLock()
	out := make([]Opportunity, 0, len(e.watchlist))
	for _, o := range e.watchlist {
		out = append(out, *o)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.After(out[j].AddedAt) })
	return out
}

// Reset clears the watchlist and single-fire state for a new session.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.watchlist = make(map[string]*Opportunity)
	e.mu.Unlock()
	e.signaled.Reset()
}

// Stats tracks decision activity.
type Stats struct {
	Evaluated     int64 `json:"evaluated"`
	Opportunities int64 `json:"opportunities"`
	Signals       int64 `json:"signals"`
	GatedOut      int64 `json:"gated_out"`
	WatchlistSize int   `json:"watchlist_size"`
}

func (e *Engine) Stats() Stats {
	e.mu.RLock()
	size := len(e.watchlist)
	e.mu.RUnlock()
	return Stats{
		Evaluated:     e.evaluated.Load(),
		Opportunities: e.opportunities.Load(),
		Signals:       e.signals.Load(),
		GatedOut:      e.gatedOut.Load(),
		WatchlistSize: size,
	}
}
