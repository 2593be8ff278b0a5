package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/analyzer"
	"github.com/nexus-trading/autotrader/internal/decision"
	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/execution"
	"github.com/nexus-trading/autotrader/internal/monitor"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Engine: owns the scan and monitor schedules and the session state
// ---------------------------------------------------------------------------

var (
	ErrAlreadyRunning = errors.New("engine: already running")
	ErrNotRunning     = errors.New("engine: not running")
	ErrNoPosition     = errors.New("engine: no open position for token")
)

// CandidateFeed discovers tokens.
type CandidateFeed interface {
	FetchCandidates(ctx context.Context) ([]discovery.Candidate, error)
}

// SafetyAnalyzer scores a candidate.
type SafetyAnalyzer interface {
	Analyze(ctx context.Context, c discovery.Candidate) analyzer.Assessment
}

// Buyer opens positions.
type Buyer interface {
	Buy(ctx context.Context, req execution.BuyRequest) (execution.Result, *position.Position, error)
	Wallet() string
	DryRun() bool
}

// Config configures the schedules.
type Config struct {
	ScanInterval    time.Duration `yaml:"scan_interval"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	// TradeAmountSOL is the requested buy size; 0 uses the gateway maximum.
	TradeAmountSOL   float64 `yaml:"trade_amount_sol"`
	MaxOpenPositions int     `yaml:"max_open_positions"`
	StartPaused      bool    `yaml:"start_paused"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ScanInterval:     30 * time.Second,
		MonitorInterval:  15 * time.Second,
		MaxOpenPositions: 5,
	}
}

func (c Config) Validate() error {
	if c.ScanInterval <= 0 || c.MonitorInterval <= 0 {
		return fmt.Errorf("engine: tick intervals must be positive")
	}
	if c.TradeAmountSOL < 0 {
		return fmt.Errorf("engine: trade_amount_sol must not be negative")
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("engine: max_open_positions must be positive")
	}
	return nil
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Feed      CandidateFeed
	Analyzer  SafetyAnalyzer
	Decision  *decision.Engine
	Gateway   Buyer
	Monitor   *monitor.Monitor
	Book      *position.Book
	Processed *discovery.ProcessedSet
	// Trades restores open positions on start. Optional.
	Trades store.TradeStore
}

// ScanSummary reports one scan tick.
type ScanSummary struct {
	Candidates    int   `json:"candidates"`
	Analyzed      int   `json:"analyzed"`
	Rejected      int   `json:"rejected"`
	Opportunities int   `json:"opportunities"`
	Signals       int   `json:"signals"`
	Buys          int   `json:"buys"`
	BuyFailures   int   `json:"buy_failures"`
	AtCapacity    bool  `json:"at_capacity,omitempty"`
	DurationMs    int64 `json:"duration_ms"`
}

// Engine is the trading orchestrator. One instance is constructed per
// process and handed to anything that needs to query or control it.
type Engine struct {
	config Config
	deps   Deps

	mu     sync.Mutex // serializes Start and Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running    atomic.Bool
	paused     atomic.Bool
	scanning   atomic.Bool
	monitoring atomic.Bool

	lastMu      sync.RWMutex
	startedAt   time.Time
	lastScan    ScanSummary
	lastMonitor monitor.TickSummary

	scanTicks     atomic.Int64
	monitorTicks  atomic.Int64
	skippedTicks  atomic.Int64
	tokensScanned atomic.Int64
	analyzed      atomic.Int64
	opportunities atomic.Int64
	signals       atomic.Int64
	buys          atomic.Int64
	buyFailures   atomic.Int64
	scanErrors    atomic.Int64
}

// New creates an engine. Missing required collaborators are a startup error.
func New(config Config, deps Deps) (*Engine, error) {
	def := DefaultConfig()
	if config.ScanInterval <= 0 {
		config.ScanInterval = def.ScanInterval
	}
	if config.MonitorInterval <= 0 {
		config.MonitorInterval = def.MonitorInterval
	}
	if config.MaxOpenPositions <= 0 {
		config.MaxOpenPositions = def.MaxOpenPositions
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Feed == nil:
		return nil, fmt.Errorf("engine: feed is required")
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("engine: analyzer is required")
	case deps.Decision == nil:
		return nil, fmt.Errorf("engine: decision engine is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("engine: gateway is required")
	case deps.Monitor == nil:
		return nil, fmt.Errorf("engine: monitor is required")
	case deps.Book == nil:
		return nil, fmt.Errorf("engine: position book is required")
	}
	if deps.Processed == nil {
		deps.Processed = discovery.NewProcessedSet()
	}

	e := &Engine{config: config, deps: deps}
	e.paused.Store(config.StartPaused)
	return e, nil
}

// Start restores open positions and launches both schedules. ctx bounds the
// engine's lifetime. Start returns immediately; each schedule runs one tick
// right away.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	e.restore(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.lastMu.Lock()
	e.startedAt = time.Now()
	e.lastMu.Unlock()

	e.wg.Add(2)
	go e.loop(runCtx, "scan", e.config.ScanInterval, func(ctx context.Context) { e.ScanTick(ctx) })
	go e.loop(runCtx, "monitor", e.config.MonitorInterval, func(ctx context.Context) { e.MonitorTick(ctx) })

	log.Info().
		Str("wallet", e.deps.Gateway.Wallet()).
		Bool("dry_run", e.deps.Gateway.DryRun()).
		Bool("paused", e.paused.Load()).
		Dur("scan_interval", e.config.ScanInterval).
		Dur("monitor_interval", e.config.MonitorInterval).
		Msg("engine: started")
	return nil
}

// Stop halts both schedules and waits for in-flight ticks. Swaps already
// submitted run to completion or timeout. Open positions are kept.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return ErrNotRunning
	}
	e.cancel()
	e.wg.Wait()
	e.running.Store(false)

	log.Info().
		Int("open_positions", len(e.deps.Book.Open())).
		Msg("engine: stopped")
	return nil
}

// Restart stops the engine, clears the session's processed tokens and
// signal history, and starts again.
func (e *Engine) Restart(ctx context.Context) error {
	if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	e.deps.Processed.Reset()
	e.deps.Decision.Reset()
	log.Info().Msg("engine: session state cleared")
	return e.Start(ctx)
}

// Pause stops new entries. Open positions are still monitored.
func (e *Engine) Pause() {
	if e.paused.CompareAndSwap(false, true) {
		log.Warn().Msg("engine: trading paused")
	}
}

func (e *Engine) Resume() {
	if e.paused.CompareAndSwap(true, false) {
		log.Info().Msg("engine: trading resumed")
	}
}

func (e *Engine) Running() bool { return e.running.Load() }
func (e *Engine) Paused() bool  { return e.paused.Load() }

func (e *Engine) loop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	defer e.wg.Done()

	tick(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("schedule", name).Msg("engine: schedule stopped")
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// restore loads open positions persisted by a previous run.
func (e *Engine) restore(ctx context.Context) {
	if e.deps.Trades == nil {
		return
	}
	recs, err := e.deps.Trades.LoadOpen(ctx, e.deps.Gateway.Wallet())
	if err != nil {
		log.Warn().Err(err).Msg("engine: could not load open positions")
		return
	}
	restored := 0
	for _, rec := range recs {
		if err := e.deps.Book.Restore(rec); err != nil {
			log.Debug().Err(err).Str("position_id", rec.ID).Msg("engine: position not restored")
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Info().Int("count", restored).Msg("engine: restored open positions")
	}
}

// ---------------------------------------------------------------------------
// Ticks
// ---------------------------------------------------------------------------

// ScanTick runs discovery, analysis and decision over one batch of
// candidates, buying on signals. Candidates are processed sequentially; one
// candidate's failure never ends the tick. A tick that starts while the
// previous one is still running is skipped.
func (e *Engine) ScanTick(ctx context.Context) ScanSummary {
	var sum ScanSummary
	if e.paused.Load() {
		return sum
	}
	if !e.scanning.CompareAndSwap(false, true) {
		e.skippedTicks.Add(1)
		log.Warn().Msg("engine: previous scan still running, skipping tick")
		return sum
	}
	defer e.scanning.Store(false)

	start := time.Now()
	e.scanTicks.Add(1)
	defer func() {
		sum.DurationMs = time.Since(start).Milliseconds()
		e.lastMu.Lock()
		e.lastScan = sum
		e.lastMu.Unlock()
	}()

	candidates, err := e.deps.Feed.FetchCandidates(ctx)
	if err != nil {
		e.scanErrors.Add(1)
		log.Warn().Err(err).Msg("engine: discovery failed, waiting for next tick")
		return sum
	}
	sum.Candidates = len(candidates)
	e.tokensScanned.Add(int64(len(candidates)))

	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		if len(e.deps.Book.Open()) >= e.config.MaxOpenPositions {
			sum.AtCapacity = true
			log.Info().
				Int("max_open_positions", e.config.MaxOpenPositions).
				Msg("engine: position limit reached, skipping remaining candidates")
			break
		}
		if e.deps.Processed.Has(c.Address) {
			continue
		}

		as := e.deps.Analyzer.Analyze(ctx, c)
		sum.Analyzed++
		e.analyzed.Add(1)
		if !as.Unavailable {
			e.deps.Processed.Mark(c.Address)
		}

		opp, sig := e.deps.Decision.Evaluate(c, as)
		if opp == nil {
			sum.Rejected++
			continue
		}
		sum.Opportunities++
		e.opportunities.Add(1)
		if sig == nil {
			continue
		}
		sum.Signals++
		e.signals.Add(1)

		if e.buy(ctx, sig) {
			sum.Buys++
		} else {
			sum.BuyFailures++
		}
	}

	log.Info().
		Int("candidates", sum.Candidates).
		Int("analyzed", sum.Analyzed).
		Int("rejected", sum.Rejected).
		Int("opportunities", sum.Opportunities).
		Int("signals", sum.Signals).
		Int("buys", sum.Buys).
		Int("buy_failures", sum.BuyFailures).
		Dur("elapsed", time.Since(start)).
		Msg("engine: scan tick complete")
	return sum
}

func (e *Engine) buy(ctx context.Context, sig *decision.Signal) bool {
	req := execution.BuyRequest{
		Token:          sig.Token,
		Symbol:         sig.Symbol,
		StopLossPct:    sig.StopLossPct,
		TakeProfitPct:  sig.TakeProfitPct,
		EntryMarketCap: sig.Opportunity.EntryMarketCap,
	}
	if e.config.TradeAmountSOL > 0 {
		req.AmountSOL = decimal.NewFromFloat(e.config.TradeAmountSOL)
	}

	res, p, err := e.deps.Gateway.Buy(ctx, req)
	if err != nil {
		e.buyFailures.Add(1)
		log.Warn().Err(err).
			Str("token", sig.Token).
			Str("stage", string(execution.StageOf(err))).
			Msg("engine: buy failed, continuing scan")
		return false
	}
	e.buys.Add(1)
	log.Info().
		Str("position_id", p.ID()).
		Str("token", sig.Token).
		Str("symbol", sig.Symbol).
		Str("tx", res.TxID).
		Str("amount_sol", res.AmountSOL.String()).
		Float64("confidence", sig.Confidence).
		Msg("engine: position opened")
	return true
}

// MonitorTick re-prices open positions and fires exits. Overlapping ticks
// are skipped.
func (e *Engine) MonitorTick(ctx context.Context) monitor.TickSummary {
	if !e.monitoring.CompareAndSwap(false, true) {
		e.skippedTicks.Add(1)
		log.Warn().Msg("engine: previous monitor tick still running, skipping tick")
		return monitor.TickSummary{}
	}
	defer e.monitoring.Store(false)

	e.monitorTicks.Add(1)
	sum := e.deps.Monitor.Tick(ctx)

	e.lastMu.Lock()
	e.lastMonitor = sum
	e.lastMu.Unlock()
	return sum
}

// ClosePosition sells the engine wallet's position in token.
func (e *Engine) ClosePosition(ctx context.Context, token string) (execution.Result, error) {
	p, ok := e.deps.Book.Get(e.deps.Gateway.Wallet(), token)
	if !ok || p.Status() != position.StatusOpen {
		return execution.Result{}, fmt.Errorf("%w: %s", ErrNoPosition, token)
	}
	return e.deps.Monitor.Close(ctx, p, position.ReasonManual)
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

// Metrics counts engine activity since construction.
type Metrics struct {
	ScanTicks     int64 `json:"scan_ticks"`
	MonitorTicks  int64 `json:"monitor_ticks"`
	SkippedTicks  int64 `json:"skipped_ticks"`
	TokensScanned int64 `json:"tokens_scanned"`
	Analyzed      int64 `json:"analyzed"`
	Opportunities int64 `json:"opportunities"`
	Signals       int64 `json:"signals"`
	Buys          int64 `json:"buys"`
	BuyFailures   int64 `json:"buy_failures"`
	ScanErrors    int64 `json:"scan_errors"`
}

// Status is a point-in-time view for operators.
type Status struct {
	Running       bool                        `json:"running"`
	Paused        bool                        `json:"paused"`
	Wallet        string                      `json:"wallet"`
	DryRun        bool                        `json:"dry_run"`
	StartedAt     time.Time                   `json:"started_at"`
	UptimeSec     float64                     `json:"uptime_sec"`
	Metrics       Metrics                     `json:"metrics"`
	Performance   monitor.PerformanceSnapshot `json:"performance"`
	OpenPositions []position.Record           `json:"open_positions"`
	Watchlist     []decision.Opportunity      `json:"watchlist"`
	Processed     int                         `json:"processed_tokens"`
	LastScan      ScanSummary                 `json:"last_scan"`
	LastMonitor   monitor.TickSummary         `json:"last_monitor"`
}

func (e *Engine) Metrics() Metrics {
	return Metrics{
		ScanTicks:     e.scanTicks.Load(),
		MonitorTicks:  e.monitorTicks.Load(),
		SkippedTicks:  e.skippedTicks.Load(),
		TokensScanned: e.tokensScanned.Load(),
		Analyzed:      e.analyzed.Load(),
		Opportunities: e.opportunities.Load(),
		Signals:       e.signals.Load(),
		Buys:          e.buys.Load(),
		BuyFailures:   e.buyFailures.Load(),
		ScanErrors:    e.scanErrors.Load(),
	}
}

func (e *Engine) Status() Status {
	e.lastMu.RLock()
	startedAt := e.startedAt
	e.lastMu.RUnlock()

	s := Status{
		Running:       e.running.Load(),
		Paused:        e.paused.Load(),
		Wallet:        e.deps.Gateway.Wallet(),
		DryRun:        e.deps.Gateway.DryRun(),
		StartedAt:     startedAt,
		Metrics:       e.Metrics(),
		Performance:   e.deps.Monitor.Performance().Snapshot(),
		OpenPositions: e.deps.Book.Snapshot(),
		Watchlist:     e.deps.Decision.Watchlist(),
		Processed:     e.deps.Processed.Len(),
	}
	if s.Running && !startedAt.IsZero() {
		s.UptimeSec = time.Since(startedAt).Seconds()
	}
	e.lastMu.RLock()
	s.LastScan = e.lastScan
	s.LastMonitor = e.lastMonitor
	e.lastMu.RUnlock()
	return s
}
