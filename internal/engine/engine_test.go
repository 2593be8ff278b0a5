package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/autotrader/internal/analyzer"
	"github.com/nexus-trading/autotrader/internal/decision"
	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/execution"
	"github.com/nexus-trading/autotrader/internal/monitor"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "WalletPub"

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubFeed struct {
	mu    sync.Mutex
	cands []discovery.Candidate
	err   error
	calls atomic.Int64
}

func (f *stubFeed) FetchCandidates(context.Context) ([]discovery.Candidate, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]discovery.Candidate(nil), f.cands...), nil
}

// stubAnalyzer recommends every token whose address is in safe.
type stubAnalyzer struct {
	safe        map[string]bool
	unavailable bool
	calls       atomic.Int64
}

func (a *stubAnalyzer) Analyze(_ context.Context, c discovery.Candidate) analyzer.Assessment {
	a.calls.Add(1)
	ok := a.safe[c.Address]
	checks := make(map[analyzer.CheckName]analyzer.CheckResult, len(analyzer.AllChecks))
	for _, name := range analyzer.AllChecks {
		checks[name] = analyzer.CheckResult{Passed: ok, Score: 80}
	}
	as := analyzer.Assessment{TokenAddress: c.Address, Symbol: c.Symbol, Checks: checks, Unavailable: a.unavailable}
	if ok && !a.unavailable {
		as.SafetyScore = 80
		as.IsSafe = true
		as.BuyRecommendation = true
	}
	return as
}

type stubBuyer struct {
	book  *position.Book
	fail  map[string]bool
	delay time.Duration

	mu       sync.Mutex
	requests []execution.BuyRequest
	done     atomic.Int64
}

func (b *stubBuyer) Wallet() string { return wallet }
func (b *stubBuyer) DryRun() bool   { return true }

func (b *stubBuyer) Buy(_ context.Context, req execution.BuyRequest) (execution.Result, *position.Position, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	defer b.done.Add(1)

	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail[req.Token] {
		return execution.Result{}, nil, &execution.Error{Stage: execution.StageQuote, Token: req.Token, Err: errors.New("no route")}
	}
	p, err := b.book.Reserve(wallet, req.Token, req.Symbol, true)
	if err != nil {
		return execution.Result{}, nil, err
	}
	if err := b.book.Fill(p, &position.Fill{
		EntryPrice:      decimal.RequireFromString("1"),
		AmountBase:      decimal.RequireFromString("0.01"),
		TokenAmount:     decimal.RequireFromString("0.01"),
		TokenAmountRaw:  10_000,
		Decimals:        6,
		StopLossPrice:   decimal.RequireFromString("0.9"),
		TakeProfitPrice: decimal.RequireFromString("1.5"),
		EntryMarketCap:  req.EntryMarketCap,
		TxID:            "sig-" + req.Token,
	}); err != nil {
		return execution.Result{}, nil, err
	}
	return execution.Result{Success: true, TxID: "sig-" + req.Token}, p, nil
}

func (b *stubBuyer) tokens() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.requests))
	for i, r := range b.requests {
		out[i] = r.Token
	}
	return out
}

type noPrices struct{ calls atomic.Int64 }

func (n *noPrices) Price(context.Context, string, string) (decimal.Decimal, error) {
	n.calls.Add(1)
	return decimal.Zero, errors.New("no price")
}

type closingSeller struct{ book *position.Book }

func (s closingSeller) Sell(_ context.Context, p *position.Position, reason position.CloseReason) (execution.Result, error) {
	rec := p.Record()
	err := s.book.Close(p, &position.Exit{Reason: reason, ExitPrice: rec.CurrentPrice, ExitAmount: rec.AmountBase})
	return execution.Result{Success: err == nil}, err
}

type fixture struct {
	feed      *stubFeed
	analyzer  *stubAnalyzer
	buyer     *stubBuyer
	prices    *noPrices
	book      *position.Book
	processed *discovery.ProcessedSet
	trades    *store.Memory
	engine    *Engine
}

func candidate(addr string, mcap float64) discovery.Candidate {
	return discovery.Candidate{
		Address:      addr,
		Symbol:       "T" + addr,
		PriceUSD:     0.001,
		MarketCap:    mcap,
		LiquidityUSD: 20_000,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	return newFixtureWithDecision(t, mutate, decision.DefaultConfig())
}

func newFixtureWithDecision(t *testing.T, mutate func(*Config), dcfg decision.Config) *fixture {
	t.Helper()
	book := position.NewBook()
	processed := discovery.NewProcessedSet()
	f := &fixture{
		feed:      &stubFeed{},
		analyzer:  &stubAnalyzer{safe: map[string]bool{}},
		buyer:     &stubBuyer{book: book, fail: map[string]bool{}},
		prices:    &noPrices{},
		book:      book,
		processed: processed,
		trades:    store.NewMemory(),
	}
	cfg := DefaultConfig()
	cfg.ScanInterval = time.Hour
	cfg.MonitorInterval = time.Hour
	if mutate != nil {
		mutate(&cfg)
	}
	mon := monitor.New(monitor.DefaultConfig(), book, f.prices, nil, closingSeller{book: book}, nil)
	e, err := New(cfg, Deps{
		Feed:      f.feed,
		Analyzer:  f.analyzer,
		Decision:  decision.New(dcfg, processed),
		Gateway:   f.buyer,
		Monitor:   mon,
		Book:      book,
		Processed: processed,
		Trades:    f.trades,
	})
	require.NoError(t, err)
	f.engine = e
	return f
}

// ---------------------------------------------------------------------------
// Scan tick
// ---------------------------------------------------------------------------

func TestScanTick_SignalOpensPosition(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.TradeAmountSOL = 0.02 })
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000), candidate("B", 90_000)}
	f.analyzer.safe["A"] = true

	sum := f.engine.ScanTick(context.Background())
	assert.Equal(t, 2, sum.Candidates)
	assert.Equal(t, 2, sum.Analyzed)
	assert.Equal(t, 1, sum.Rejected)
	assert.Equal(t, 1, sum.Opportunities)
	assert.Equal(t, 1, sum.Signals)
	assert.Equal(t, 1, sum.Buys)

	require.Len(t, f.buyer.requests, 1)
	req := f.buyer.requests[0]
	assert.Equal(t, "A", req.Token)
	assert.Equal(t, 80_000.0, req.EntryMarketCap)
	assert.True(t, req.AmountSOL.Equal(decimal.RequireFromString("0.02")))

	assert.True(t, f.processed.Has("A"))
	assert.True(t, f.processed.Has("B"), "rejected tokens are not analyzed again this session")
	assert.Equal(t, 1, len(f.book.Open()))

	m := f.engine.Metrics()
	assert.Equal(t, int64(2), m.TokensScanned)
	assert.Equal(t, int64(1), m.Buys)
}

func TestScanTick_BuyCarriesDecisionExits(t *testing.T) {
	dcfg := decision.DefaultConfig()
	dcfg.StopLossPct = 20
	dcfg.TakeProfitPct = 200
	f := newFixtureWithDecision(t, nil, dcfg)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true

	f.engine.ScanTick(context.Background())

	require.Len(t, f.buyer.requests, 1)
	req := f.buyer.requests[0]
	assert.Equal(t, 20.0, req.StopLossPct)
	assert.Equal(t, 200.0, req.TakeProfitPct)

	wl := f.engine.Status().Watchlist
	require.Len(t, wl, 1)
	assert.InDelta(t, 0.001*0.8, wl[0].StopLoss, 1e-12)
	assert.InDelta(t, 0.001*3, wl[0].TakeProfit, 1e-12)
}

func TestScanTick_SingleFirePerSession(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true

	f.engine.ScanTick(context.Background())
	f.engine.ScanTick(context.Background())

	assert.Equal(t, []string{"A"}, f.buyer.tokens())
	assert.Equal(t, int64(1), f.analyzer.calls.Load(), "processed tokens are not re-analyzed")
}

func TestScanTick_RejectedTokenAnalyzedOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("B", 80_000)}

	f.engine.ScanTick(context.Background())
	sum := f.engine.ScanTick(context.Background())

	assert.Equal(t, int64(1), f.analyzer.calls.Load())
	assert.Zero(t, sum.Analyzed)
	assert.Empty(t, f.buyer.tokens())
}

func TestScanTick_UnavailableAnalysisRetriedNextTick(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true
	f.analyzer.unavailable = true

	sum := f.engine.ScanTick(context.Background())
	assert.Equal(t, 1, sum.Rejected)
	assert.False(t, f.processed.Has("A"))

	f.analyzer.unavailable = false
	f.engine.ScanTick(context.Background())
	assert.Equal(t, int64(2), f.analyzer.calls.Load())
	assert.Equal(t, []string{"A"}, f.buyer.tokens())
}

func TestScanTick_DiscoveryFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.err = discovery.ErrNoCandidates

	sum := f.engine.ScanTick(context.Background())
	assert.Zero(t, sum.Analyzed)
	assert.Zero(t, f.analyzer.calls.Load())
	assert.Equal(t, int64(1), f.engine.Metrics().ScanErrors)
}

func TestScanTick_BuyFailureDoesNotStopScan(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000), candidate("B", 80_000)}
	f.analyzer.safe["A"] = true
	f.analyzer.safe["B"] = true
	f.buyer.fail["A"] = true

	sum := f.engine.ScanTick(context.Background())
	assert.Equal(t, 2, sum.Signals)
	assert.Equal(t, 1, sum.Buys)
	assert.Equal(t, 1, sum.BuyFailures)
	assert.Equal(t, []string{"A", "B"}, f.buyer.tokens())
	_, ok := f.book.Get(wallet, "B")
	assert.True(t, ok)
}

func TestScanTick_Paused(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StartPaused = true })
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true

	f.engine.ScanTick(context.Background())
	assert.Zero(t, f.feed.calls.Load())

	f.engine.Resume()
	f.engine.ScanTick(context.Background())
	assert.Equal(t, []string{"A"}, f.buyer.tokens())

	f.engine.Pause()
	assert.True(t, f.engine.Paused())
}

func TestScanTick_PositionLimit(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxOpenPositions = 1 })
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000), candidate("B", 80_000)}
	f.analyzer.safe["A"] = true
	f.analyzer.safe["B"] = true

	sum := f.engine.ScanTick(context.Background())
	assert.Equal(t, 1, sum.Buys)
	assert.True(t, sum.AtCapacity)
	assert.Equal(t, int64(1), f.analyzer.calls.Load(), "no analysis once full")
	assert.False(t, f.processed.Has("B"), "B stays eligible for a later tick")
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func TestStartStop(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ScanInterval = 10 * time.Millisecond
		c.MonitorInterval = 10 * time.Millisecond
	})
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true

	require.NoError(t, f.engine.Start(context.Background()))
	assert.ErrorIs(t, f.engine.Start(context.Background()), ErrAlreadyRunning)

	assert.Eventually(t, func() bool {
		m := f.engine.Metrics()
		return m.ScanTicks >= 2 && m.MonitorTicks >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.engine.Status().Running)

	require.NoError(t, f.engine.Stop())
	assert.False(t, f.engine.Running())
	assert.ErrorIs(t, f.engine.Stop(), ErrNotRunning)

	ticks := f.engine.Metrics().ScanTicks
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, ticks, f.engine.Metrics().ScanTicks, "no ticks after stop")
	assert.Len(t, f.book.Open(), 1, "stop keeps open positions")
	assert.Positive(t, f.prices.calls.Load(), "monitor priced the open position")
}

func TestStop_WaitsForInFlightBuy(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true
	f.buyer.delay = 100 * time.Millisecond

	require.NoError(t, f.engine.Start(context.Background()))
	require.Eventually(t, func() bool {
		f.buyer.mu.Lock()
		defer f.buyer.mu.Unlock()
		return len(f.buyer.requests) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, f.engine.Stop())
	assert.Equal(t, int64(1), f.buyer.done.Load(), "buy completed before stop returned")
	assert.Len(t, f.book.Open(), 1)
}

func TestStart_RestoresOpenPositions(t *testing.T) {
	f := newFixture(t, nil)
	p := position.New(wallet, "R", "TR", false)
	require.NoError(t, p.Transition(position.EventFill, &position.Fill{
		EntryPrice:      decimal.RequireFromString("1"),
		AmountBase:      decimal.RequireFromString("0.01"),
		TokenAmount:     decimal.RequireFromString("0.01"),
		TokenAmountRaw:  10_000,
		StopLossPrice:   decimal.RequireFromString("0.9"),
		TakeProfitPrice: decimal.RequireFromString("1.5"),
	}))
	require.NoError(t, f.trades.Save(context.Background(), p.Record()))

	require.NoError(t, f.engine.Start(context.Background()))
	defer f.engine.Stop()

	_, ok := f.book.Get(wallet, "R")
	assert.True(t, ok)
}

func TestRestart_ClearsProcessed(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true
	f.buyer.fail["A"] = true

	f.engine.ScanTick(context.Background())
	assert.True(t, f.processed.Has("A"))

	require.NoError(t, f.engine.Restart(context.Background()))
	defer f.engine.Stop()
	assert.Eventually(t, func() bool { return len(f.buyer.tokens()) == 2 }, time.Second, 5*time.Millisecond,
		"token re-signals after restart")
}

func TestClosePosition(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true
	f.engine.ScanTick(context.Background())

	_, err := f.engine.ClosePosition(context.Background(), "A")
	require.NoError(t, err)
	assert.Empty(t, f.book.Open())
	assert.Equal(t, 1, f.engine.Status().Performance.TotalTrades)

	_, err = f.engine.ClosePosition(context.Background(), "A")
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.feed.cands = []discovery.Candidate{candidate("A", 80_000)}
	f.analyzer.safe["A"] = true
	f.engine.ScanTick(context.Background())

	s := f.engine.Status()
	assert.False(t, s.Running)
	assert.Equal(t, wallet, s.Wallet)
	assert.True(t, s.DryRun)
	assert.Len(t, s.OpenPositions, 1)
	assert.Len(t, s.Watchlist, 1)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 1, s.LastScan.Buys)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.TradeAmountSOL = -1
	_, err = New(cfg, Deps{})
	assert.Error(t, err)
}
