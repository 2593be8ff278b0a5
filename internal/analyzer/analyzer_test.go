package analyzer

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/nexus-trading/autotrader/internal/discovery"
	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testMint = "TestMint1111111111111111111111111111111111"

type stubSellSim struct {
	loss float64
	err  error
}

func (s *stubSellSim) RoundTripLoss(context.Context, string) (float64, error) {
	return s.loss, s.err
}

type stubLocks struct {
	pct float64
	err error
}

func (s *stubLocks) LPLockedPct(context.Context, string) (float64, error) {
	return s.pct, s.err
}

func healthyCandidate() discovery.Candidate {
	return discovery.Candidate{
		Address:        testMint,
		Symbol:         "GOOD",
		PriceUSD:       0.0004,
		MarketCap:      40_000,
		LiquidityUSD:   50_000,
		Volume24h:      30_000,
		PriceChange24h: 20,
		Buys24h:        100,
		Sells24h:       50,
		SocialKnown:    true,
		SocialLinks:    3,
		CreatedAt:      testNow.Add(-30 * time.Minute),
	}
}

func newTestRPC() *solana.StubRPCClient {
	rpc := solana.NewStubRPCClient()
	rpc.AddToken(solana.TokenInfo{Mint: testMint, Decimals: 6, Supply: decimal.NewFromInt(1_000_000_000)})
	holders := make([]solana.HolderInfo, 5)
	for i := range holders {
		holders[i] = solana.HolderInfo{Address: solana.Pubkey("holder"), Balance: decimal.NewFromInt(50_000_000), Percentage: 5}
	}
	rpc.AddHolders(testMint, holders)
	return rpc
}

func newTestAnalyzer(cfg Config, rpc TokenDataProvider, sim SellSimulator, locks LiquidityLockSource) *Analyzer {
	a := New(cfg, rpc, sim, locks)
	a.now = func() time.Time { return testNow }
	return a
}

func TestAnalyze_HealthyToken(t *testing.T) {
	a := newTestAnalyzer(DefaultConfig(), newTestRPC(), &stubSellSim{loss: 3}, &stubLocks{pct: 95})

	as := a.Analyze(context.Background(), healthyCandidate())

	require.Len(t, as.Checks, len(AllChecks))
	for _, name := range AllChecks {
		assert.True(t, as.Checks[name].Passed, "check %s should pass: %s", name, as.Checks[name].Reason)
	}
	assert.InDelta(t, 98.7, as.SafetyScore, 0.001)
	assert.True(t, as.IsSafe)
	assert.True(t, as.BuyRecommendation)
	assert.False(t, as.Degraded)
	assert.Equal(t, testNow, as.AnalyzedAt)
}

func TestAnalyze_ZeroLiquidityNeverRecommended(t *testing.T) {
	a := newTestAnalyzer(DefaultConfig(), newTestRPC(), &stubSellSim{loss: 3}, &stubLocks{pct: 95})
	c := healthyCandidate()
	c.LiquidityUSD = 0

	as := a.Analyze(context.Background(), c)
	assert.False(t, as.Checks[CheckLiquidity].Passed)
	assert.True(t, as.IsSafe, "other checks still carry the score over the threshold")
	assert.False(t, as.BuyRecommendation)
}

func TestAnalyze_ZeroLiquidityNeverRecommendedUnderAccept(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailurePolicy = FailAccept
	rpc := solana.NewStubRPCClient()
	rpc.SetFailAll(true)
	a := newTestAnalyzer(cfg, rpc, &stubSellSim{err: errors.New("no route")}, &stubLocks{err: errors.New("down")})

	c := healthyCandidate()
	c.LiquidityUSD = 0
	as := a.Analyze(context.Background(), c)
	assert.True(t, as.Degraded)
	assert.False(t, as.BuyRecommendation)
}

func TestAnalyze_TotalFailure_RejectsByDefault(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	rpc.SetFailAll(true)
	a := newTestAnalyzer(DefaultConfig(), rpc, &stubSellSim{err: errors.New("no route")}, &stubLocks{err: errors.New("down")})

	as := a.Analyze(context.Background(), healthyCandidate())
	assert.False(t, as.IsSafe)
	assert.False(t, as.BuyRecommendation)
	assert.False(t, as.Degraded)
	assert.True(t, as.Unavailable)
	assert.Zero(t, a.Stats().CacheSize, "unavailable verdicts are not cached")
	assert.Equal(t, int64(1), a.Stats().TotalFailures)
	assert.Equal(t, int64(4), a.Stats().CheckErrors)
}

func TestAnalyze_TotalFailure_AcceptPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailurePolicy = FailAccept
	rpc := solana.NewStubRPCClient()
	rpc.SetFailAll(true)
	a := newTestAnalyzer(cfg, rpc, nil, nil)

	as := a.Analyze(context.Background(), healthyCandidate())
	assert.True(t, as.Degraded)
	assert.True(t, as.IsSafe)
	assert.True(t, as.BuyRecommendation)
}

func TestAnalyze_PartialFailureZeroesOnlyAffectedChecks(t *testing.T) {
	a := newTestAnalyzer(DefaultConfig(), newTestRPC(), &stubSellSim{err: errors.New("no route")}, &stubLocks{pct: 95})

	as := a.Analyze(context.Background(), healthyCandidate())
	hp := as.Checks[CheckHoneypot]
	assert.False(t, hp.Passed)
	assert.Zero(t, hp.Score)
	assert.Contains(t, hp.Reason, "sell simulation unavailable")
	assert.True(t, as.Checks[CheckContract].Passed)
	assert.False(t, as.Degraded)
	assert.False(t, as.Unavailable)
}

func TestAnalyze_Cache(t *testing.T) {
	rpc := newTestRPC()
	a := newTestAnalyzer(DefaultConfig(), rpc, &stubSellSim{loss: 3}, &stubLocks{pct: 95})

	first := a.Analyze(context.Background(), healthyCandidate())
	calls := rpc.Calls()
	second := a.Analyze(context.Background(), healthyCandidate())

	assert.False(t, first.Cached)
	assert.True(t, second.Cached)
	assert.Equal(t, first.SafetyScore, second.SafetyScore)
	assert.Equal(t, calls, rpc.Calls())
	assert.Equal(t, int64(1), a.Stats().CacheHits)

	a.now = func() time.Time { return testNow.Add(31 * time.Minute) }
	third := a.Analyze(context.Background(), healthyCandidate())
	assert.False(t, third.Cached)
	assert.Greater(t, rpc.Calls(), calls)
}

func TestAnalyze_CacheDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 0
	a := newTestAnalyzer(cfg, newTestRPC(), &stubSellSim{loss: 3}, &stubLocks{pct: 95})

	a.Analyze(context.Background(), healthyCandidate())
	as := a.Analyze(context.Background(), healthyCandidate())
	assert.False(t, as.Cached)
	assert.Equal(t, int64(2), a.Stats().Analyzed)
}

func TestAnalyze_ScoresAlwaysInRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CacheTTL = 0
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		rpc := newTestRPC()
		if rng.Intn(3) == 0 {
			rpc.SetFailAll(true)
		}
		sim := &stubSellSim{loss: rng.Float64()*200 - 50}
		locks := &stubLocks{pct: rng.Float64() * 120}
		a := newTestAnalyzer(cfg, rpc, sim, locks)

		c := discovery.Candidate{
			Address:        testMint,
			MarketCap:      rng.Float64() * 50_000_000,
			LiquidityUSD:   rng.Float64() * 100_000,
			Volume24h:      rng.Float64() * 10_000_000,
			PriceChange24h: rng.Float64()*2000 - 1000,
			Buys24h:        rng.Intn(1000),
			Sells24h:       rng.Intn(1000),
			SocialKnown:    rng.Intn(2) == 0,
			SocialLinks:    rng.Intn(5),
			CreatedAt:      testNow.Add(-time.Duration(rng.Intn(48)) * time.Hour),
		}
		if rng.Intn(5) == 0 {
			c.LiquidityUSD = 0
		}

		as := a.Analyze(context.Background(), c)
		assert.GreaterOrEqual(t, as.SafetyScore, 0.0)
		assert.LessOrEqual(t, as.SafetyScore, 100.0)
		for name, r := range as.Checks {
			assert.GreaterOrEqual(t, r.Score, 0.0, name)
			assert.LessOrEqual(t, r.Score, 100.0, name)
		}
		if c.LiquidityUSD == 0 {
			assert.False(t, as.BuyRecommendation)
		}
	}
}

func TestWeights_Validate(t *testing.T) {
	require.NoError(t, DefaultWeights().Validate())
	assert.InDelta(t, 1.0, DefaultWeights().Sum(), 1e-9)

	w := DefaultWeights()
	w.Liquidity = 0.35
	assert.Error(t, w.Validate())

	w = DefaultWeights()
	w.Liquidity = -0.05
	w.MarketCap = 0.30
	assert.Error(t, w.Validate())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.FailurePolicy = "maybe"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SafetyThreshold = 120
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.MaxMarketCap = cfg.MinMarketCap
	assert.Error(t, cfg.Validate())
}

// ---------------------------------------------------------------------------
// Individual checks
// ---------------------------------------------------------------------------

func TestCheckHolders(t *testing.T) {
	cfg := DefaultConfig()

	whale := Inputs{Holders: []solana.HolderInfo{{Percentage: 40}, {Percentage: 5}}}
	r := checkHolders(cfg, whale)
	assert.False(t, r.Passed)
	assert.LessOrEqual(t, r.Score, 40.0)
	assert.Contains(t, r.Reason, "single holder")

	spread := make([]solana.HolderInfo, 10)
	for i := range spread {
		spread[i].Percentage = 7
	}
	r = checkHolders(cfg, Inputs{Holders: spread})
	assert.False(t, r.Passed)
	assert.Contains(t, r.Reason, "top 10")

	r = checkHolders(cfg, Inputs{HoldersErr: errors.New("timeout")})
	assert.False(t, r.Passed)
	assert.Zero(t, r.Score)
}

func TestCheckContract(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		name   string
		token  solana.TokenInfo
		passed bool
		score  float64
	}{
		{"renounced", solana.TokenInfo{}, true, 100},
		{"mint active", solana.TokenInfo{MintAuthority: "auth"}, false, 50},
		{"freeze active", solana.TokenInfo{FreezeAuthority: "auth"}, false, 0},
		{"both active", solana.TokenInfo{MintAuthority: "a", FreezeAuthority: "b"}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := tt.token
			r := checkContract(cfg, Inputs{Token: &tok})
			assert.Equal(t, tt.passed, r.Passed)
			assert.Equal(t, tt.score, r.Score)
		})
	}
}

func TestCheckHoneypot(t *testing.T) {
	cfg := DefaultConfig()

	r := checkHoneypot(cfg, Inputs{RoundTripLossPct: 4})
	assert.True(t, r.Passed)
	assert.Equal(t, 96.0, r.Score)

	r = checkHoneypot(cfg, Inputs{RoundTripLossPct: 60})
	assert.False(t, r.Passed)
	assert.Equal(t, 15.0, r.Score)

	r = checkHoneypot(cfg, Inputs{RoundTripLossPct: 99})
	assert.False(t, r.Passed)
	assert.Zero(t, r.Score)
}

func TestCheckLiquidityAndMarketCap(t *testing.T) {
	cfg := DefaultConfig()

	r := checkLiquidity(cfg, Inputs{Candidate: discovery.Candidate{LiquidityUSD: 2500}})
	assert.False(t, r.Passed)
	assert.Equal(t, 50.0, r.Score)

	r = checkMarketCap(cfg, Inputs{Candidate: discovery.Candidate{MarketCap: 5000}})
	assert.False(t, r.Passed)
	assert.Equal(t, 50.0, r.Score)

	r = checkMarketCap(cfg, Inputs{Candidate: discovery.Candidate{MarketCap: 20_000_000}})
	assert.False(t, r.Passed)
	assert.Equal(t, 90.0, r.Score)
}

func TestCheckRugPull(t *testing.T) {
	cfg := DefaultConfig()

	clean := Inputs{Token: &solana.TokenInfo{}, Holders: []solana.HolderInfo{{Percentage: 10}}, LPLockedPct: 100}
	r := checkRugPull(cfg, clean)
	assert.True(t, r.Passed)
	assert.Equal(t, 100.0, r.Score)

	unlocked := clean
	unlocked.LPLockedPct = 0
	r = checkRugPull(cfg, unlocked)
	assert.True(t, r.Passed)
	assert.Equal(t, 60.0, r.Score)

	risky := Inputs{Token: &solana.TokenInfo{MintAuthority: "a"}, Holders: []solana.HolderInfo{{Percentage: 50}}}
	r = checkRugPull(cfg, risky)
	assert.False(t, r.Passed)
	assert.Equal(t, 20.0, r.Score)

	missing := Inputs{TokenErr: errors.New("x"), HoldersErr: errors.New("x"), LockErr: errors.New("x")}
	r = checkRugPull(cfg, missing)
	assert.False(t, r.Passed)
	assert.Zero(t, r.Score)
}

func TestCheckGrowth(t *testing.T) {
	cfg := DefaultConfig()

	young := discovery.Candidate{MarketCap: 30_000, Volume24h: 1000, CreatedAt: testNow.Add(-10 * time.Minute)}
	r := checkGrowth(cfg, Inputs{Candidate: young, Now: testNow})
	assert.True(t, r.Passed)
	assert.Equal(t, 95.0, r.Score)

	stale := discovery.Candidate{MarketCap: 5_000_000, Volume24h: 100, CreatedAt: testNow.Add(-20 * time.Hour)}
	r = checkGrowth(cfg, Inputs{Candidate: stale, Now: testNow})
	assert.False(t, r.Passed)
	assert.Zero(t, r.Score)
}

func TestCheckTokenomicsAndSocial(t *testing.T) {
	cfg := DefaultConfig()

	r := checkTokenomics(cfg, Inputs{Candidate: discovery.Candidate{Buys24h: 10, Sells24h: 90}})
	assert.False(t, r.Passed)
	assert.Equal(t, 20.0, r.Score)

	r = checkTokenomics(cfg, Inputs{})
	assert.False(t, r.Passed)

	r = checkSocial(cfg, Inputs{Candidate: discovery.Candidate{SocialKnown: true, SocialLinks: 1}})
	assert.True(t, r.Passed)
	assert.Equal(t, 70.0, r.Score)

	r = checkSocial(cfg, Inputs{Candidate: discovery.Candidate{SocialKnown: true}})
	assert.False(t, r.Passed)
}
