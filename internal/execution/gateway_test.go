package execution

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/autotrader/internal/jupiter"
	"github.com/nexus-trading/autotrader/internal/notify"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/nexus-trading/autotrader/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "TokenMint1111111111111111111111111111111111"

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

type stubAggregator struct {
	mu       sync.Mutex
	quotes   []jupiter.QuoteRequest
	swaps    []bool // legacy flag per swap request
	quoteErr error
	swapErr  error
	buyOut   uint64 // raw tokens per buy quote
	sellOut  uint64 // lamports per sell quote
}

func (s *stubAggregator) Quote(_ context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes = append(s.quotes, req)
	if s.quoteErr != nil {
		return nil, s.quoteErr
	}
	out := s.sellOut
	if req.InputMint == string(solana.SOLMint) {
		out = s.buyOut
	}
	return &jupiter.Quote{
		InputMint:  req.InputMint,
		OutputMint: req.OutputMint,
		InAmount:   strconv.FormatUint(req.Amount, 10),
		OutAmount:  strconv.FormatUint(out, 10),
	}, nil
}

func (s *stubAggregator) SwapTx(_ context.Context, _ *jupiter.Quote, _ string, legacy bool) (*jupiter.SwapResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swaps = append(s.swaps, legacy)
	if s.swapErr != nil {
		return nil, s.swapErr
	}
	return &jupiter.SwapResponse{SwapTransaction: "dHg="}, nil
}

func (s *stubAggregator) quoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.quotes)
}

// statusRPC overrides the confirmation status of specific signatures.
type statusRPC struct {
	*solana.StubRPCClient
	statuses map[solana.Signature]solana.TxStatus
}

func (r *statusRPC) GetSignatureStatus(ctx context.Context, sig solana.Signature) (solana.TxStatus, error) {
	if s, ok := r.statuses[sig]; ok {
		return s, nil
	}
	return r.StubRPCClient.GetSignatureStatus(ctx, sig)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingPublisher) Publish(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type fixture struct {
	gw      *Gateway
	agg     *stubAggregator
	rpc     *statusRPC
	book    *position.Book
	trades  *store.Memory
	history *store.Memory
	events  *recordingPublisher
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	stub := solana.NewStubRPCClient()
	stub.AddToken(solana.TokenInfo{Mint: testToken, Decimals: 6})
	rpc := &statusRPC{StubRPCClient: stub, statuses: map[solana.Signature]solana.TxStatus{}}

	cfg := DefaultConfig()
	cfg.ConfirmInterval = time.Millisecond
	cfg.ConfirmTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	f := &fixture{
		agg:     &stubAggregator{buyOut: 5_000_000, sellOut: 15_000_000},
		rpc:     rpc,
		book:    position.NewBook(),
		trades:  store.NewMemory(),
		history: store.NewMemory(),
		events:  &recordingPublisher{},
	}
	f.gw = NewGateway(cfg, f.agg, rpc, &solana.StubSigner{Pub: "WalletPub"}, f.book, f.trades, f.history, f.events)
	return f
}

func buyReq() BuyRequest {
	return BuyRequest{Token: testToken, Symbol: "TKN", EntryMarketCap: 50_000}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ---------------------------------------------------------------------------
// Buy
// ---------------------------------------------------------------------------

func TestBuy_Success(t *testing.T) {
	f := newFixture(t, nil)

	res, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, res.Success)
	assert.Equal(t, "stub-sig-1", res.TxID)
	assert.False(t, res.Legacy)
	assert.True(t, res.AmountSOL.Equal(d("0.01")))
	assert.True(t, res.TokenAmount.Equal(d("5")))
	assert.True(t, res.FilledPrice.Equal(d("0.002")), "price %s", res.FilledPrice)

	rec := p.Record()
	assert.Equal(t, position.StatusOpen, rec.Status)
	assert.Equal(t, "WalletPub", rec.Wallet)
	assert.True(t, rec.StopLossPrice.Equal(d("0.0018")), "sl %s", rec.StopLossPrice)
	assert.True(t, rec.TakeProfitPrice.Equal(d("0.003")), "tp %s", rec.TakeProfitPrice)
	assert.Equal(t, uint64(5_000_000), rec.TokenAmountRaw)
	assert.Equal(t, 50_000.0, rec.EntryMarketCap)

	require.Len(t, f.agg.quotes, 1)
	assert.Equal(t, uint64(10_000_000), f.agg.quotes[0].Amount)
	assert.Equal(t, 300, f.agg.quotes[0].SlippageBps)

	opts, ok := f.rpc.LastSendOptions()
	require.True(t, ok)
	assert.True(t, opts.SkipPreflight)

	saved, ok := f.trades.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, position.StatusOpen, saved.Status)
	assert.Equal(t, []notify.EventType{notify.EventBuy}, f.events.types())
	assert.Equal(t, int64(1), f.gw.Stats().Buys)
}

func TestBuy_RejectsOpenPosition(t *testing.T) {
	f := newFixture(t, nil)
	_, _, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)

	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrPositionOpen))
	assert.True(t, errors.Is(err, position.ErrAlreadyOpen))
	assert.Equal(t, StageState, StageOf(err))
	assert.Equal(t, 1, f.agg.quoteCount(), "second buy never reaches the aggregator")
}

func TestBuy_BelowMinimumSkipsAggregator(t *testing.T) {
	f := newFixture(t, nil)
	f.rpc.SetBalance(d("0.004"))

	res, p, err := f.gw.Buy(context.Background(), buyReq())
	require.Error(t, err)
	assert.Nil(t, p)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(err, ErrBelowMinimumSize))
	assert.Equal(t, StageSize, StageOf(err))
	assert.Zero(t, f.agg.quoteCount())
	assert.Zero(t, f.book.Len())
	assert.Empty(t, f.events.types())
	assert.Equal(t, int64(1), f.gw.Stats().Rejected)
}

func TestBuy_SizedToBalance(t *testing.T) {
	f := newFixture(t, nil)
	f.rpc.SetBalance(d("0.007"))

	_, _, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)
	require.Len(t, f.agg.quotes, 1)
	assert.Equal(t, uint64(6_300_000), f.agg.quotes[0].Amount)
}

func TestBuy_QuoteFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, nil)
	f.agg.quoteErr = errors.New("no route")

	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.Error(t, err)
	assert.Nil(t, p)
	assert.Equal(t, StageQuote, StageOf(err))
	assert.Zero(t, f.book.Len())
	assert.Equal(t, []notify.EventType{notify.EventBuyFailed}, f.events.types())

	f.agg.quoteErr = nil
	_, _, err = f.gw.Buy(context.Background(), buyReq())
	assert.NoError(t, err)
}

func TestBuy_TokenLookupFailure(t *testing.T) {
	f := newFixture(t, nil)
	req := buyReq()
	req.Token = "UnknownMint"

	_, _, err := f.gw.Buy(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, StageToken, StageOf(err))
	assert.Zero(t, f.agg.quoteCount())
}

func TestBuy_LegacyFallback(t *testing.T) {
	f := newFixture(t, nil)
	f.rpc.statuses["stub-sig-1"] = solana.TxFailed

	res, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.True(t, res.Legacy)
	assert.Equal(t, "stub-sig-2", res.TxID)
	assert.Equal(t, []bool{false, true}, f.agg.swaps)
	require.Len(t, f.agg.quotes, 2)
	assert.True(t, f.agg.quotes[1].Legacy)
	assert.Equal(t, int64(1), f.gw.Stats().LegacyFallbacks)
}

func TestBuy_LegacyFallbackFails(t *testing.T) {
	f := newFixture(t, nil)
	f.rpc.statuses["stub-sig-1"] = solana.TxFailed
	f.rpc.statuses["stub-sig-2"] = solana.TxFailed

	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrTxFailed))
	assert.Len(t, f.agg.swaps, 2, "exactly one fallback")
	assert.Zero(t, f.book.Len())
}

func TestBuy_ConfirmTimeoutDoesNotFallBack(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.ConfirmTimeout = 50 * time.Millisecond
		c.ConfirmInterval = 5 * time.Millisecond
	})
	f.rpc.SetStatus(solana.TxPending)

	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.Error(t, err)
	assert.Nil(t, p)
	assert.True(t, errors.Is(err, ErrConfirmTimeout))
	assert.Equal(t, StageConfirm, StageOf(err))
	assert.Len(t, f.agg.swaps, 1)

	all := f.trades.All()
	require.Len(t, all, 1, "unconfirmed buy kept for reconciliation")
	assert.Equal(t, position.StatusClosed, all[0].Status)
	assert.Equal(t, position.ReasonError, all[0].CloseReason)
}

func TestBuy_DryRun(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.DryRun = true
		c.PaperSlippageBps = 100
	})

	res, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.True(t, strings.HasPrefix(res.TxID, "dry-run-"))
	assert.Equal(t, uint64(4_950_000), p.Record().TokenAmountRaw)
	assert.True(t, p.Record().DryRun)
	assert.Empty(t, f.rpc.Sent())
	assert.Empty(t, f.agg.swaps)
}

func TestBuy_DryRunUsesPaperBalance(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.DryRun = true
		c.PaperBalanceSOL = 0.5
	})
	f.rpc.SetBalance(decimal.Zero)

	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, uint64(10_000_000), f.agg.quotes[0].Amount)
}

func TestBuy_DryRunPaperBalanceBelowMinimum(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.DryRun = true
		c.PaperBalanceSOL = 0.004
	})

	_, _, err := f.gw.Buy(context.Background(), buyReq())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBelowMinimumSize))
	assert.Zero(t, f.agg.quoteCount())
}

func TestBuy_RequestExitsOverrideConfig(t *testing.T) {
	f := newFixture(t, nil)
	req := buyReq()
	req.StopLossPct = 20
	req.TakeProfitPct = 200

	_, p, err := f.gw.Buy(context.Background(), req)
	require.NoError(t, err)
	rec := p.Record()
	assert.True(t, rec.StopLossPrice.Equal(d("0.0016")), "sl %s", rec.StopLossPrice)
	assert.True(t, rec.TakeProfitPrice.Equal(d("0.006")), "tp %s", rec.TakeProfitPrice)
}

func TestBuy_RawAmountAboveInt64(t *testing.T) {
	f := newFixture(t, nil)
	f.agg.buyOut = math.MaxUint64

	res, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)
	assert.True(t, res.TokenAmount.Equal(d("18446744073709.551615")), "tokens %s", res.TokenAmount)
	assert.True(t, res.FilledPrice.IsPositive())
	assert.Equal(t, uint64(math.MaxUint64), p.Record().TokenAmountRaw)
}

func TestBuy_SurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := f.gw.Buy(ctx, buyReq())
	assert.NoError(t, err, "executions are detached from the caller's context")
}

// ---------------------------------------------------------------------------
// Sell
// ---------------------------------------------------------------------------

func TestSell_ClosesPosition(t *testing.T) {
	f := newFixture(t, nil)
	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)

	res, err := f.gw.Sell(context.Background(), p, position.ReasonTakeProfit)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "stub-sig-2", res.TxID)
	assert.True(t, res.AmountSOL.Equal(d("0.015")))
	assert.True(t, res.FilledPrice.Equal(d("0.003")))

	last := f.agg.quotes[len(f.agg.quotes)-1]
	assert.Equal(t, testToken, last.InputMint)
	assert.Equal(t, string(solana.SOLMint), last.OutputMint)
	assert.Equal(t, uint64(5_000_000), last.Amount)

	rec := p.Record()
	assert.Equal(t, position.StatusClosed, rec.Status)
	assert.Equal(t, position.ReasonTakeProfit, rec.CloseReason)
	assert.InDelta(t, 50.0, rec.ROIPct, 1e-9)
	assert.Zero(t, f.book.Len())

	saved, ok := f.trades.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, position.StatusClosed, saved.Status)
	assert.Len(t, f.history.All(), 1)
	assert.Equal(t, []notify.EventType{notify.EventBuy, notify.EventSell}, f.events.types())
}

func TestSell_FailureKeepsPositionOpen(t *testing.T) {
	f := newFixture(t, nil)
	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)

	f.agg.swapErr = errors.New("aggregator down")
	_, err = f.gw.Sell(context.Background(), p, position.ReasonStopLoss)
	require.Error(t, err)
	assert.Equal(t, StageSwap, StageOf(err))
	assert.Equal(t, position.StatusOpen, p.Status())
	assert.Len(t, f.book.Open(), 1)
	assert.Equal(t, int64(1), f.gw.Stats().SellFailures)

	f.agg.swapErr = nil
	_, err = f.gw.Sell(context.Background(), p, position.ReasonStopLoss)
	assert.NoError(t, err, "retried on a later tick")
}

func TestSell_RejectsConcurrentSell(t *testing.T) {
	f := newFixture(t, nil)
	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)

	require.True(t, p.TryLock())
	_, err = f.gw.Sell(context.Background(), p, position.ReasonManual)
	assert.True(t, errors.Is(err, ErrSellInProgress))
	p.Unlock()
}

func TestSell_ClosedPositionRejected(t *testing.T) {
	f := newFixture(t, nil)
	_, p, err := f.gw.Buy(context.Background(), buyReq())
	require.NoError(t, err)
	_, err = f.gw.Sell(context.Background(), p, position.ReasonManual)
	require.NoError(t, err)

	_, err = f.gw.Sell(context.Background(), p, position.ReasonManual)
	assert.True(t, errors.Is(err, position.ErrInvalidTransition))
}

// ---------------------------------------------------------------------------
// Sizing
// ---------------------------------------------------------------------------

func TestSize(t *testing.T) {
	g := NewGateway(Config{MaxTradeSOL: 0.1, MinTradeSOL: 0.01, BalanceMargin: 0.9}, nil, nil, nil, nil, nil, nil, nil)

	tests := []struct {
		name      string
		requested string
		balance   string
		want      string
		wantErr   bool
	}{
		{"default to max", "0", "10", "0.1", false},
		{"requested below max", "0.05", "10", "0.05", false},
		{"requested above max", "5", "10", "0.1", false},
		{"capped by balance", "0", "0.1", "0.09", false},
		{"below minimum", "0", "0.01", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.size(d(tt.requested), d(tt.balance))
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrBelowMinimumSize))
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(d(tt.want)), "got %s", got)
		})
	}
}

func TestPaperFill(t *testing.T) {
	assert.Equal(t, uint64(990), paperFill(1000, 100))
	assert.Equal(t, uint64(1000), paperFill(1000, 0))
	assert.Zero(t, paperFill(1000, 20_000))
}
