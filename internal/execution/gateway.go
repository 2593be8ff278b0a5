package execution

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/jupiter"
	"github.com/nexus-trading/autotrader/internal/notify"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/solana"
	"github.com/nexus-trading/autotrader/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Execution Gateway: quote, swap, sign, send, confirm
// ---------------------------------------------------------------------------

// Aggregator is the DEX aggregator capability the gateway needs.
type Aggregator interface {
	Quote(ctx context.Context, req jupiter.QuoteRequest) (*jupiter.Quote, error)
	SwapTx(ctx context.Context, quote *jupiter.Quote, userPubkey string, legacy bool) (*jupiter.SwapResponse, error)
}

// Publisher receives trade events. Delivery is fire-and-forget.
type Publisher interface {
	Publish(ev notify.Event)
}

// Config configures trade sizing and submission.
type Config struct {
	MaxTradeSOL   float64 `yaml:"max_trade_sol"`
	MinTradeSOL   float64 `yaml:"min_trade_sol"`
	BalanceMargin float64 `yaml:"balance_margin"` // usable fraction of wallet balance
	SlippageBps   int     `yaml:"slippage_bps"`
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`

	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`
	ConfirmInterval time.Duration `yaml:"confirm_interval"`
	// ExecTimeout bounds a whole buy or sell. Executions are detached from
	// the caller's cancellation so a shutdown never abandons a signed swap.
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	Preflight   bool          `yaml:"preflight"`

	DryRun           bool    `yaml:"dry_run"`
	PaperSlippageBps float64 `yaml:"paper_slippage_bps"`
	// PaperBalanceSOL is the wallet balance assumed in dry-run. 0 reads the
	// real balance of the configured wallet.
	PaperBalanceSOL float64 `yaml:"paper_balance_sol"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxTradeSOL:      0.01,
		MinTradeSOL:      0.005,
		BalanceMargin:    0.9,
		SlippageBps:      300,
		StopLossPct:      10,
		TakeProfitPct:    50,
		ConfirmTimeout:   60 * time.Second,
		ConfirmInterval:  time.Second,
		ExecTimeout:      2 * time.Minute,
		PaperSlippageBps: 50,
		PaperBalanceSOL:  1,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.MaxTradeSOL <= 0 {
		c.MaxTradeSOL = def.MaxTradeSOL
	}
	if c.MinTradeSOL <= 0 {
		c.MinTradeSOL = def.MinTradeSOL
	}
	if c.BalanceMargin <= 0 || c.BalanceMargin > 1 {
		c.BalanceMargin = def.BalanceMargin
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = def.SlippageBps
	}
	if c.StopLossPct <= 0 {
		c.StopLossPct = def.StopLossPct
	}
	if c.TakeProfitPct <= 0 {
		c.TakeProfitPct = def.TakeProfitPct
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = def.ConfirmTimeout
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = def.ConfirmInterval
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = def.ExecTimeout
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinTradeSOL > c.MaxTradeSOL {
		return fmt.Errorf("execution: min_trade_sol (%v) exceeds max_trade_sol (%v)", c.MinTradeSOL, c.MaxTradeSOL)
	}
	if c.SlippageBps > 5000 {
		return fmt.Errorf("execution: slippage_bps %d exceeds 5000", c.SlippageBps)
	}
	if c.StopLossPct >= 100 {
		return fmt.Errorf("execution: stop_loss_pct must be below 100")
	}
	if c.PaperBalanceSOL < 0 {
		return fmt.Errorf("execution: paper_balance_sol must not be negative")
	}
	return nil
}

// BuyRequest asks the gateway to open a position.
type BuyRequest struct {
	Token  string
	Symbol string
	// AmountSOL is the desired size; zero or above the configured maximum
	// means the maximum.
	AmountSOL decimal.Decimal
	// StopLossPct and TakeProfitPct override the configured exits when set.
	StopLossPct    float64
	TakeProfitPct  float64
	EntryMarketCap float64
}

// Result describes one buy or sell.
type Result struct {
	Success     bool            `json:"success"`
	TxID        string          `json:"tx_id,omitempty"`
	FilledPrice decimal.Decimal `json:"filled_price"` // SOL per token
	AmountSOL   decimal.Decimal `json:"amount_sol"`
	TokenAmount decimal.Decimal `json:"token_amount"`
	Legacy      bool            `json:"legacy"`
	DryRun      bool            `json:"dry_run"`
	LatencyMs   int64           `json:"latency_ms"`
	Error       string          `json:"error,omitempty"`
}

// swapOutcome is a confirmed (or simulated) swap in raw units.
type swapOutcome struct {
	in, out   uint64
	signature string
	legacy    bool
}

// Gateway executes buys and sells for one wallet. Safe for concurrent use.
type Gateway struct {
	config  Config
	agg     Aggregator
	rpc     solana.ChainRPC
	signer  solana.Signer
	book    *position.Book
	store   store.TradeStore
	history store.History
	events  Publisher

	buyAttempts     atomic.Int64
	buys            atomic.Int64
	buyFailures     atomic.Int64
	rejected        atomic.Int64
	sells           atomic.Int64
	sellFailures    atomic.Int64
	legacyFallbacks atomic.Int64
}

// NewGateway creates a gateway. trades, history and events may be nil.
func NewGateway(config Config, agg Aggregator, rpc solana.ChainRPC, signer solana.Signer, book *position.Book,
	trades store.TradeStore, history store.History, events Publisher) *Gateway {
	config.applyDefaults()
	return &Gateway{
		config:  config,
		agg:     agg,
		rpc:     rpc,
		signer:  signer,
		book:    book,
		store:   trades,
		history: history,
		events:  events,
	}
}

// Wallet returns the trading wallet address.
func (g *Gateway) Wallet() string {
	return string(g.signer.PublicKey())
}

// DryRun reports whether swaps are simulated.
func (g *Gateway) DryRun() bool {
	return g.config.DryRun
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config {
	return g.config
}

// ---------------------------------------------------------------------------
// Buy
// ---------------------------------------------------------------------------

// Buy swaps SOL into req.Token and returns the opened position. Failures are
// returned as *Error; the position slot is released on any failure.
func (g *Gateway) Buy(ctx context.Context, req BuyRequest) (Result, *position.Position, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.ExecTimeout)
	defer cancel()
	start := time.Now()
	g.buyAttempts.Add(1)

	p, err := g.book.Reserve(g.Wallet(), req.Token, req.Symbol, g.config.DryRun)
	if err != nil {
		g.rejected.Add(1)
		e := &Error{Stage: StageState, Token: req.Token, Err: ErrPositionOpen}
		log.Warn().Str("token", req.Token).Msg("execution: buy rejected, position already open")
		return Result{Error: e.Error()}, nil, e
	}

	fail := func(err error) (Result, *position.Position, error) {
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Stage: StageState, Token: req.Token, Err: err}
		}
		if abortErr := g.book.Abort(p, e); abortErr != nil {
			log.Error().Err(abortErr).Str("position_id", p.ID()).Msg("execution: abort failed")
		}
		rec := p.Record()
		switch e.Stage {
		case StageSize, StageBalance:
			g.rejected.Add(1)
		default:
			g.buyFailures.Add(1)
			if e.Stage == StageConfirm && g.store != nil {
				// The swap may still land; keep the record for reconciliation.
				if err := g.store.Save(ctx, rec); err != nil {
					log.Warn().Err(err).Str("position_id", rec.ID).Msg("execution: failed to save aborted buy")
				}
			}
			g.publish(notify.EventBuyFailed, rec)
		}
		log.Warn().Err(e.Err).
			Str("token", req.Token).
			Str("symbol", req.Symbol).
			Str("stage", string(e.Stage)).
			Msg("execution: buy failed")
		return Result{Error: e.Error(), DryRun: g.config.DryRun, LatencyMs: time.Since(start).Milliseconds()}, nil, e
	}

	balance, err := g.balance(ctx)
	if err != nil {
		return fail(&Error{Stage: StageBalance, Token: req.Token, Err: err})
	}
	size, err := g.size(req.AmountSOL, balance)
	if err != nil {
		return fail(&Error{Stage: StageSize, Token: req.Token, Err: err})
	}

	info, err := g.rpc.GetTokenInfo(ctx, solana.Pubkey(req.Token))
	if err != nil {
		return fail(&Error{Stage: StageToken, Token: req.Token, Err: err})
	}

	outcome, err := g.execute(ctx, jupiter.QuoteRequest{
		InputMint:   string(solana.SOLMint),
		OutputMint:  req.Token,
		Amount:      solana.SOLToLamports(size),
		SlippageBps: g.config.SlippageBps,
	}, req.Token)
	if err != nil {
		return fail(err)
	}

	amountSOL := solana.LamportsToSOL(outcome.in)
	tokens := decimal.NewFromBigInt(new(big.Int).SetUint64(outcome.out), -int32(info.Decimals))
	price := amountSOL.Div(tokens)

	slPct, tpPct := g.config.StopLossPct, g.config.TakeProfitPct
	if req.StopLossPct > 0 {
		slPct = req.StopLossPct
	}
	if req.TakeProfitPct > 0 {
		tpPct = req.TakeProfitPct
	}
	one, hundred := decimal.NewFromInt(1), decimal.NewFromInt(100)

	fill := &position.Fill{
		EntryPrice:      price,
		AmountBase:      amountSOL,
		TokenAmount:     tokens,
		TokenAmountRaw:  outcome.out,
		Decimals:        info.Decimals,
		StopLossPrice:   price.Mul(one.Sub(decimal.NewFromFloat(slPct).Div(hundred))),
		TakeProfitPrice: price.Mul(one.Add(decimal.NewFromFloat(tpPct).Div(hundred))),
		EntryMarketCap:  req.EntryMarketCap,
		TxID:            outcome.signature,
	}
	if err := g.book.Fill(p, fill); err != nil {
		return fail(err)
	}

	rec := p.Record()
	if g.store != nil {
		if err := g.store.Save(ctx, rec); err != nil {
			log.Warn().Err(err).Str("position_id", rec.ID).Msg("execution: failed to persist position")
		}
	}
	g.buys.Add(1)
	g.publish(notify.EventBuy, rec)

	log.Info().
		Str("position_id", rec.ID).
		Str("token", req.Token).
		Str("symbol", req.Symbol).
		Str("amount_sol", amountSOL.String()).
		Str("tokens", tokens.String()).
		Str("price_sol", price.String()).
		Str("tx_id", outcome.signature).
		Bool("legacy", outcome.legacy).
		Bool("dry_run", g.config.DryRun).
		Msg("execution: buy confirmed")

	return Result{
		Success:     true,
		TxID:        outcome.signature,
		FilledPrice: price,
		AmountSOL:   amountSOL,
		TokenAmount: tokens,
		Legacy:      outcome.legacy,
		DryRun:      g.config.DryRun,
		LatencyMs:   time.Since(start).Milliseconds(),
	}, p, nil
}

// balance returns the wallet's SOL balance, or the paper balance in dry-run.
func (g *Gateway) balance(ctx context.Context) (decimal.Decimal, error) {
	if g.config.DryRun && g.config.PaperBalanceSOL > 0 {
		return decimal.NewFromFloat(g.config.PaperBalanceSOL), nil
	}
	return g.rpc.GetBalance(ctx, g.signer.PublicKey())
}

// size caps the requested amount at the configured maximum and the usable
// balance, and rejects anything below the minimum.
func (g *Gateway) size(requested, balance decimal.Decimal) (decimal.Decimal, error) {
	maxSize := decimal.NewFromFloat(g.config.MaxTradeSOL)
	minSize := decimal.NewFromFloat(g.config.MinTradeSOL)

	size := requested
	if !size.IsPositive() || size.GreaterThan(maxSize) {
		size = maxSize
	}
	available := balance.Mul(decimal.NewFromFloat(g.config.BalanceMargin))
	if available.LessThan(size) {
		size = available
	}
	if size.LessThan(minSize) {
		return decimal.Zero, fmt.Errorf("%w: %s SOL usable of %s SOL balance, minimum %s SOL",
			ErrBelowMinimumSize, available.StringFixed(6), balance.StringFixed(6), minSize.String())
	}
	return size, nil
}

// ---------------------------------------------------------------------------
// Sell
// ---------------------------------------------------------------------------

// Sell swaps the whole position back to SOL and closes it with reason. On
// failure the position stays open.
func (g *Gateway) Sell(ctx context.Context, p *position.Position, reason position.CloseReason) (Result, error) {
	if !p.TryLock() {
		return Result{}, &Error{Stage: StageState, Token: p.Token(), Err: ErrSellInProgress}
	}
	defer p.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.config.ExecTimeout)
	defer cancel()
	start := time.Now()

	rec := p.Record()
	fail := func(err error) (Result, error) {
		var e *Error
		if !errors.As(err, &e) {
			e = &Error{Stage: StageState, Token: rec.Token, Err: err}
		}
		g.sellFailures.Add(1)
		failed := rec
		failed.Error = e.Error()
		g.publish(notify.EventSellFailed, failed)
		log.Warn().Err(e.Err).
			Str("position_id", rec.ID).
			Str("token", rec.Token).
			Str("stage", string(e.Stage)).
			Str("reason", string(reason)).
			Msg("execution: sell failed, position stays open")
		return Result{Error: e.Error(), DryRun: g.config.DryRun, LatencyMs: time.Since(start).Milliseconds()}, e
	}

	if rec.Status != position.StatusOpen {
		return fail(fmt.Errorf("%w: status %s", position.ErrInvalidTransition, rec.Status))
	}
	if rec.TokenAmountRaw == 0 {
		return fail(fmt.Errorf("position %s holds no tokens", rec.ID))
	}

	outcome, err := g.execute(ctx, jupiter.QuoteRequest{
		InputMint:   rec.Token,
		OutputMint:  string(solana.SOLMint),
		Amount:      rec.TokenAmountRaw,
		SlippageBps: g.config.SlippageBps,
	}, rec.Token)
	if err != nil {
		return fail(err)
	}

	exitSOL := solana.LamportsToSOL(outcome.out)
	exitPrice := decimal.Zero
	if rec.TokenAmount.IsPositive() {
		exitPrice = exitSOL.Div(rec.TokenAmount)
	}
	if err := g.book.Close(p, &position.Exit{
		Reason:     reason,
		ExitPrice:  exitPrice,
		ExitAmount: exitSOL,
		TxID:       outcome.signature,
	}); err != nil {
		return fail(err)
	}

	rec = p.Record()
	if g.store != nil {
		if err := g.store.Update(ctx, rec); err != nil {
			log.Warn().Err(err).Str("position_id", rec.ID).Msg("execution: failed to persist closed position")
		}
	}
	if g.history != nil {
		if err := g.history.Append(ctx, rec); err != nil {
			log.Warn().Err(err).Str("position_id", rec.ID).Msg("execution: failed to append trade history")
		}
	}
	g.sells.Add(1)
	g.publish(notify.EventSell, rec)

	log.Info().
		Str("position_id", rec.ID).
		Str("token", rec.Token).
		Str("reason", string(reason)).
		Str("exit_sol", exitSOL.String()).
		Str("profit_sol", rec.ProfitSOL.String()).
		Float64("roi_pct", rec.ROIPct).
		Str("tx_id", outcome.signature).
		Bool("dry_run", g.config.DryRun).
		Msg("execution: sell confirmed")

	return Result{
		Success:     true,
		TxID:        outcome.signature,
		FilledPrice: exitPrice,
		AmountSOL:   exitSOL,
		TokenAmount: rec.TokenAmount,
		Legacy:      outcome.legacy,
		DryRun:      g.config.DryRun,
		LatencyMs:   time.Since(start).Milliseconds(),
	}, nil
}

// ---------------------------------------------------------------------------
// Swap pipeline
// ---------------------------------------------------------------------------

// execute quotes and, unless dry-running, swaps, signs, sends and confirms.
// A versioned transaction that is rejected falls back once to a legacy one.
// A confirmation timeout does not fall back: the first swap may still land.
func (g *Gateway) execute(ctx context.Context, req jupiter.QuoteRequest, token string) (swapOutcome, error) {
	quote, err := g.quote(ctx, req, token)
	if err != nil {
		return swapOutcome{}, err
	}

	if g.config.DryRun {
		in, out, err := quoteAmounts(quote, token)
		if err != nil {
			return swapOutcome{}, err
		}
		return swapOutcome{in: in, out: paperFill(out, g.config.PaperSlippageBps), signature: paperSignature()}, nil
	}

	sig, err := g.swapSignSend(ctx, quote, false, token)
	if err == nil {
		if err = g.confirm(ctx, sig, token); err == nil {
			in, out, err := quoteAmounts(quote, token)
			return swapOutcome{in: in, out: out, signature: string(sig)}, err
		}
		if !errors.Is(err, ErrTxFailed) {
			return swapOutcome{}, err
		}
	}
	if ctx.Err() != nil {
		return swapOutcome{}, err
	}

	g.legacyFallbacks.Add(1)
	log.Warn().Err(err).Str("token", token).Msg("execution: versioned transaction rejected, retrying as legacy")

	legacyReq := req
	legacyReq.Legacy = true
	quote, err = g.quote(ctx, legacyReq, token)
	if err != nil {
		return swapOutcome{}, err
	}
	sig, err = g.swapSignSend(ctx, quote, true, token)
	if err != nil {
		return swapOutcome{}, err
	}
	if err := g.confirm(ctx, sig, token); err != nil {
		return swapOutcome{}, err
	}
	in, out, err := quoteAmounts(quote, token)
	return swapOutcome{in: in, out: out, signature: string(sig), legacy: true}, err
}

func (g *Gateway) quote(ctx context.Context, req jupiter.QuoteRequest, token string) (*jupiter.Quote, error) {
	quote, err := g.agg.Quote(ctx, req)
	if err != nil {
		return nil, &Error{Stage: StageQuote, Token: token, Err: err}
	}
	if _, _, err := quoteAmounts(quote, token); err != nil {
		return nil, err
	}
	log.Debug().
		Str("token", token).
		Str("in_amount", quote.InAmount).
		Str("out_amount", quote.OutAmount).
		Str("price_impact_pct", quote.PriceImpactPct).
		Bool("legacy", req.Legacy).
		Msg("execution: quote received")
	return quote, nil
}

func quoteAmounts(q *jupiter.Quote, token string) (uint64, uint64, error) {
	in, err := q.InAmountRaw()
	if err != nil {
		return 0, 0, &Error{Stage: StageQuote, Token: token, Err: err}
	}
	out, err := q.OutAmountRaw()
	if err != nil {
		return 0, 0, &Error{Stage: StageQuote, Token: token, Err: err}
	}
	if in == 0 || out == 0 {
		return 0, 0, &Error{Stage: StageQuote, Token: token, Err: fmt.Errorf("quote has zero amount (in=%d out=%d)", in, out)}
	}
	return in, out, nil
}

func (g *Gateway) swapSignSend(ctx context.Context, quote *jupiter.Quote, legacy bool, token string) (solana.Signature, error) {
	swap, err := g.agg.SwapTx(ctx, quote, g.Wallet(), legacy)
	if err != nil {
		return "", &Error{Stage: StageSwap, Token: token, Err: err}
	}
	signed, err := g.signer.Sign(ctx, swap.SwapTransaction)
	if err != nil {
		return "", &Error{Stage: StageSign, Token: token, Err: err}
	}
	sig, err := g.rpc.SendTransaction(ctx, signed, solana.SendOptions{SkipPreflight: !g.config.Preflight, MaxRetries: 3})
	if err != nil {
		return "", &Error{Stage: StageSend, Token: token, Err: err}
	}
	log.Info().Str("token", token).Str("tx_id", string(sig)).Bool("legacy", legacy).Msg("execution: transaction sent")
	return sig, nil
}

// confirm polls the signature status until it lands, fails, or times out.
func (g *Gateway) confirm(ctx context.Context, sig solana.Signature, token string) error {
	cctx, cancel := context.WithTimeout(ctx, g.config.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(g.config.ConfirmInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := g.rpc.GetSignatureStatus(cctx, sig)
		switch {
		case err != nil:
			lastErr = err
		case status.Landed():
			log.Info().Str("token", token).Str("tx_id", string(sig)).Str("status", string(status)).Msg("execution: transaction confirmed")
			return nil
		case status == solana.TxFailed:
			return &Error{Stage: StageConfirm, Token: token, Err: fmt.Errorf("%w: %s", ErrTxFailed, sig)}
		}

		select {
		case <-cctx.Done():
			err := fmt.Errorf("%w after %s: %s", ErrConfirmTimeout, g.config.ConfirmTimeout, sig)
			if lastErr != nil {
				err = fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return &Error{Stage: StageConfirm, Token: token, Err: err}
		case <-ticker.C:
		}
	}
}

func (g *Gateway) publish(t notify.EventType, rec position.Record) {
	if g.events != nil {
		g.events.Publish(notify.NewEvent(t, rec))
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats counts execution outcomes.
type Stats struct {
	BuyAttempts     int64 `json:"buy_attempts"`
	Buys            int64 `json:"buys"`
	BuyFailures     int64 `json:"buy_failures"`
	Rejected        int64 `json:"rejected"`
	Sells           int64 `json:"sells"`
	SellFailures    int64 `json:"sell_failures"`
	LegacyFallbacks int64 `json:"legacy_fallbacks"`
	DryRun          bool  `json:"dry_run"`
}

func (g *Gateway) Stats() Stats {
	return Stats{
		BuyAttempts:     g.buyAttempts.Load(),
		Buys:            g.buys.Load(),
		BuyFailures:     g.buyFailures.Load(),
		Rejected:        g.rejected.Load(),
		Sells:           g.sells.Load(),
		SellFailures:    g.sellFailures.Load(),
		LegacyFallbacks: g.legacyFallbacks.Load(),
		DryRun:          g.config.DryRun,
	}
}
