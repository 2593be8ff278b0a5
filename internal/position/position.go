package position

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a position.
type Status string

const (
	StatusPending Status = "pending" // buy in flight
	StatusOpen    Status = "open"
	StatusClosed  Status = "closed"
)

// CloseReason records why a position was closed.
type CloseReason string

const (
	ReasonTakeProfit        CloseReason = "take_profit"
	ReasonStopLoss          CloseReason = "stop_loss"
	ReasonMarketCapMultiple CloseReason = "market_cap_multiple"
	ReasonManual            CloseReason = "manual"
	ReasonError             CloseReason = "error" // buy never filled
)

// Event triggers a state transition.
type Event string

const (
	EventFill  Event = "FILL"
	EventAbort Event = "ABORT"
	EventClose Event = "CLOSE"
)

var (
	// ErrInvalidTransition is returned for any (status, event) pair missing
	// from the transition table.
	ErrInvalidTransition = errors.New("position: invalid transition")
	// ErrAlreadyOpen is returned when a wallet already holds a live position
	// in the token.
	ErrAlreadyOpen = errors.New("position: already open for token")
)

type transition struct {
	from  Status
	event Event
}

// transitions is the authoritative transition table. closed has no outgoing
// edges.
var transitions = map[transition]Status{
	{StatusPending, EventFill}:  StatusOpen,
	{StatusPending, EventAbort}: StatusClosed,
	{StatusOpen, EventClose}:    StatusClosed,
}

// Record is the persisted state of a position. Prices are in SOL per whole
// token.
type Record struct {
	ID     string `json:"id"`
	Wallet string `json:"wallet"`
	Token  string `json:"token"`
	Symbol string `json:"symbol"`

	Status      Status      `json:"status"`
	CloseReason CloseReason `json:"close_reason,omitempty"`

	EntryPrice      decimal.Decimal `json:"entry_price"`
	AmountBase      decimal.Decimal `json:"amount_base"` // SOL spent
	TokenAmount     decimal.Decimal `json:"token_amount"`
	TokenAmountRaw  uint64          `json:"token_amount_raw"`
	Decimals        uint8           `json:"decimals"`
	StopLossPrice   decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice decimal.Decimal `json:"take_profit_price"`
	EntryMarketCap  float64         `json:"entry_market_cap"`
	EntryTime       time.Time       `json:"entry_time"`
	TxID            string          `json:"tx_id"`

	CurrentPrice decimal.Decimal `json:"current_price"`
	LastUpdate   time.Time       `json:"last_update"`

	ExitPrice  decimal.Decimal `json:"exit_price"`
	ExitAmount decimal.Decimal `json:"exit_amount"` // SOL received
	ExitTxID   string          `json:"exit_tx_id,omitempty"`
	ExitTime   time.Time       `json:"exit_time"`
	ProfitSOL  decimal.Decimal `json:"profit_sol"`
	ROIPct     float64         `json:"roi_pct"`
	Error      string          `json:"error,omitempty"`

	DryRun    bool      `json:"dry_run"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnrealizedPct returns the P/L percentage at CurrentPrice.
func (r Record) UnrealizedPct() float64 {
	if !r.EntryPrice.IsPositive() || !r.CurrentPrice.IsPositive() {
		return 0
	}
	pct, _ := r.CurrentPrice.Sub(r.EntryPrice).Div(r.EntryPrice).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// Fill carries the confirmed buy.
type Fill struct {
	EntryPrice      decimal.Decimal
	AmountBase      decimal.Decimal
	TokenAmount     decimal.Decimal
	TokenAmountRaw  uint64
	Decimals        uint8
	StopLossPrice   decimal.Decimal
	TakeProfitPrice decimal.Decimal
	EntryMarketCap  float64
	TxID            string
}

// Exit carries the confirmed sell.
type Exit struct {
	Reason     CloseReason
	ExitPrice  decimal.Decimal
	ExitAmount decimal.Decimal
	TxID       string
}

// Position is a live trade. Safe for concurrent use.
type Position struct {
	mu  sync.Mutex
	rec Record

	// selling guards against two concurrent sells of the same position.
	selling atomic.Bool
}

// New creates a pending position.
func New(wallet, token, symbol string, dryRun bool) *Position {
	now := time.Now()
	return &Position{rec: Record{
		ID:        uuid.New().String(),
		Wallet:    wallet,
		Token:     token,
		Symbol:    symbol,
		Status:    StatusPending,
		DryRun:    dryRun,
		CreatedAt: now,
		UpdatedAt: now,
	}}
}

// FromRecord restores a position loaded from storage.
func FromRecord(rec Record) *Position {
	return &Position{rec: rec}
}

// Record returns a copy of the current state.
func (p *Position) Record() Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec
}

func (p *Position) ID() string { return p.rec.ID }
func (p *Position) Token() string { return p.rec.Token }
func (p *Position) Wallet() string { return p.rec.Wallet }

// Status returns the current status.
func (p *Position) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rec.Status
}

// Transition advances the state machine.
//
// data is interpreted based on the event type:
//   - EventFill:  *Fill
//   - EventClose: *Exit
//   - EventAbort: error (may be nil)
func (p *Position) Transition(event Event, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.rec.Status
	next, ok := transitions[transition{from: prev, event: event}]
	if !ok {
		return fmt.Errorf("%w: status=%s event=%s", ErrInvalidTransition, prev, event)
	}

	now := time.Now()
	switch event {
	case EventFill:
		f, ok := data.(*Fill)
		if !ok || f == nil {
			return fmt.Errorf("position: event %s requires *Fill, got %T", event, data)
		}
		if !f.EntryPrice.IsPositive() {
			return fmt.Errorf("position: entry price must be positive, got %s", f.EntryPrice)
		}
		p.rec.EntryPrice = f.EntryPrice
		p.rec.AmountBase = f.AmountBase
		p.rec.TokenAmount = f.TokenAmount
		p.rec.TokenAmountRaw = f.TokenAmountRaw
		p.rec.Decimals = f.Decimals
		p.rec.StopLossPrice = f.StopLossPrice
		p.rec.TakeProfitPrice = f.TakeProfitPrice
		p.rec.EntryMarketCap = f.EntryMarketCap
		p.rec.TxID = f.TxID
		p.rec.EntryTime = now
		p.rec.CurrentPrice = f.EntryPrice
		p.rec.LastUpdate = now

	case EventClose:
		x, ok := data.(*Exit)
		if !ok || x == nil {
			return fmt.Errorf("position: event %s requires *Exit, got %T", event, data)
		}
		p.rec.CloseReason = x.Reason
		p.rec.ExitPrice = x.ExitPrice
		p.rec.ExitAmount = x.ExitAmount
		p.rec.ExitTxID = x.TxID
		p.rec.ExitTime = now
		p.rec.ProfitSOL = x.ExitAmount.Sub(p.rec.AmountBase)
		if p.rec.AmountBase.IsPositive() {
			p.rec.ROIPct, _ = p.rec.ProfitSOL.Div(p.rec.AmountBase).Mul(decimal.NewFromInt(100)).Float64()
		}

	case EventAbort:
		p.rec.CloseReason = ReasonError
		p.rec.ExitTime = now
		if err, ok := data.(error); ok && err != nil {
			p.rec.Error = err.Error()
		}
	}

	p.rec.Status = next
	p.rec.UpdatedAt = now

	log.Info().
		Str("position_id", p.rec.ID).
		Str("token", p.rec.Token).
		Str("prev_status", string(prev)).
		Str("event", string(event)).
		Str("new_status", string(next)).
		Str("close_reason", string(p.rec.CloseReason)).
		Msg("position: state transition")

	return nil
}

// UpdatePrice records the latest observed price.
func (p *Position) UpdatePrice(price decimal.Decimal, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rec.CurrentPrice = price
	p.rec.LastUpdate = at
}

// TryLock claims the position for a sell. It returns false if another sell is
// already running.
func (p *Position) TryLock() bool {
	return p.selling.CompareAndSwap(false, true)
}

// Unlock releases the sell claim.
func (p *Position) Unlock() {
	p.selling.Store(false)
}

// CheckExit evaluates exit conditions in priority order: take-profit,
// stop-loss, then market-cap multiple. mcapMultiple <= 0 disables the last.
func CheckExit(r Record, price decimal.Decimal, marketCap, mcapMultiple float64) (CloseReason, bool) {
	if !price.IsPositive() {
		return "", false
	}
	if r.TakeProfitPrice.IsPositive() && price.GreaterThanOrEqual(r.TakeProfitPrice) {
		return ReasonTakeProfit, true
	}
	if r.StopLossPrice.IsPositive() && price.LessThanOrEqual(r.StopLossPrice) {
		return ReasonStopLoss, true
	}
	if mcapMultiple > 0 && r.EntryMarketCap > 0 && marketCap >= r.EntryMarketCap*mcapMultiple {
		return ReasonMarketCapMultiple, true
	}
	return "", false
}
