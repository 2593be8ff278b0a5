package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// EventType classifies trade events.
type EventType string

const (
	EventBuy        EventType = "buy"
	EventSell       EventType = "sell"
	EventBuyFailed  EventType = "buy_failed"
	EventSellFailed EventType = "sell_failed"
)

// Event is a trade notification. It is built from a position record so every
// sink sees the same fields.
type Event struct {
	ID         string               `json:"event_id"`
	Type       EventType            `json:"type"`
	PositionID string               `json:"position_id"`
	Wallet     string               `json:"wallet"`
	Token      string               `json:"token"`
	Symbol     string               `json:"symbol"`
	AmountSOL  decimal.Decimal      `json:"amount_sol"`
	Price      decimal.Decimal      `json:"price"`
	TxID       string               `json:"tx_id,omitempty"`
	Reason     position.CloseReason `json:"reason,omitempty"`
	ProfitSOL  decimal.Decimal      `json:"profit_sol"`
	ROIPct     float64              `json:"roi_pct"`
	DryRun     bool                 `json:"dry_run"`
	Error      string               `json:"error,omitempty"`
	Time       time.Time            `json:"time"`
}

// NewEvent builds an event from a record.
func NewEvent(t EventType, rec position.Record) Event {
	ev := Event{
		ID:         uuid.New().String(),
		Type:       t,
		PositionID: rec.ID,
		Wallet:     rec.Wallet,
		Token:      rec.Token,
		Symbol:     rec.Symbol,
		DryRun:     rec.DryRun,
		Error:      rec.Error,
		Time:       time.Now().UTC(),
	}
	switch t {
	case EventSell:
		ev.AmountSOL = rec.ExitAmount
		ev.Price = rec.ExitPrice
		ev.TxID = rec.ExitTxID
		ev.Reason = rec.CloseReason
		ev.ProfitSOL = rec.ProfitSOL
		ev.ROIPct = rec.ROIPct
	default:
		ev.AmountSOL = rec.AmountBase
		ev.Price = rec.EntryPrice
		ev.TxID = rec.TxID
	}
	return ev
}

// Notifier delivers events to one external sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// ---------------------------------------------------------------------------
// Multi: fire-and-forget fan-out
// ---------------------------------------------------------------------------

// Multi fans an event out to every notifier in its own goroutine. Failures
// are logged and counted, never returned.
type Multi struct {
	notifiers []Notifier
	timeout   time.Duration
	wg        sync.WaitGroup

	sent   atomic.Int64
	failed atomic.Int64
}

// NewMulti creates a fan-out. timeout bounds each delivery.
func NewMulti(timeout time.Duration, notifiers ...Notifier) *Multi {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Multi{notifiers: notifiers, timeout: timeout}
}

// Add registers another notifier. Not safe to call concurrently with Publish.
func (m *Multi) Add(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Publish delivers ev asynchronously. It never blocks on the sinks.
func (m *Multi) Publish(ev Event) {
	for _, n := range m.notifiers {
		m.wg.Add(1)
		go func(n Notifier) {
			defer m.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
			defer cancel()
			if err := n.Notify(ctx, ev); err != nil {
				m.failed.Add(1)
				log.Warn().Err(err).
					Str("notifier", n.Name()).
					Str("event", string(ev.Type)).
					Str("token", ev.Token).
					Msg("notify: delivery failed")
				return
			}
			m.sent.Add(1)
		}(n)
	}
}

// Wait blocks until in-flight deliveries finish.
func (m *Multi) Wait() {
	m.wg.Wait()
}

// MultiStats counts deliveries.
type MultiStats struct {
	Notifiers int   `json:"notifiers"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
}

func (m *Multi) Stats() MultiStats {
	return MultiStats{Notifiers: len(m.notifiers), Sent: m.sent.Load(), Failed: m.failed.Load()}
}

// ---------------------------------------------------------------------------
// Log
// ---------------------------------------------------------------------------

// Log writes events to the structured log.
type Log struct{}

func (Log) Name() string { return "log" }

func (Log) Notify(_ context.Context, ev Event) error {
	log.Info().
		Str("event", string(ev.Type)).
		Str("token", ev.Token).
		Str("symbol", ev.Symbol).
		Str("amount_sol", ev.AmountSOL.String()).
		Str("price", ev.Price.String()).
		Str("tx_id", ev.TxID).
		Str("reason", string(ev.Reason)).
		Float64("roi_pct", ev.ROIPct).
		Bool("dry_run", ev.DryRun).
		Msg("notify: trade event")
	return nil
}
