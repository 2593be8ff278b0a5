package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/store"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("clickhouse: history writer is closed")

const tradeHistoryDDL = `
CREATE TABLE IF NOT EXISTS %s (
	position_id   String,
	wallet        LowCardinality(String),
	token         String,
	symbol        String,
	close_reason  LowCardinality(String),
	entry_time    DateTime64(3),
	exit_time     DateTime64(3),
	entry_price   Float64,
	exit_price    Float64,
	amount_sol    Float64,
	exit_sol      Float64,
	profit_sol    Float64,
	roi_pct       Float64,
	entry_mcap    Float64,
	entry_tx      String,
	exit_tx       String,
	dry_run       Bool
) ENGINE = MergeTree
ORDER BY (wallet, exit_time)`

// HistoryWriter batches closed trades into the trade_history table. Rows are
// flushed when the batch fills, on the flush interval, and on Close.
type HistoryWriter struct {
	client        *Client
	database      string
	batchSize     int
	flushInterval time.Duration

	mu     sync.Mutex
	buf    []position.Record
	closed bool

	flushCount atomic.Int64
	rowCount   atomic.Int64
	errorCount atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	// flushHook replaces real writes during testing.
	flushHook func(ctx context.Context, table string, rows [][]any) error
}

var _ store.History = (*HistoryWriter)(nil)

// NewHistoryWriter creates a batch writer. database may be empty.
func NewHistoryWriter(client *Client, database string, batchSize int, flushInterval time.Duration) *HistoryWriter {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	return &HistoryWriter{
		client:        client,
		database:      database,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		buf:           make([]position.Record, 0, batchSize),
	}
}

func (w *HistoryWriter) table() string {
	if w.database == "" {
		return "trade_history"
	}
	return w.database + ".trade_history"
}

// Migrate creates the trade_history table if it does not exist.
func (w *HistoryWriter) Migrate(ctx context.Context) error {
	if err := w.client.Conn().Exec(ctx, fmt.Sprintf(tradeHistoryDDL, w.table())); err != nil {
		return fmt.Errorf("create %s: %w", w.table(), err)
	}
	return nil
}

// Append buffers a closed trade.
func (w *HistoryWriter) Append(ctx context.Context, rec position.Record) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.buf = append(w.buf, rec)
	needsFlush := len(w.buf) >= w.batchSize
	w.mu.Unlock()

	if needsFlush {
		return w.Flush(ctx)
	}
	return nil
}

// Start begins the background flush loop.
func (w *HistoryWriter) Start(ctx context.Context) {
	bgCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()

		log.Info().
			Str("table", w.table()).
			Int("batch_size", w.batchSize).
			Dur("flush_interval", w.flushInterval).
			Msg("clickhouse: history writer started")

		for {
			select {
			case <-bgCtx.Done():
				return
			case <-ticker.C:
				if err := w.Flush(bgCtx); err != nil {
					log.Error().Err(err).Msg("clickhouse: periodic flush error")
				}
			}
		}
	}()
}

// Flush writes all buffered rows. Rows of a failed flush are dropped.
func (w *HistoryWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	recs := w.buf
	w.buf = make([]position.Record, 0, w.batchSize)
	w.mu.Unlock()

	if len(recs) == 0 {
		return nil
	}

	rows := make([][]any, len(recs))
	for i, r := range recs {
		rows[i] = toRow(r)
	}

	var err error
	if w.flushHook != nil {
		err = w.flushHook(ctx, w.table(), rows)
	} else {
		err = w.send(ctx, rows)
	}
	w.flushCount.Add(1)
	if err != nil {
		w.errorCount.Add(1)
		log.Error().Err(err).Int("count", len(rows)).Msg("clickhouse: flush trade history failed")
		return err
	}
	w.rowCount.Add(int64(len(rows)))
	log.Debug().Int("rows", len(rows)).Msg("clickhouse: trade history flushed")
	return nil
}

func (w *HistoryWriter) send(ctx context.Context, rows [][]any) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (position_id, wallet, token, symbol, close_reason, "+
			"entry_time, exit_time, entry_price, exit_price, amount_sol, exit_sol, "+
			"profit_sol, roi_pct, entry_mcap, entry_tx, exit_tx, dry_run)",
		w.table())

	batch, err := w.client.Conn().PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare history batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append history row: %w", err)
		}
	}
	return batch.Send()
}

func toRow(r position.Record) []any {
	return []any{
		r.ID, r.Wallet, r.Token, r.Symbol, string(r.CloseReason),
		r.EntryTime, r.ExitTime,
		r.EntryPrice.InexactFloat64(), r.ExitPrice.InexactFloat64(),
		r.AmountBase.InexactFloat64(), r.ExitAmount.InexactFloat64(),
		r.ProfitSOL.InexactFloat64(), r.ROIPct, r.EntryMarketCap,
		r.TxID, r.ExitTxID, r.DryRun,
	}
}

// Close stops the flush loop and writes what is buffered.
func (w *HistoryWriter) Close() error {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	err := w.Flush(context.Background())
	log.Info().
		Int64("flushes", w.flushCount.Load()).
		Int64("rows", w.rowCount.Load()).
		Int64("errors", w.errorCount.Load()).
		Msg("clickhouse: history writer closed")
	return err
}

// HistoryStats reports writer activity.
type HistoryStats struct {
	Flushes int64 `json:"flushes"`
	Rows    int64 `json:"rows"`
	Errors  int64 `json:"errors"`
	Pending int   `json:"pending"`
}

func (w *HistoryWriter) Stats() HistoryStats {
	w.mu.Lock()
	pending := len(w.buf)
	w.mu.Unlock()
	return HistoryStats{
		Flushes: w.flushCount.Load(),
		Rows:    w.rowCount.Load(),
		Errors:  w.errorCount.Load(),
		Pending: pending,
	}
}

// SetFlushHook sets a test hook.
func (w *HistoryWriter) SetFlushHook(hook func(ctx context.Context, table string, rows [][]any) error) {
	w.flushHook = hook
}
