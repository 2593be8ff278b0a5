package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nexus-trading/autotrader/internal/position"
	"github.com/nexus-trading/autotrader/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Pool wraps pgxpool.Pool.
type Pool struct {
	*pgxpool.Pool
}

// NewPool connects and pings Postgres.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	config.MaxConns = 8
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                TEXT PRIMARY KEY,
	wallet            TEXT NOT NULL,
	token             TEXT NOT NULL,
	symbol            TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	close_reason      TEXT NOT NULL DEFAULT '',
	entry_price       NUMERIC NOT NULL DEFAULT 0,
	amount_base       NUMERIC NOT NULL DEFAULT 0,
	token_amount      NUMERIC NOT NULL DEFAULT 0,
	token_amount_raw  NUMERIC(20,0) NOT NULL DEFAULT 0,
	decimals          SMALLINT NOT NULL DEFAULT 0,
	stop_loss_price   NUMERIC NOT NULL DEFAULT 0,
	take_profit_price NUMERIC NOT NULL DEFAULT 0,
	entry_market_cap  DOUBLE PRECISION NOT NULL DEFAULT 0,
	entry_time        TIMESTAMPTZ,
	tx_id             TEXT NOT NULL DEFAULT '',
	current_price     NUMERIC NOT NULL DEFAULT 0,
	last_update       TIMESTAMPTZ,
	exit_price        NUMERIC NOT NULL DEFAULT 0,
	exit_amount       NUMERIC NOT NULL DEFAULT 0,
	exit_tx_id        TEXT NOT NULL DEFAULT '',
	exit_time         TIMESTAMPTZ,
	profit_sol        NUMERIC NOT NULL DEFAULT 0,
	roi_pct           DOUBLE PRECISION NOT NULL DEFAULT 0,
	error             TEXT NOT NULL DEFAULT '',
	dry_run           BOOLEAN NOT NULL DEFAULT FALSE,
	created_at        TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL
);
ALTER TABLE positions ALTER COLUMN token_amount_raw TYPE NUMERIC(20,0);
CREATE INDEX IF NOT EXISTS positions_wallet_status_idx ON positions (wallet, status);
`

// Migrate creates the positions table if it does not exist.
func (p *Pool) Migrate(ctx context.Context) error {
	if _, err := p.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate positions: %w", err)
	}
	return nil
}

const pgErrUniqueViolation = "23505"

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation
}

// ErrDuplicateKey is returned by Save for an ID that already exists.
var ErrDuplicateKey = errors.New("postgres: duplicate position id")

// TradeStore implements store.TradeStore on Postgres.
type TradeStore struct {
	pool *Pool
}

var _ store.TradeStore = (*TradeStore)(nil)

func NewTradeStore(pool *Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Decimals travel as text and are cast server-side so no decimal codec is
// needed on the client.
const columns = `
	id, wallet, token, symbol, status, close_reason,
	entry_price, amount_base, token_amount, token_amount_raw, decimals,
	stop_loss_price, take_profit_price, entry_market_cap, entry_time, tx_id,
	current_price, last_update,
	exit_price, exit_amount, exit_tx_id, exit_time, profit_sol, roi_pct,
	error, dry_run, created_at, updated_at`

func (s *TradeStore) Save(ctx context.Context, rec position.Record) error {
	query := `INSERT INTO positions (` + columns + `) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7::text::numeric, $8::text::numeric, $9::text::numeric, $10::text::numeric, $11,
		$12::text::numeric, $13::text::numeric, $14, $15, $16,
		$17::text::numeric, $18,
		$19::text::numeric, $20::text::numeric, $21, $22, $23::text::numeric, $24,
		$25, $26, $27, $28
	)`
	_, err := s.pool.Exec(ctx, query, args(rec)...)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, rec.ID)
		}
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (s *TradeStore) Update(ctx context.Context, rec position.Record) error {
	query := `UPDATE positions SET
		wallet = $2, token = $3, symbol = $4, status = $5, close_reason = $6,
		entry_price = $7::text::numeric, amount_base = $8::text::numeric,
		token_amount = $9::text::numeric, token_amount_raw = $10::text::numeric, decimals = $11,
		stop_loss_price = $12::text::numeric, take_profit_price = $13::text::numeric,
		entry_market_cap = $14, entry_time = $15, tx_id = $16,
		current_price = $17::text::numeric, last_update = $18,
		exit_price = $19::text::numeric, exit_amount = $20::text::numeric,
		exit_tx_id = $21, exit_time = $22, profit_sol = $23::text::numeric, roi_pct = $24,
		error = $25, dry_run = $26, created_at = $27, updated_at = $28
	WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, args(rec)...)
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", store.ErrNotFound, rec.ID)
	}
	return nil
}

func (s *TradeStore) LoadOpen(ctx context.Context, wallet string) ([]position.Record, error) {
	query := `SELECT
		id, wallet, token, symbol, status, close_reason,
		entry_price::text, amount_base::text, token_amount::text, token_amount_raw::text, decimals,
		stop_loss_price::text, take_profit_price::text, entry_market_cap, entry_time, tx_id,
		current_price::text, last_update,
		exit_price::text, exit_amount::text, exit_tx_id, exit_time, profit_sol::text, roi_pct,
		error, dry_run, created_at, updated_at
	FROM positions
	WHERE wallet = $1 AND status = $2
	ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, wallet, string(position.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []position.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate open positions: %w", err)
	}

	log.Debug().Str("wallet", wallet).Int("count", len(out)).Msg("postgres: loaded open positions")
	return out, nil
}

func args(r position.Record) []any {
	return []any{
		r.ID, r.Wallet, r.Token, r.Symbol, string(r.Status), string(r.CloseReason),
		r.EntryPrice.String(), r.AmountBase.String(), r.TokenAmount.String(), strconv.FormatUint(r.TokenAmountRaw, 10), int16(r.Decimals),
		r.StopLossPrice.String(), r.TakeProfitPrice.String(), r.EntryMarketCap, nullTime(r.EntryTime), r.TxID,
		r.CurrentPrice.String(), nullTime(r.LastUpdate),
		r.ExitPrice.String(), r.ExitAmount.String(), r.ExitTxID, nullTime(r.ExitTime), r.ProfitSOL.String(), r.ROIPct,
		r.Error, r.DryRun, r.CreatedAt, r.UpdatedAt,
	}
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanRecord(row pgx.Row) (position.Record, error) {
	var (
		r                                position.Record
		status, reason                   string
		entry, base, tokens, sl, tp, cur string
		exitPrice, exitAmount, profit    string
		raw                              string
		decimals                         int16
		entryTime, lastUpdate, exitTime  *time.Time
	)
	err := row.Scan(
		&r.ID, &r.Wallet, &r.Token, &r.Symbol, &status, &reason,
		&entry, &base, &tokens, &raw, &decimals,
		&sl, &tp, &r.EntryMarketCap, &entryTime, &r.TxID,
		&cur, &lastUpdate,
		&exitPrice, &exitAmount, &r.ExitTxID, &exitTime, &profit, &r.ROIPct,
		&r.Error, &r.DryRun, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return position.Record{}, fmt.Errorf("scan position: %w", err)
	}

	r.Status = position.Status(status)
	r.CloseReason = position.CloseReason(reason)
	if r.TokenAmountRaw, err = strconv.ParseUint(raw, 10, 64); err != nil {
		return position.Record{}, fmt.Errorf("scan position %s: token_amount_raw: %w", r.ID, err)
	}
	r.Decimals = uint8(decimals)
	if entryTime != nil {
		r.EntryTime = *entryTime
	}
	if lastUpdate != nil {
		r.LastUpdate = *lastUpdate
	}
	if exitTime != nil {
		r.ExitTime = *exitTime
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&r.EntryPrice, entry}, {&r.AmountBase, base}, {&r.TokenAmount, tokens},
		{&r.StopLossPrice, sl}, {&r.TakeProfitPrice, tp}, {&r.CurrentPrice, cur},
		{&r.ExitPrice, exitPrice}, {&r.ExitAmount, exitAmount}, {&r.ProfitSOL, profit},
	} {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return position.Record{}, fmt.Errorf("scan position %s: %w", r.ID, err)
		}
		*f.dst = v
	}
	return r, nil
}
