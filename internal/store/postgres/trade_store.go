package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/exchange/internal/domain"
)

const tradeCols = `id, market_id, option_id, user_id, side, action,
	share_amount, amount, fee, price_yes, price_no, created_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var t domain.Trade
	var side, action string
	err := row.Scan(
		&t.ID, &t.MarketID, &t.OptionID, &t.UserID, &side, &action,
		&t.ShareAmount, &t.Amount, &t.Fee, &t.PriceYes, &t.PriceNo, &t.CreatedAt,
	)
	if err != nil {
		return domain.Trade{}, err
	}
	t.Side = domain.Side(side)
	t.Action = domain.TradeAction(action)
	return t, nil
}

// TradeStore implements domain.TradeStore using PostgreSQL. Trades are
// written only by the executor inside the settlement transaction; this store
// serves history reads and the archiver.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

func (s *TradeStore) list(ctx context.Context, query string, args ...any) ([]domain.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list trades rows: %w", err)
	}
	return trades, nil
}

// ListByOption returns trades on an option, newest first.
func (s *TradeStore) ListByOption(ctx context.Context, optionID string, opts domain.ListOpts) ([]domain.Trade, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx,
		`SELECT `+tradeCols+` FROM trades
		 WHERE option_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		optionID, limit, opts.Offset)
}

// ListByUser returns a user's trades, newest first.
func (s *TradeStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Trade, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	return s.list(ctx,
		`SELECT `+tradeCols+` FROM trades
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, opts.Offset)
}

// ListBefore returns all trades created before the cutoff, oldest first, for
// archival.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error) {
	return s.list(ctx,
		`SELECT `+tradeCols+` FROM trades WHERE created_at < $1 ORDER BY created_at`,
		before)
}
