package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/exchange/internal/domain"
)

const marketCols = `id, liquidity_param, pool_liquidity, total_lp_shares,
	is_initialized, is_resolved, status, created_at, updated_at`

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var status string
	err := row.Scan(
		&m.ID, &m.LiquidityParam, &m.PoolLiquidity, &m.TotalLPShares,
		&m.IsInitialized, &m.IsResolved, &status,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	return m, nil
}

const optionCols = `id, market_id, yes_quantity, no_quantity,
	is_resolved, winning_side, dispute_deadline, auto_credit_status,
	created_at, updated_at`

func scanOption(row pgx.Row) (domain.Option, error) {
	var o domain.Option
	var winning *string
	var autoCredit string
	err := row.Scan(
		&o.ID, &o.MarketID, &o.YesQuantity, &o.NoQuantity,
		&o.IsResolved, &winning, &o.DisputeDeadline, &autoCredit,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Option{}, err
	}
	if winning != nil {
		side := domain.Side(*winning)
		o.WinningSide = &side
	}
	o.AutoCreditStatus = domain.AutoCreditStatus(autoCredit)
	return o, nil
}

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// GetMarket retrieves a market by its primary key.
func (s *MarketStore) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, marketID)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Market{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", marketID, err)
	}
	return m, nil
}

// GetOption retrieves an option by its primary key.
func (s *MarketStore) GetOption(ctx context.Context, optionID string) (domain.Option, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+optionCols+` FROM market_options WHERE id = $1`, optionID)
	o, err := scanOption(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Option{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Option{}, fmt.Errorf("postgres: get option %s: %w", optionID, err)
	}
	return o, nil
}

// ListOptions returns all options of a market ordered by creation time.
func (s *MarketStore) ListOptions(ctx context.Context, marketID string) ([]domain.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+optionCols+` FROM market_options WHERE market_id = $1 ORDER BY created_at`,
		marketID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list options of market %s: %w", marketID, err)
	}
	defer rows.Close()

	var options []domain.Option
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan option: %w", err)
		}
		options = append(options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list options rows: %w", err)
	}
	return options, nil
}

// ListPayoutDueOptions returns resolved options whose dispute deadline has
// passed and whose auto-credit latch is not yet completed.
func (s *MarketStore) ListPayoutDueOptions(ctx context.Context, now time.Time, limit int) ([]domain.Option, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+optionCols+` FROM market_options
		 WHERE is_resolved
		   AND auto_credit_status <> 'completed'
		   AND (dispute_deadline IS NULL OR dispute_deadline <= $1)
		 ORDER BY dispute_deadline NULLS FIRST
		 LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list payout-due options: %w", err)
	}
	defer rows.Close()

	var options []domain.Option
	for rows.Next() {
		o, err := scanOption(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan payout-due option: %w", err)
		}
		options = append(options, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list payout-due options rows: %w", err)
	}
	return options, nil
}

// ListAutoResolvableMarkets returns unresolved markets where every option is
// resolved, so the market itself can be flipped to resolved.
func (s *MarketStore) ListAutoResolvableMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketCols+` FROM markets m
		 WHERE NOT m.is_resolved
		   AND EXISTS (SELECT 1 FROM market_options o WHERE o.market_id = m.id)
		   AND NOT EXISTS (
			SELECT 1 FROM market_options o
			WHERE o.market_id = m.id AND NOT o.is_resolved
		   )
		 ORDER BY m.created_at
		 LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list auto-resolvable markets: %w", err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan auto-resolvable market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list auto-resolvable markets rows: %w", err)
	}
	return markets, nil
}
