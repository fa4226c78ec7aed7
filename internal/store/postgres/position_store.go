package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/exchange/internal/domain"
)

const positionCols = `id, user_id, option_id, yes_shares, no_shares,
	total_yes_cost, total_no_cost, is_claimed, realized_pnl,
	created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.UserID, &p.OptionID, &p.YesShares, &p.NoShares,
		&p.TotalYesCost, &p.TotalNoCost, &p.IsClaimed, &p.RealizedPnL,
		&p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// PositionStore implements domain.PositionStore using PostgreSQL. Positions
// are mutated only inside settlement transactions; this store serves reads.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// GetByUserOption retrieves a user's position in one option.
func (s *PositionStore) GetByUserOption(ctx context.Context, userID, optionID string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM user_positions WHERE user_id = $1 AND option_id = $2`,
		userID, optionID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: get position %s/%s: %w", userID, optionID, err)
	}
	return p, nil
}

// ListByUser returns all of a user's positions, most recently touched first.
func (s *PositionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Position, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM user_positions
		 WHERE user_id = $1
		 ORDER BY updated_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions of user %s: %w", userID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions rows: %w", err)
	}
	return positions, nil
}
