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

const withdrawalCols = `id, user_id, wallet_id, destination, amount_usdc,
	idempotency_key, status, job_id, attempts, next_attempt_at,
	provider_transfer_id, tx_hash, failure_reason, created_at, updated_at`

func scanWithdrawal(row pgx.Row) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	var status string
	err := row.Scan(
		&w.ID, &w.UserID, &w.WalletID, &w.Destination, &w.AmountUSDC,
		&w.IdempotencyKey, &status, &w.JobID, &w.Attempts, &w.NextAttemptAt,
		&w.ProviderTransferID, &w.TxHash, &w.FailureReason, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	w.Status = domain.WithdrawalStatus(status)
	return w, nil
}

// WithdrawalStore implements domain.WithdrawalStore using PostgreSQL. All
// state transitions happen through the transactional store; this serves reads.
type WithdrawalStore struct {
	pool *pgxpool.Pool
}

// NewWithdrawalStore creates a WithdrawalStore backed by the given pool.
func NewWithdrawalStore(pool *pgxpool.Pool) *WithdrawalStore {
	return &WithdrawalStore{pool: pool}
}

// GetByID retrieves a withdrawal by its primary key.
func (s *WithdrawalStore) GetByID(ctx context.Context, id string) (domain.Withdrawal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Withdrawal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Withdrawal{}, fmt.Errorf("postgres: get withdrawal %s: %w", id, err)
	}
	return w, nil
}

// ListByUser returns a user's withdrawals, newest first.
func (s *WithdrawalStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Withdrawal, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals of user %s: %w", userID, err)
	}
	defer rows.Close()

	var withdrawals []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals rows: %w", err)
	}
	return withdrawals, nil
}

// ListBefore returns terminal withdrawals created before the cutoff, oldest
// first, for archival.
func (s *WithdrawalStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals
		 WHERE created_at < $1 AND status IN ('completed', 'failed', 'cancelled')
		 ORDER BY created_at`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list withdrawals before %s: %w", before, err)
	}
	defer rows.Close()

	var withdrawals []domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan archived withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list archived withdrawals rows: %w", err)
	}
	return withdrawals, nil
}
