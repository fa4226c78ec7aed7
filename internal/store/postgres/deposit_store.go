package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/exchange/internal/domain"
)

const depositCols = `id, wallet_id, signature, slot, amount_usdc,
	source_address, status, created_at`

func scanDeposit(row pgx.Row) (domain.Deposit, error) {
	var d domain.Deposit
	var status string
	err := row.Scan(
		&d.ID, &d.WalletID, &d.Signature, &d.Slot, &d.AmountUSDC,
		&d.SourceAddress, &status, &d.CreatedAt,
	)
	if err != nil {
		return domain.Deposit{}, err
	}
	d.Status = domain.DepositStatus(status)
	return d, nil
}

// DepositStore implements domain.DepositStore using PostgreSQL. Deposit rows
// are inserted inside the credit transaction; sweeps are written afterwards
// so a sweep failure never affects the credit.
type DepositStore struct {
	pool *pgxpool.Pool
}

// NewDepositStore creates a DepositStore backed by the given connection pool.
func NewDepositStore(pool *pgxpool.Pool) *DepositStore {
	return &DepositStore{pool: pool}
}

// ListByWallet returns a wallet's deposits, newest first.
func (s *DepositStore) ListByWallet(ctx context.Context, walletID string, opts domain.ListOpts) ([]domain.Deposit, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositCols+` FROM deposits
		 WHERE wallet_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		walletID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deposits of wallet %s: %w", walletID, err)
	}
	defer rows.Close()

	var deposits []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list deposits rows: %w", err)
	}
	return deposits, nil
}

// ListBefore returns deposits created before the cutoff, oldest first, for
// archival.
func (s *DepositStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Deposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+depositCols+` FROM deposits WHERE created_at < $1 ORDER BY created_at`,
		before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deposits before %s: %w", before, err)
	}
	defer rows.Close()

	var deposits []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan archived deposit: %w", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list archived deposits rows: %w", err)
	}
	return deposits, nil
}

// InsertSweep records a new sweep attempt.
func (s *DepositStore) InsertSweep(ctx context.Context, sw domain.Sweep) error {
	const query = `
		INSERT INTO sweeps (
			id, wallet_id, deposit_id, amount_usdc, destination,
			provider_transfer_id, status, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`

	_, err := s.pool.Exec(ctx, query,
		sw.ID, sw.WalletID, sw.DepositID, sw.AmountUSDC, sw.Destination,
		sw.ProviderTransferID, string(sw.Status), sw.FailureReason, sw.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert sweep %s: %w", sw.ID, err)
	}
	return nil
}

// UpdateSweep records the outcome of a sweep attempt.
func (s *DepositStore) UpdateSweep(ctx context.Context, sw domain.Sweep) error {
	const query = `
		UPDATE sweeps SET
			provider_transfer_id = $2,
			status               = $3,
			failure_reason       = $4,
			updated_at           = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		sw.ID, sw.ProviderTransferID, string(sw.Status), sw.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update sweep %s: %w", sw.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
