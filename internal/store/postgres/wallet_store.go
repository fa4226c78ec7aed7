package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predictlabs/exchange/internal/domain"
)

const walletCols = `id, user_id, circle_wallet_id, deposit_address,
	balance_usdc, balance_sol, last_signature, last_slot,
	created_at, updated_at`

func scanWallet(row pgx.Row) (domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(
		&w.ID, &w.UserID, &w.CircleWalletID, &w.DepositAddress,
		&w.BalanceUSDC, &w.BalanceSOL, &w.LastSignature, &w.LastSlot,
		&w.CreatedAt, &w.UpdatedAt,
	)
	return w, err
}

// WalletStore implements domain.WalletStore using PostgreSQL.
type WalletStore struct {
	pool *pgxpool.Pool
}

// NewWalletStore creates a WalletStore backed by the given connection pool.
func NewWalletStore(pool *pgxpool.Pool) *WalletStore {
	return &WalletStore{pool: pool}
}

// Create inserts a freshly provisioned wallet. The user_id unique constraint
// rejects a second wallet for the same user.
func (s *WalletStore) Create(ctx context.Context, w domain.Wallet) error {
	const query = `
		INSERT INTO wallets (
			id, user_id, circle_wallet_id, deposit_address,
			balance_usdc, balance_sol, last_signature, last_slot,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())`

	_, err := s.pool.Exec(ctx, query,
		w.ID, w.UserID, w.CircleWalletID, w.DepositAddress,
		w.BalanceUSDC, w.BalanceSOL, w.LastSignature, w.LastSlot,
		w.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("postgres: create wallet %s: %w", w.ID, err)
	}
	return nil
}

// GetByID retrieves a wallet by its primary key.
func (s *WalletStore) GetByID(ctx context.Context, walletID string) (domain.Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE id = $1`, walletID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: get wallet %s: %w", walletID, err)
	}
	return w, nil
}

// GetByUser retrieves the wallet owned by the given user.
func (s *WalletStore) GetByUser(ctx context.Context, userID string) (domain.Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE user_id = $1`, userID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: get wallet of user %s: %w", userID, err)
	}
	return w, nil
}

// ListWithDepositAddress returns wallets with a known custodial deposit
// address, ordered by creation time for a stable scan order.
func (s *WalletStore) ListWithDepositAddress(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE deposit_address <> '' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list deposit wallets: %w", err)
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan deposit wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list deposit wallets rows: %w", err)
	}
	return wallets, nil
}
