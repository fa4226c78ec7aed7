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

// Store implements domain.TxStore over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// WithTx runs fn inside a transaction, committing on nil and rolling back on
// error. fn's error is returned unchanged so callers keep errors.Is semantics.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	pgtx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}

	if err := fn(ctx, &sqlTx{tx: pgtx}); err != nil {
		_ = pgtx.Rollback(ctx)
		return err
	}

	if err := pgtx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// sqlTx implements domain.Tx over a live pgx transaction.
type sqlTx struct {
	tx pgx.Tx
}

func balanceColumn(token domain.TokenSymbol) (string, error) {
	switch token {
	case domain.TokenUSDC:
		return "balance_usdc", nil
	case domain.TokenSOL:
		return "balance_sol", nil
	default:
		return "", fmt.Errorf("postgres: unknown token %q", token)
	}
}

// AdjustBalance locks the wallet row, applies delta to the token balance, and
// returns the new balance. A delta that would drive the balance negative
// fails with domain.ErrInsufficientBalance and the transaction must abort.
func (t *sqlTx) AdjustBalance(ctx context.Context, walletID string, token domain.TokenSymbol, delta int64) (int64, error) {
	col, err := balanceColumn(token)
	if err != nil {
		return 0, err
	}

	var bal int64
	err = t.tx.QueryRow(ctx,
		`SELECT `+col+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID,
	).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: lock wallet %s: %w", walletID, err)
	}

	next := bal + delta
	if next < 0 {
		return 0, domain.ErrInsufficientBalance
	}

	if _, err := t.tx.Exec(ctx,
		`UPDATE wallets SET `+col+` = $2, updated_at = NOW() WHERE id = $1`,
		walletID, next,
	); err != nil {
		return 0, fmt.Errorf("postgres: adjust balance of wallet %s: %w", walletID, err)
	}
	return next, nil
}

func (t *sqlTx) GetWalletForUpdate(ctx context.Context, walletID string) (domain.Wallet, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE id = $1 FOR UPDATE`, walletID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: lock wallet %s: %w", walletID, err)
	}
	return w, nil
}

func (t *sqlTx) GetWalletByUserForUpdate(ctx context.Context, userID string) (domain.Wallet, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+walletCols+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
	w, err := scanWallet(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wallet{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("postgres: lock wallet of user %s: %w", userID, err)
	}
	return w, nil
}

func (t *sqlTx) UpdateWalletCursor(ctx context.Context, walletID, signature string, slot int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE wallets SET last_signature = $2, last_slot = $3, updated_at = NOW() WHERE id = $1`,
		walletID, signature, slot,
	)
	if err != nil {
		return fmt.Errorf("postgres: update cursor of wallet %s: %w", walletID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdvisoryLock takes a transaction-scoped advisory lock. Postgres releases it
// automatically at commit or rollback.
func (t *sqlTx) AdvisoryLock(ctx context.Context, lockID int64) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID); err != nil {
		return fmt.Errorf("postgres: advisory lock %d: %w", lockID, err)
	}
	return nil
}

func (t *sqlTx) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	row := t.tx.QueryRow(ctx,
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

func (t *sqlTx) GetOptionForUpdate(ctx context.Context, optionID string) (domain.Option, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+optionCols+` FROM market_options WHERE id = $1 FOR UPDATE`, optionID)
	o, err := scanOption(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Option{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Option{}, fmt.Errorf("postgres: lock option %s: %w", optionID, err)
	}
	return o, nil
}

func (t *sqlTx) UpdateOptionQuantities(ctx context.Context, optionID string, yesQty, noQty int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE market_options SET yes_quantity = $2, no_quantity = $3, updated_at = NOW() WHERE id = $1`,
		optionID, yesQty, noQty,
	)
	if err != nil {
		return fmt.Errorf("postgres: update quantities of option %s: %w", optionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdjustPoolLiquidity applies delta to the market's pool, rejecting any
// change that would leave it negative.
func (t *sqlTx) AdjustPoolLiquidity(ctx context.Context, marketID string, delta int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET pool_liquidity = pool_liquidity + $2, updated_at = NOW()
		 WHERE id = $1 AND pool_liquidity + $2 >= 0`,
		marketID, delta,
	)
	if err != nil {
		return fmt.Errorf("postgres: adjust pool of market %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientLiquidity
	}
	return nil
}

func (t *sqlTx) MarkMarketResolved(ctx context.Context, marketID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE markets SET is_resolved = TRUE, status = 'resolved', updated_at = NOW() WHERE id = $1`,
		marketID,
	)
	if err != nil {
		return fmt.Errorf("postgres: resolve market %s: %w", marketID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ClaimOptionPayout flips the auto-credit latch from none to in_progress. The
// conditional update makes the latch one-way under concurrency: exactly one
// claimer sees a row change.
func (t *sqlTx) ClaimOptionPayout(ctx context.Context, optionID string) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE market_options SET auto_credit_status = 'in_progress', updated_at = NOW()
		 WHERE id = $1 AND auto_credit_status = ''`,
		optionID,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: claim payout of option %s: %w", optionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *sqlTx) CompleteOptionPayout(ctx context.Context, optionID string) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE market_options SET auto_credit_status = 'completed', updated_at = NOW()
		 WHERE id = $1 AND auto_credit_status = 'in_progress'`,
		optionID,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete payout of option %s: %w", optionID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (t *sqlTx) GetPositionForUpdate(ctx context.Context, userID, optionID string) (domain.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+positionCols+` FROM user_positions
		 WHERE user_id = $1 AND option_id = $2 FOR UPDATE`,
		userID, optionID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("postgres: lock position %s/%s: %w", userID, optionID, err)
	}
	return p, nil
}

func (t *sqlTx) UpsertPosition(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO user_positions (
			id, user_id, option_id, yes_shares, no_shares,
			total_yes_cost, total_no_cost, is_claimed, realized_pnl,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (user_id, option_id) DO UPDATE SET
			yes_shares     = EXCLUDED.yes_shares,
			no_shares      = EXCLUDED.no_shares,
			total_yes_cost = EXCLUDED.total_yes_cost,
			total_no_cost  = EXCLUDED.total_no_cost,
			is_claimed     = EXCLUDED.is_claimed,
			realized_pnl   = EXCLUDED.realized_pnl,
			updated_at     = NOW()`

	_, err := t.tx.Exec(ctx, query,
		pos.ID, pos.UserID, pos.OptionID, pos.YesShares, pos.NoShares,
		pos.TotalYesCost, pos.TotalNoCost, pos.IsClaimed, pos.RealizedPnL,
		pos.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", pos.UserID, pos.OptionID, err)
	}
	return nil
}

// ListUnclaimedPositionsForUpdate locks up to limit unclaimed positions with
// SKIP LOCKED so concurrent settlement workers partition the set instead of
// blocking or double-paying.
func (t *sqlTx) ListUnclaimedPositionsForUpdate(ctx context.Context, optionID string, limit int) ([]domain.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionCols+` FROM user_positions
		 WHERE option_id = $1 AND NOT is_claimed
		 ORDER BY created_at
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		optionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unclaimed positions of option %s: %w", optionID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan unclaimed position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list unclaimed positions rows: %w", err)
	}
	return positions, nil
}

func (t *sqlTx) InsertTrade(ctx context.Context, trade domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, market_id, option_id, user_id, side, action,
			share_amount, amount, fee, price_yes, price_no, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := t.tx.Exec(ctx, query,
		trade.ID, trade.MarketID, trade.OptionID, trade.UserID,
		string(trade.Side), string(trade.Action),
		trade.ShareAmount, trade.Amount, trade.Fee,
		trade.PriceYes, trade.PriceNo, trade.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", trade.ID, err)
	}
	return nil
}

func (t *sqlTx) InsertPriceSnapshot(ctx context.Context, snap domain.PriceSnapshot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO price_snapshots (option_id, price_yes, price_no, created_at)
		 VALUES ($1, $2, $3, $4)`,
		snap.OptionID, snap.PriceYes, snap.PriceNo, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert price snapshot for option %s: %w", snap.OptionID, err)
	}
	return nil
}

func (t *sqlTx) InsertWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	const query = `
		INSERT INTO withdrawals (
			id, user_id, wallet_id, destination, amount_usdc, idempotency_key,
			status, job_id, attempts, next_attempt_at,
			provider_transfer_id, tx_hash, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())`

	_, err := t.tx.Exec(ctx, query,
		w.ID, w.UserID, w.WalletID, w.Destination, w.AmountUSDC, w.IdempotencyKey,
		string(w.Status), w.JobID, w.Attempts, w.NextAttemptAt,
		w.ProviderTransferID, w.TxHash, w.FailureReason, w.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateRequest
		}
		return fmt.Errorf("postgres: insert withdrawal %s: %w", w.ID, err)
	}
	return nil
}

func (t *sqlTx) GetWithdrawalForUpdate(ctx context.Context, id string) (domain.Withdrawal, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT `+withdrawalCols+` FROM withdrawals WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Withdrawal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Withdrawal{}, fmt.Errorf("postgres: lock withdrawal %s: %w", id, err)
	}
	return w, nil
}

func (t *sqlTx) UpdateWithdrawal(ctx context.Context, w domain.Withdrawal) error {
	const query = `
		UPDATE withdrawals SET
			status               = $2,
			job_id               = $3,
			attempts             = $4,
			next_attempt_at      = $5,
			provider_transfer_id = $6,
			tx_hash              = $7,
			failure_reason       = $8,
			updated_at           = NOW()
		WHERE id = $1`

	tag, err := t.tx.Exec(ctx, query,
		w.ID, string(w.Status), w.JobID, w.Attempts, w.NextAttemptAt,
		w.ProviderTransferID, w.TxHash, w.FailureReason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update withdrawal %s: %w", w.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *sqlTx) HasActiveWithdrawal(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM withdrawals
			WHERE user_id = $1 AND status IN ('pending', 'processing')
		)`, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check active withdrawal of user %s: %w", userID, err)
	}
	return exists, nil
}

func (t *sqlTx) RecentWithdrawalExists(ctx context.Context, userID, destination string, amount int64, window time.Duration) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(
			SELECT 1 FROM withdrawals
			WHERE user_id = $1 AND destination = $2 AND amount_usdc = $3
			  AND status <> 'cancelled' AND created_at >= $4
		)`,
		userID, destination, amount, time.Now().Add(-window),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check recent withdrawal of user %s: %w", userID, err)
	}
	return exists, nil
}

// LastWithdrawalAt returns the creation time of the user's newest withdrawal,
// or the zero time when the user has none.
func (t *sqlTx) LastWithdrawalAt(ctx context.Context, userID string) (time.Time, error) {
	var at time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT created_at FROM withdrawals WHERE user_id = $1 ORDER BY created_at DESC LIMIT 1`,
		userID,
	).Scan(&at)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last withdrawal of user %s: %w", userID, err)
	}
	return at, nil
}

// ClaimDueWithdrawal locks one due withdrawal with SKIP LOCKED and flips it
// to processing, incrementing the attempt counter. Multiple workers therefore
// never claim the same row. Besides due pending rows, it also reclaims
// processing rows whose updated_at lease expired before staleBefore: a worker
// crash between claim and outcome would otherwise strand the row (and the
// user's hold) in processing forever. The provider idempotency key makes the
// re-send safe. domain.ErrNotFound when none are due.
func (t *sqlTx) ClaimDueWithdrawal(ctx context.Context, now, staleBefore time.Time) (domain.Withdrawal, error) {
	const query = `
		UPDATE withdrawals SET
			status = 'processing', attempts = attempts + 1, updated_at = NOW()
		WHERE id = (
			SELECT id FROM withdrawals
			WHERE (status = 'pending' AND next_attempt_at <= $1)
			   OR (status = 'processing' AND updated_at <= $2)
			ORDER BY next_attempt_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + withdrawalCols

	row := t.tx.QueryRow(ctx, query, now, staleBefore)
	w, err := scanWithdrawal(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Withdrawal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Withdrawal{}, fmt.Errorf("postgres: claim due withdrawal: %w", err)
	}
	return w, nil
}

// InsertDeposit records a deposit keyed by its unique on-chain signature. It
// returns false with no error when the signature was already recorded.
func (t *sqlTx) InsertDeposit(ctx context.Context, d domain.Deposit) (bool, error) {
	const query = `
		INSERT INTO deposits (
			id, wallet_id, signature, slot, amount_usdc, source_address, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signature) DO NOTHING`

	tag, err := t.tx.Exec(ctx, query,
		d.ID, d.WalletID, d.Signature, d.Slot, d.AmountUSDC,
		d.SourceAddress, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert deposit %s: %w", d.Signature, err)
	}
	return tag.RowsAffected() == 1, nil
}
