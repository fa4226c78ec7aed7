// Package withdrawal implements the custodial withdrawal pipeline: a
// synchronous intake that validates and holds funds, a cancel path, and an
// asynchronous worker that executes held withdrawals against the custodial
// provider with bounded retries.
package withdrawal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/predictlabs/exchange/internal/crypto"
	"github.com/predictlabs/exchange/internal/domain"
)

// Config tunes the pipeline's limits and retry behavior.
type Config struct {
	MinAmount       int64         // micro-units, inclusive
	MaxAmount       int64         // micro-units, inclusive
	DedupWindow     time.Duration // identical (user, dest, amount) rejected within this window
	Cooldown        time.Duration // minimum spacing between a user's withdrawals
	MaxAttempts     int           // provider send attempts before terminal failure
	RetryBase       time.Duration // first retry delay, doubled per attempt
	PollInterval    time.Duration // worker claim loop interval
	ConfirmAttempts int           // provider transfer status polls per attempt
	ConfirmInterval time.Duration // spacing between status polls
	StaleLease      time.Duration // processing rows older than this are reclaimed
}

// Defaults fills zero fields with production values.
func (c Config) withDefaults() Config {
	if c.MinAmount <= 0 {
		c.MinAmount = 1_000_000 // 1 USDC
	}
	if c.MaxAmount <= 0 {
		c.MaxAmount = 10_000_000_000 // 10,000 USDC
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ConfirmAttempts <= 0 {
		c.ConfirmAttempts = 10
	}
	if c.ConfirmInterval <= 0 {
		c.ConfirmInterval = 2 * time.Second
	}
	if c.StaleLease <= 0 {
		// Must comfortably exceed one full attempt (send + confirm polls) so
		// a live worker is never raced on its own row.
		c.StaleLease = 5 * time.Minute
	}
	return c
}

// Pipeline handles withdrawal intake and cancellation. Both run inside one
// database transaction under the user's advisory lock, so requests from the
// same user are strictly ordered and the hold is atomic with the row insert.
type Pipeline struct {
	store  domain.TxStore
	cfg    Config
	logger *slog.Logger
}

// NewPipeline creates a Pipeline with cfg's zero fields defaulted.
func NewPipeline(store domain.TxStore, cfg Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With(slog.String("component", "withdrawal_pipeline")),
	}
}

// Request validates and records a withdrawal, debiting the hold in the same
// transaction. amount is a decimal string in whole units ("12.5"). Typed
// errors: domain.ErrInvalidAmount, ErrNotFound (no wallet),
// ErrWithdrawalActive, ErrDuplicateRequest, ErrCooldownActive,
// ErrInsufficientBalance.
func (p *Pipeline) Request(ctx context.Context, userID, destination, amount string) (domain.Withdrawal, error) {
	amt, err := ParseAmount(amount)
	if err != nil {
		return domain.Withdrawal{}, err
	}
	if amt < p.cfg.MinAmount || amt > p.cfg.MaxAmount {
		return domain.Withdrawal{}, fmt.Errorf("withdrawal: amount %d outside [%d, %d]: %w",
			amt, p.cfg.MinAmount, p.cfg.MaxAmount, domain.ErrInvalidAmount)
	}
	if destination == "" {
		return domain.Withdrawal{}, fmt.Errorf("withdrawal: empty destination: %w", domain.ErrInvalidAmount)
	}

	var w domain.Withdrawal
	err = p.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.AdvisoryLock(ctx, crypto.UserLockID(userID)); err != nil {
			return err
		}

		wallet, err := tx.GetWalletByUserForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		active, err := tx.HasActiveWithdrawal(ctx, userID)
		if err != nil {
			return err
		}
		if active {
			return domain.ErrWithdrawalActive
		}

		dup, err := tx.RecentWithdrawalExists(ctx, userID, destination, amt, p.cfg.DedupWindow)
		if err != nil {
			return err
		}
		if dup {
			return domain.ErrDuplicateRequest
		}

		last, err := tx.LastWithdrawalAt(ctx, userID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if !last.IsZero() && now.Sub(last) < p.cfg.Cooldown {
			return domain.ErrCooldownActive
		}

		w = domain.Withdrawal{
			ID:             uuid.New().String(),
			UserID:         userID,
			WalletID:       wallet.ID,
			Destination:    destination,
			AmountUSDC:     amt,
			IdempotencyKey: crypto.WithdrawalIdempotencyKey(userID, destination, amt, now),
			Status:         domain.WithdrawalPending,
			JobID:          uuid.New().String(),
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}

		// The hold: debit now, refund only on terminal failure or cancel.
		if _, err := tx.AdjustBalance(ctx, wallet.ID, domain.TokenUSDC, -amt); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Withdrawal{}, err
	}

	p.logger.InfoContext(ctx, "withdrawal accepted",
		slog.String("withdrawal_id", w.ID),
		slog.String("user_id", userID),
		slog.Int64("amount_usdc", amt),
	)
	return w, nil
}

// Cancel aborts a withdrawal that has not started processing, refunding the
// hold atomically with the status change. Only the owning user may cancel.
// Typed errors: domain.ErrNotFound, ErrWithdrawalNotPending.
func (p *Pipeline) Cancel(ctx context.Context, withdrawalID, userID string) (domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := p.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		w, err = tx.GetWithdrawalForUpdate(ctx, withdrawalID)
		if err != nil {
			return err
		}
		if w.UserID != userID {
			return domain.ErrNotFound
		}
		if w.Status != domain.WithdrawalPending {
			return domain.ErrWithdrawalNotPending
		}

		w.Status = domain.WithdrawalCancelled
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, w.WalletID, domain.TokenUSDC, w.AmountUSDC); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Withdrawal{}, err
	}

	p.logger.InfoContext(ctx, "withdrawal cancelled",
		slog.String("withdrawal_id", w.ID),
		slog.String("user_id", userID),
	)
	return w, nil
}
