package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

// Notifier is the slice of the ops notifier the worker uses for terminal
// failure alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Worker drains due pending withdrawals and executes them against the
// custodial provider. Claiming uses FOR UPDATE SKIP LOCKED, so any number of
// worker instances can run concurrently without double-sending; the provider
// idempotency key protects the boundary where a worker dies mid-send.
type Worker struct {
	store    domain.TxStore
	wallets  domain.WalletStore
	custody  domain.CustodialClient
	notifier Notifier
	bus      domain.SignalBus
	cfg      Config
	logger   *slog.Logger
}

// NewWorker creates a Worker. notifier and bus may be nil.
func NewWorker(
	store domain.TxStore,
	wallets domain.WalletStore,
	custody domain.CustodialClient,
	notifier Notifier,
	bus domain.SignalBus,
	cfg Config,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		store:    store,
		wallets:  wallets,
		custody:  custody,
		notifier: notifier,
		bus:      bus,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "withdrawal_worker")),
	}
}

// Run claims and processes due withdrawals until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "withdrawal worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "withdrawal worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes due withdrawals until none remain or ctx is cancelled.
func (w *Worker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		err := w.processOne(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err != nil {
			w.logger.ErrorContext(ctx, "withdrawal processing failed",
				slog.String("error", err.Error()))
			return
		}
	}
}

// processOne claims one due withdrawal, sends it, and records the outcome.
// domain.ErrNotFound means nothing was due.
func (w *Worker) processOne(ctx context.Context) error {
	var wd domain.Withdrawal
	err := w.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		now := time.Now().UTC()
		var err error
		wd, err = tx.ClaimDueWithdrawal(ctx, now, now.Add(-w.cfg.StaleLease))
		return err
	})
	if err != nil {
		return err
	}

	wallet, err := w.wallets.GetByID(ctx, wd.WalletID)
	if err != nil {
		return fmt.Errorf("withdrawal %s: load wallet: %w", wd.ID, err)
	}

	transfer, sendErr := w.send(ctx, wd, wallet)
	if sendErr == nil {
		return w.complete(ctx, wd, transfer)
	}

	w.logger.WarnContext(ctx, "withdrawal send attempt failed",
		slog.String("withdrawal_id", wd.ID),
		slog.Int("attempt", wd.Attempts),
		slog.String("error", sendErr.Error()),
	)

	if wd.Attempts >= w.cfg.MaxAttempts {
		return w.fail(ctx, wd, sendErr)
	}
	return w.reschedule(ctx, wd)
}

// send submits the transfer and waits for the provider to confirm it. The
// withdrawal's idempotency key is reused verbatim on every attempt so the
// provider executes the transfer at most once across retries.
func (w *Worker) send(ctx context.Context, wd domain.Withdrawal, wallet domain.Wallet) (domain.Transfer, error) {
	transfer, err := w.custody.Send(ctx, domain.TransferRequest{
		SourceWalletID:     wallet.CircleWalletID,
		DestinationAddress: wd.Destination,
		AmountUSDC:         wd.AmountUSDC,
		IdempotencyKey:     wd.IdempotencyKey,
	})
	if err != nil {
		return domain.Transfer{}, err
	}

	for i := 0; transfer.State == domain.TransferPending && i < w.cfg.ConfirmAttempts; i++ {
		select {
		case <-ctx.Done():
			return domain.Transfer{}, ctx.Err()
		case <-time.After(w.cfg.ConfirmInterval):
		}
		transfer, err = w.custody.GetTransfer(ctx, transfer.ID)
		if err != nil {
			return domain.Transfer{}, err
		}
	}

	switch transfer.State {
	case domain.TransferComplete:
		return transfer, nil
	case domain.TransferFailed:
		return domain.Transfer{}, fmt.Errorf("withdrawal: provider declined transfer %s: %s",
			transfer.ID, transfer.Reason)
	default:
		return domain.Transfer{}, fmt.Errorf("withdrawal: transfer %s unconfirmed: %w",
			transfer.ID, domain.ErrServiceUnavailable)
	}
}

// complete marks the withdrawal completed with the provider's identifiers.
func (w *Worker) complete(ctx context.Context, wd domain.Withdrawal, transfer domain.Transfer) error {
	err := w.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.GetWithdrawalForUpdate(ctx, wd.ID)
		if err != nil {
			return err
		}
		cur.Status = domain.WithdrawalCompleted
		cur.ProviderTransferID = transfer.ID
		cur.TxHash = transfer.TxHash
		return tx.UpdateWithdrawal(ctx, cur)
	})
	if err != nil {
		return fmt.Errorf("withdrawal %s: record completion: %w", wd.ID, err)
	}

	w.logger.InfoContext(ctx, "withdrawal completed",
		slog.String("withdrawal_id", wd.ID),
		slog.String("transfer_id", transfer.ID),
		slog.Int64("amount_usdc", wd.AmountUSDC),
	)
	w.publish(ctx, wd.ID, "completed")
	return nil
}

// fail terminally fails the withdrawal, refunding the hold in the same
// transaction as the status change.
func (w *Worker) fail(ctx context.Context, wd domain.Withdrawal, cause error) error {
	err := w.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.GetWithdrawalForUpdate(ctx, wd.ID)
		if err != nil {
			return err
		}
		cur.Status = domain.WithdrawalFailed
		cur.FailureReason = cause.Error()
		if err := tx.UpdateWithdrawal(ctx, cur); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, cur.WalletID, domain.TokenUSDC, cur.AmountUSDC); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("withdrawal %s: record terminal failure: %w", wd.ID, err)
	}

	w.logger.ErrorContext(ctx, "withdrawal terminally failed, hold refunded",
		slog.String("withdrawal_id", wd.ID),
		slog.Int64("amount_usdc", wd.AmountUSDC),
		slog.String("reason", cause.Error()),
	)
	if w.notifier != nil {
		msg := fmt.Sprintf("withdrawal %s for user %s (%d micro-USDC) failed after %d attempts: %v",
			wd.ID, wd.UserID, wd.AmountUSDC, wd.Attempts, cause)
		if err := w.notifier.Notify(ctx, "withdrawal_failed", "Withdrawal failed", msg); err != nil {
			w.logger.WarnContext(ctx, "failure alert not delivered", slog.String("error", err.Error()))
		}
	}
	w.publish(ctx, wd.ID, "failed")
	return nil
}

// reschedule returns the withdrawal to pending with an exponential delay.
func (w *Worker) reschedule(ctx context.Context, wd domain.Withdrawal) error {
	delay := w.cfg.RetryBase << (wd.Attempts - 1)
	err := w.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		cur, err := tx.GetWithdrawalForUpdate(ctx, wd.ID)
		if err != nil {
			return err
		}
		cur.Status = domain.WithdrawalPending
		cur.NextAttemptAt = time.Now().UTC().Add(delay)
		return tx.UpdateWithdrawal(ctx, cur)
	})
	if err != nil {
		return fmt.Errorf("withdrawal %s: reschedule: %w", wd.ID, err)
	}

	w.logger.InfoContext(ctx, "withdrawal rescheduled",
		slog.String("withdrawal_id", wd.ID),
		slog.Int("attempt", wd.Attempts),
		slog.Duration("delay", delay),
	)
	return nil
}

func (w *Worker) publish(ctx context.Context, withdrawalID, status string) {
	if w.bus == nil {
		return
	}
	payload := []byte(fmt.Sprintf(`{"event":"withdrawal_%s","withdrawal_id":"%s"}`, status, withdrawalID))
	if err := w.bus.Publish(ctx, "withdrawals", payload); err != nil {
		w.logger.WarnContext(ctx, "withdrawal event publish failed", slog.String("error", err.Error()))
	}
}
