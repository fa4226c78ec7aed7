package withdrawal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

type fakeWalletStore struct {
	wallet domain.Wallet
}

func (s *fakeWalletStore) GetByID(ctx context.Context, walletID string) (domain.Wallet, error) {
	if walletID != s.wallet.ID {
		return domain.Wallet{}, domain.ErrNotFound
	}
	return s.wallet, nil
}

func (s *fakeWalletStore) GetByUser(ctx context.Context, userID string) (domain.Wallet, error) {
	if userID != s.wallet.UserID {
		return domain.Wallet{}, domain.ErrNotFound
	}
	return s.wallet, nil
}

func (s *fakeWalletStore) ListWithDepositAddress(ctx context.Context) ([]domain.Wallet, error) {
	return []domain.Wallet{s.wallet}, nil
}

type fakeCustody struct {
	sendErr  error
	state    domain.TransferState
	requests []domain.TransferRequest
}

func (c *fakeCustody) CreateWallet(ctx context.Context, userID string) (string, string, error) {
	return "", "", errors.New("not implemented")
}

func (c *fakeCustody) GetBalance(ctx context.Context, walletID string, token domain.TokenSymbol) (int64, error) {
	return 0, errors.New("not implemented")
}

func (c *fakeCustody) Send(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	c.requests = append(c.requests, req)
	if c.sendErr != nil {
		return domain.Transfer{}, c.sendErr
	}
	return domain.Transfer{ID: "tr-1", State: c.state, TxHash: "0xabc"}, nil
}

func (c *fakeCustody) GetTransfer(ctx context.Context, transferID string) (domain.Transfer, error) {
	return domain.Transfer{ID: transferID, State: c.state, TxHash: "0xabc"}, nil
}

type recordingNotifier struct {
	events []string
}

func (n *recordingNotifier) Notify(ctx context.Context, event, title, message string) error {
	n.events = append(n.events, event)
	return nil
}

func newWorkerFixture(custody *fakeCustody) (*Worker, *fakeTx, *recordingNotifier) {
	tx := &fakeTx{
		wallet: domain.Wallet{
			ID:             "wal-1",
			UserID:         "user-1",
			CircleWalletID: "circle-1",
			BalanceUSDC:    0, // hold already debited at intake
		},
		withdrawals: map[string]domain.Withdrawal{
			"wd-1": {
				ID:             "wd-1",
				UserID:         "user-1",
				WalletID:       "wal-1",
				Destination:    "dest-addr",
				AmountUSDC:     1_000_000,
				IdempotencyKey: "idem-key-1",
				Status:         domain.WithdrawalPending,
				NextAttemptAt:  time.Now().Add(-time.Second),
			},
		},
	}
	notifier := &recordingNotifier{}
	w := NewWorker(
		&fakeStore{tx: tx},
		&fakeWalletStore{wallet: tx.wallet},
		custody,
		notifier,
		nil,
		Config{MaxAttempts: 3, RetryBase: 2 * time.Second, ConfirmInterval: time.Millisecond},
		testLogger(),
	)
	return w, tx, notifier
}

func TestWorkerCompletesWithdrawal(t *testing.T) {
	custody := &fakeCustody{state: domain.TransferComplete}
	w, tx, notifier := newWorkerFixture(custody)

	if err := w.processOne(context.Background()); err != nil {
		t.Fatalf("processOne failed: %v", err)
	}

	wd := tx.withdrawals["wd-1"]
	if wd.Status != domain.WithdrawalCompleted {
		t.Errorf("status = %s, want completed", wd.Status)
	}
	if wd.ProviderTransferID != "tr-1" || wd.TxHash != "0xabc" {
		t.Errorf("provider ids = (%s, %s), want (tr-1, 0xabc)", wd.ProviderTransferID, wd.TxHash)
	}
	if tx.wallet.BalanceUSDC != 0 {
		t.Errorf("balance = %d, want 0 (no refund on success)", tx.wallet.BalanceUSDC)
	}
	if len(custody.requests) != 1 {
		t.Fatalf("provider called %d times, want 1", len(custody.requests))
	}
	req := custody.requests[0]
	if req.IdempotencyKey != "idem-key-1" || req.SourceWalletID != "circle-1" || req.AmountUSDC != 1_000_000 {
		t.Errorf("transfer request = %+v, want intake values", req)
	}
	if len(notifier.events) != 0 {
		t.Errorf("unexpected alerts on success: %v", notifier.events)
	}
}

func TestWorkerRetriesThenRefunds(t *testing.T) {
	custody := &fakeCustody{sendErr: domain.ErrServiceUnavailable}
	w, tx, notifier := newWorkerFixture(custody)
	ctx := context.Background()

	// First two attempts reschedule with growing backoff.
	for attempt := 1; attempt <= 2; attempt++ {
		// Make the row due regardless of the previous backoff.
		wd := tx.withdrawals["wd-1"]
		wd.NextAttemptAt = time.Now().Add(-time.Second)
		tx.withdrawals["wd-1"] = wd

		if err := w.processOne(ctx); err != nil {
			t.Fatalf("attempt %d: processOne failed: %v", attempt, err)
		}
		wd = tx.withdrawals["wd-1"]
		if wd.Status != domain.WithdrawalPending {
			t.Fatalf("attempt %d: status = %s, want pending (rescheduled)", attempt, wd.Status)
		}
		if wd.Attempts != attempt {
			t.Fatalf("attempt counter = %d, want %d", wd.Attempts, attempt)
		}
		wantDelay := 2 * time.Second << (attempt - 1)
		if remaining := time.Until(wd.NextAttemptAt); remaining < wantDelay-time.Second || remaining > wantDelay+time.Second {
			t.Errorf("attempt %d: backoff ≈ %v, want ≈ %v", attempt, remaining, wantDelay)
		}
	}

	// Third attempt is terminal: failed status plus atomic refund.
	wd := tx.withdrawals["wd-1"]
	wd.NextAttemptAt = time.Now().Add(-time.Second)
	tx.withdrawals["wd-1"] = wd

	if err := w.processOne(ctx); err != nil {
		t.Fatalf("final attempt: processOne failed: %v", err)
	}
	wd = tx.withdrawals["wd-1"]
	if wd.Status != domain.WithdrawalFailed {
		t.Errorf("status = %s, want failed", wd.Status)
	}
	if wd.FailureReason == "" {
		t.Error("terminal failure must record a reason")
	}
	if tx.wallet.BalanceUSDC != 1_000_000 {
		t.Errorf("balance = %d, want 1000000 (hold refunded)", tx.wallet.BalanceUSDC)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "withdrawal_failed" {
		t.Errorf("alerts = %v, want [withdrawal_failed]", notifier.events)
	}

	// The provider saw the same idempotency key on every attempt.
	if len(custody.requests) != 3 {
		t.Fatalf("provider called %d times, want 3", len(custody.requests))
	}
	for i, req := range custody.requests {
		if req.IdempotencyKey != "idem-key-1" {
			t.Errorf("attempt %d idempotency key = %s, want idem-key-1", i+1, req.IdempotencyKey)
		}
	}
}

func TestWorkerReclaimsStaleProcessing(t *testing.T) {
	custody := &fakeCustody{state: domain.TransferComplete}
	w, tx, _ := newWorkerFixture(custody)

	// A peer died after claiming: the row sits in processing with an expired
	// lease and would otherwise never be touched again.
	wd := tx.withdrawals["wd-1"]
	wd.Status = domain.WithdrawalProcessing
	wd.Attempts = 1
	wd.UpdatedAt = time.Now().Add(-10 * time.Minute)
	tx.withdrawals["wd-1"] = wd

	if err := w.processOne(context.Background()); err != nil {
		t.Fatalf("processOne failed: %v", err)
	}

	wd = tx.withdrawals["wd-1"]
	if wd.Status != domain.WithdrawalCompleted {
		t.Errorf("status = %s, want completed after reclaim", wd.Status)
	}
	if wd.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 (reclaim counts as an attempt)", wd.Attempts)
	}
	// The original idempotency key is reused, so the provider executes the
	// transfer at most once even if the dead peer's send went through.
	if len(custody.requests) != 1 || custody.requests[0].IdempotencyKey != "idem-key-1" {
		t.Errorf("requests = %+v, want one with idem-key-1", custody.requests)
	}
}

func TestWorkerLeavesFreshProcessingAlone(t *testing.T) {
	custody := &fakeCustody{state: domain.TransferComplete}
	w, tx, _ := newWorkerFixture(custody)

	wd := tx.withdrawals["wd-1"]
	wd.Status = domain.WithdrawalProcessing
	wd.Attempts = 1
	wd.UpdatedAt = time.Now() // lease still live
	tx.withdrawals["wd-1"] = wd

	if err := w.processOne(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound for a live lease", err)
	}
	if len(custody.requests) != 0 {
		t.Error("a row with a live lease must not be re-sent")
	}
}

func TestWorkerNothingDue(t *testing.T) {
	custody := &fakeCustody{state: domain.TransferComplete}
	w, tx, _ := newWorkerFixture(custody)

	wd := tx.withdrawals["wd-1"]
	wd.NextAttemptAt = time.Now().Add(time.Hour)
	tx.withdrawals["wd-1"] = wd

	if err := w.processOne(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound when nothing is due", err)
	}
	if len(custody.requests) != 0 {
		t.Error("provider must not be called when nothing is due")
	}
}
