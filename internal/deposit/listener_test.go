package deposit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

type fakeTx struct {
	domain.Tx

	wallet   *domain.Wallet
	deposits map[string]domain.Deposit // keyed by signature
}

func (tx *fakeTx) InsertDeposit(ctx context.Context, d domain.Deposit) (bool, error) {
	if _, ok := tx.deposits[d.Signature]; ok {
		return false, nil
	}
	tx.deposits[d.Signature] = d
	return true, nil
}

func (tx *fakeTx) AdjustBalance(ctx context.Context, walletID string, token domain.TokenSymbol, delta int64) (int64, error) {
	if walletID != tx.wallet.ID {
		return 0, domain.ErrNotFound
	}
	next := tx.wallet.BalanceUSDC + delta
	if next < 0 {
		return 0, domain.ErrInsufficientBalance
	}
	tx.wallet.BalanceUSDC = next
	return next, nil
}

func (tx *fakeTx) UpdateWalletCursor(ctx context.Context, walletID, signature string, slot int64) error {
	if walletID != tx.wallet.ID {
		return domain.ErrNotFound
	}
	tx.wallet.LastSignature = signature
	tx.wallet.LastSlot = slot
	return nil
}

type fakeStore struct {
	tx *fakeTx
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return fn(ctx, s.tx)
}

type fakeWalletStore struct {
	wallet *domain.Wallet
}

func (s *fakeWalletStore) GetByID(ctx context.Context, walletID string) (domain.Wallet, error) {
	return *s.wallet, nil
}

func (s *fakeWalletStore) GetByUser(ctx context.Context, userID string) (domain.Wallet, error) {
	return *s.wallet, nil
}

func (s *fakeWalletStore) ListWithDepositAddress(ctx context.Context) ([]domain.Wallet, error) {
	return []domain.Wallet{*s.wallet}, nil
}

type fakeDepositStore struct {
	sweeps map[string]domain.Sweep
}

func (s *fakeDepositStore) ListByWallet(ctx context.Context, walletID string, opts domain.ListOpts) ([]domain.Deposit, error) {
	return nil, nil
}

func (s *fakeDepositStore) ListBefore(ctx context.Context, before time.Time) ([]domain.Deposit, error) {
	return nil, nil
}

func (s *fakeDepositStore) InsertSweep(ctx context.Context, sw domain.Sweep) error {
	s.sweeps[sw.ID] = sw
	return nil
}

func (s *fakeDepositStore) UpdateSweep(ctx context.Context, sw domain.Sweep) error {
	s.sweeps[sw.ID] = sw
	return nil
}

type fakeChain struct {
	sigs   []domain.SignatureInfo // newest first
	txs    map[string]domain.ChainTransaction
	txErr  error
	sigErr error
}

func (c *fakeChain) GetSignaturesForAddress(ctx context.Context, address, until, before string, limit int) ([]domain.SignatureInfo, error) {
	if c.sigErr != nil {
		return nil, c.sigErr
	}
	started := before == ""
	var out []domain.SignatureInfo
	for _, s := range c.sigs {
		if !started {
			started = s.Signature == before
			continue
		}
		if s.Signature == until {
			break
		}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (c *fakeChain) GetTransaction(ctx context.Context, signature string) (domain.ChainTransaction, error) {
	if c.txErr != nil {
		return domain.ChainTransaction{}, c.txErr
	}
	tx, ok := c.txs[signature]
	if !ok {
		return domain.ChainTransaction{}, domain.ErrNotFound
	}
	return tx, nil
}

type fakeCustody struct {
	balance int64
	sendErr error
	sends   []domain.TransferRequest
}

func (c *fakeCustody) CreateWallet(ctx context.Context, userID string) (string, string, error) {
	return "", "", errors.New("not implemented")
}

func (c *fakeCustody) GetBalance(ctx context.Context, walletID string, token domain.TokenSymbol) (int64, error) {
	return c.balance, nil
}

func (c *fakeCustody) Send(ctx context.Context, req domain.TransferRequest) (domain.Transfer, error) {
	c.sends = append(c.sends, req)
	if c.sendErr != nil {
		return domain.Transfer{}, c.sendErr
	}
	return domain.Transfer{ID: "sweep-tr-1", State: domain.TransferComplete}, nil
}

func (c *fakeCustody) GetTransfer(ctx context.Context, transferID string) (domain.Transfer, error) {
	return domain.Transfer{ID: transferID, State: domain.TransferComplete}, nil
}

type fakeLimiter struct {
	allow bool
	calls int
}

func (l *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.calls++
	return l.allow, nil
}

func (l *fakeLimiter) Wait(ctx context.Context, key string) error { return nil }

// depositTx builds an inbound transfer of amount micro-units to account.
func depositTx(sig string, slot int64, account string, pre, post string) domain.ChainTransaction {
	return domain.ChainTransaction{
		Signature:     sig,
		Slot:          slot,
		PreBalances:   []domain.TokenBalance{{AccountAddress: account, Amount: pre}},
		PostBalances:  []domain.TokenBalance{{AccountAddress: account, Amount: post}},
		SourceAddress: "sender-addr",
	}
}

func newListenerFixture(chain *fakeChain, custody *fakeCustody, limiter domain.RateLimiter) (*Listener, *fakeTx, *fakeDepositStore) {
	wallet := &domain.Wallet{
		ID:             "wal-1",
		UserID:         "user-1",
		CircleWalletID: "circle-1",
		DepositAddress: "token-acct-1",
	}
	tx := &fakeTx{wallet: wallet, deposits: make(map[string]domain.Deposit)}
	depStore := &fakeDepositStore{sweeps: make(map[string]domain.Sweep)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l := NewListener(
		&fakeStore{tx: tx},
		&fakeWalletStore{wallet: wallet},
		depStore,
		chain,
		custody,
		limiter,
		nil,
		nil,
		nil,
		Config{MinAmount: 10_000, HotWalletAddress: "hot-wallet-addr"},
		logger,
	)
	return l, tx, depStore
}

func TestPollCreditsOldestFirst(t *testing.T) {
	chain := &fakeChain{
		sigs: []domain.SignatureInfo{
			{Signature: "sig-new", Slot: 200},
			{Signature: "sig-old", Slot: 100},
		},
		txs: map[string]domain.ChainTransaction{
			"sig-old": depositTx("sig-old", 100, "token-acct-1", "0", "5000000"),
			"sig-new": depositTx("sig-new", 200, "token-acct-1", "5000000", "7000000"),
		},
	}
	l, tx, _ := newListenerFixture(chain, &fakeCustody{balance: 7_000_000}, nil)

	l.Poll(context.Background())

	if tx.wallet.BalanceUSDC != 7_000_000 {
		t.Errorf("balance = %d, want 7000000 (5M + 2M)", tx.wallet.BalanceUSDC)
	}
	if len(tx.deposits) != 2 {
		t.Errorf("recorded %d deposits, want 2", len(tx.deposits))
	}
	if tx.wallet.LastSignature != "sig-new" || tx.wallet.LastSlot != 200 {
		t.Errorf("cursor = (%s, %d), want (sig-new, 200)", tx.wallet.LastSignature, tx.wallet.LastSlot)
	}
}

func TestDepositDedupAcrossOverlappingPolls(t *testing.T) {
	chain := &fakeChain{
		sigs: []domain.SignatureInfo{{Signature: "sig-1", Slot: 100}},
		txs: map[string]domain.ChainTransaction{
			"sig-1": depositTx("sig-1", 100, "token-acct-1", "0", "1000000"),
		},
	}
	l, tx, _ := newListenerFixture(chain, &fakeCustody{}, nil)
	ctx := context.Background()

	l.Poll(ctx)
	// Simulate an overlapping second poll that sees the same signature again.
	tx.wallet.LastSignature = ""
	l.Poll(ctx)

	if len(tx.deposits) != 1 {
		t.Errorf("recorded %d deposits for one signature, want 1", len(tx.deposits))
	}
	if tx.wallet.BalanceUSDC != 1_000_000 {
		t.Errorf("balance = %d, want 1000000 (credited exactly once)", tx.wallet.BalanceUSDC)
	}
}

func TestPollIgnoresOutboundDustAndFailed(t *testing.T) {
	chain := &fakeChain{
		sigs: []domain.SignatureInfo{
			{Signature: "sig-failed", Slot: 400, Err: true},
			{Signature: "sig-dust", Slot: 300},
			{Signature: "sig-out", Slot: 200},
		},
		txs: map[string]domain.ChainTransaction{
			"sig-out":  depositTx("sig-out", 200, "token-acct-1", "9000000", "4000000"),
			"sig-dust": depositTx("sig-dust", 300, "token-acct-1", "4000000", "4000005"),
		},
	}
	l, tx, _ := newListenerFixture(chain, &fakeCustody{}, nil)

	l.Poll(context.Background())

	if len(tx.deposits) != 0 {
		t.Errorf("recorded %d deposits, want 0", len(tx.deposits))
	}
	if tx.wallet.BalanceUSDC != 0 {
		t.Errorf("balance = %d, want 0", tx.wallet.BalanceUSDC)
	}
	// Cursor still advances past the inspected history.
	if tx.wallet.LastSignature != "sig-failed" {
		t.Errorf("cursor = %s, want sig-failed", tx.wallet.LastSignature)
	}
}

func TestRateLimitDropsDeposit(t *testing.T) {
	chain := &fakeChain{
		sigs: []domain.SignatureInfo{{Signature: "sig-1", Slot: 100}},
		txs: map[string]domain.ChainTransaction{
			"sig-1": depositTx("sig-1", 100, "token-acct-1", "0", "1000000"),
		},
	}
	limiter := &fakeLimiter{allow: false}
	l, tx, _ := newListenerFixture(chain, &fakeCustody{}, limiter)

	l.Poll(context.Background())

	if limiter.calls != 1 {
		t.Fatalf("limiter consulted %d times, want 1", limiter.calls)
	}
	if tx.wallet.BalanceUSDC != 0 {
		t.Errorf("balance = %d, want 0 (rate-limited deposit never credits)", tx.wallet.BalanceUSDC)
	}
	// The row is kept for the audit trail with the dropped status, and the
	// signature dedup keeps later polls from crediting it.
	dropped, ok := tx.deposits["sig-1"]
	if !ok {
		t.Fatal("rate-limited deposit must still be recorded")
	}
	if dropped.Status != domain.DepositDropped {
		t.Errorf("status = %s, want dropped", dropped.Status)
	}
	if dropped.AmountUSDC != 1_000_000 {
		t.Errorf("recorded amount = %d, want 1000000", dropped.AmountUSDC)
	}

	limiter.allow = true
	tx.wallet.LastSignature = ""
	l.Poll(context.Background())
	if tx.wallet.BalanceUSDC != 0 {
		t.Error("a dropped deposit must not be credited by a later poll")
	}
}

func TestBurstBeyondScanLimitCreditsEverything(t *testing.T) {
	// Five deposits land between polls while the node pages at most two
	// signatures per request. Every one of them must be credited and the
	// cursor must land on the newest.
	sigs := []domain.SignatureInfo{
		{Signature: "sig-5", Slot: 500},
		{Signature: "sig-4", Slot: 400},
		{Signature: "sig-3", Slot: 300},
		{Signature: "sig-2", Slot: 200},
		{Signature: "sig-1", Slot: 100},
		{Signature: "sig-0", Slot: 50}, // already processed: the cursor
	}
	txs := make(map[string]domain.ChainTransaction)
	for i := 1; i <= 5; i++ {
		sig := sigs[5-i].Signature
		pre := fmt.Sprintf("%d", (i-1)*1_000_000)
		post := fmt.Sprintf("%d", i*1_000_000)
		txs[sig] = depositTx(sig, sigs[5-i].Slot, "token-acct-1", pre, post)
	}
	chain := &fakeChain{sigs: sigs, txs: txs}
	l, tx, _ := newListenerFixture(chain, &fakeCustody{}, nil)
	l.cfg.ScanLimit = 2
	tx.wallet.LastSignature = "sig-0"
	tx.wallet.LastSlot = 50

	l.Poll(context.Background())

	if tx.wallet.BalanceUSDC != 5_000_000 {
		t.Errorf("balance = %d, want 5000000 (all five credited)", tx.wallet.BalanceUSDC)
	}
	if len(tx.deposits) != 5 {
		t.Errorf("recorded %d deposits, want 5", len(tx.deposits))
	}
	if tx.wallet.LastSignature != "sig-5" || tx.wallet.LastSlot != 500 {
		t.Errorf("cursor = (%s, %d), want (sig-5, 500)", tx.wallet.LastSignature, tx.wallet.LastSlot)
	}
}

func TestRPCErrorLeavesCursorForRetry(t *testing.T) {
	chain := &fakeChain{
		sigs: []domain.SignatureInfo{{Signature: "sig-1", Slot: 100}},
		txs: map[string]domain.ChainTransaction{
			"sig-1": depositTx("sig-1", 100, "token-acct-1", "0", "1000000"),
		},
		txErr: domain.ErrServiceUnavailable,
	}
	l, tx, _ := newListenerFixture(chain, &fakeCustody{}, nil)
	ctx := context.Background()

	l.Poll(ctx)
	if tx.wallet.LastSignature != "" {
		t.Fatal("cursor must not advance past an unprocessed signature")
	}
	if tx.wallet.BalanceUSDC != 0 {
		t.Fatal("no credit on RPC failure")
	}

	// The node recovers; the next cycle picks the deposit up.
	chain.txErr = nil
	l.Poll(ctx)
	if tx.wallet.BalanceUSDC != 1_000_000 {
		t.Errorf("balance after retry = %d, want 1000000", tx.wallet.BalanceUSDC)
	}
	if tx.wallet.LastSignature != "sig-1" {
		t.Errorf("cursor after retry = %s, want sig-1", tx.wallet.LastSignature)
	}
}

func TestSweepAfterCredit(t *testing.T) {
	chain := &fakeChain{
		sigs: []domain.SignatureInfo{{Signature: "sig-1", Slot: 100}},
		txs: map[string]domain.ChainTransaction{
			"sig-1": depositTx("sig-1", 100, "token-acct-1", "0", "3000000"),
		},
	}
	custody := &fakeCustody{balance: 3_000_000}
	l, tx, depStore := newListenerFixture(chain, custody, nil)

	l.Poll(context.Background())

	if len(depStore.sweeps) != 1 {
		t.Fatalf("recorded %d sweeps, want 1", len(depStore.sweeps))
	}
	for _, sw := range depStore.sweeps {
		if sw.Status != domain.SweepCompleted {
			t.Errorf("sweep status = %s, want completed", sw.Status)
		}
		if sw.AmountUSDC != 3_000_000 {
			t.Errorf("sweep amount = %d, want 3000000", sw.AmountUSDC)
		}
		if sw.ProviderTransferID != "sweep-tr-1" {
			t.Errorf("sweep transfer id = %s, want sweep-tr-1", sw.ProviderTransferID)
		}
		if sw.DepositID == "" {
			t.Error("sweep must link to the triggering deposit")
		}
	}
	if len(custody.sends) != 1 || custody.sends[0].DestinationAddress != "hot-wallet-addr" {
		t.Errorf("sweep sends = %+v, want one to hot-wallet-addr", custody.sends)
	}
	// Credit stays even though sweeping happens after the transaction.
	if tx.wallet.BalanceUSDC != 3_000_000 {
		t.Errorf("balance = %d, want 3000000", tx.wallet.BalanceUSDC)
	}
}

func TestSweepFailureDoesNotAffectCredit(t *testing.T) {
	chain := &fakeChain{
		sigs: []domain.SignatureInfo{{Signature: "sig-1", Slot: 100}},
		txs: map[string]domain.ChainTransaction{
			"sig-1": depositTx("sig-1", 100, "token-acct-1", "0", "2000000"),
		},
	}
	custody := &fakeCustody{balance: 2_000_000, sendErr: domain.ErrServiceUnavailable}
	l, tx, depStore := newListenerFixture(chain, custody, nil)

	l.Poll(context.Background())

	if tx.wallet.BalanceUSDC != 2_000_000 {
		t.Errorf("balance = %d, want 2000000 (credit survives sweep failure)", tx.wallet.BalanceUSDC)
	}
	if len(depStore.sweeps) != 1 {
		t.Fatalf("recorded %d sweeps, want 1", len(depStore.sweeps))
	}
	for _, sw := range depStore.sweeps {
		if sw.Status != domain.SweepFailed {
			t.Errorf("sweep status = %s, want failed", sw.Status)
		}
		if sw.FailureReason == "" {
			t.Error("failed sweep must record a reason")
		}
	}
}
