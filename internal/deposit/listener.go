// Package deposit implements the on-chain deposit listener: a single-flight
// poller that scans each custodial wallet's token account for new inbound
// transfers, credits them atomically and idempotently by signature, and
// sweeps the custodial balance to the platform hot wallet.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/predictlabs/exchange/internal/domain"
)

// Notifier is the slice of the ops notifier used for sweep failure alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the listener's scan and spam limits.
type Config struct {
	Interval         time.Duration // poll spacing
	ScanLimit        int           // signatures per wallet per poll
	FirstRunLookback int           // signatures on a wallet's first scan
	MinAmount        int64         // micro-units; smaller deposits are ignored
	RateLimit        int           // recorded deposits per wallet per window
	RateWindow       time.Duration
	HotWalletAddress string // sweep destination; empty disables sweeping
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 100
	}
	if c.FirstRunLookback <= 0 {
		c.FirstRunLookback = 25
	}
	if c.MinAmount <= 0 {
		c.MinAmount = 10_000 // 0.01 USDC
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Hour
	}
	return c
}

// Listener polls the chain for deposits. Wallet failures are isolated: a
// transient RPC error skips that wallet for the cycle and the cursor stays
// put, so nothing is lost.
type Listener struct {
	store    domain.TxStore
	wallets  domain.WalletStore
	deposits domain.DepositStore
	chain    domain.ChainClient
	custody  domain.CustodialClient
	limiter  domain.RateLimiter
	locks    domain.LockManager
	bus      domain.SignalBus
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	running atomic.Bool
}

// NewListener creates a Listener. limiter, locks, bus, and notifier may be
// nil; the corresponding behavior is then skipped.
func NewListener(
	store domain.TxStore,
	wallets domain.WalletStore,
	deposits domain.DepositStore,
	chain domain.ChainClient,
	custody domain.CustodialClient,
	limiter domain.RateLimiter,
	locks domain.LockManager,
	bus domain.SignalBus,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Listener {
	return &Listener{
		store:    store,
		wallets:  wallets,
		deposits: deposits,
		chain:    chain,
		custody:  custody,
		limiter:  limiter,
		locks:    locks,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "deposit_listener")),
	}
}

// Run polls on the configured interval until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	l.logger.InfoContext(ctx, "deposit listener started",
		slog.Duration("interval", l.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			l.logger.InfoContext(ctx, "deposit listener stopped")
			return ctx.Err()
		case <-ticker.C:
			l.Poll(ctx)
		}
	}
}

// Poll runs one scan cycle. Re-entrancy is guarded so a slow cycle is never
// overlapped by the next tick.
func (l *Listener) Poll(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		l.logger.WarnContext(ctx, "previous poll still running, skipping cycle")
		return
	}
	defer l.running.Store(false)

	if l.locks != nil {
		unlock, err := l.locks.Acquire(ctx, "deposit_listener", l.cfg.Interval)
		if err != nil {
			if !errors.Is(err, domain.ErrLockHeld) {
				l.logger.WarnContext(ctx, "poller lock unavailable", slog.String("error", err.Error()))
			}
			return
		}
		defer unlock()
	}

	wallets, err := l.wallets.ListWithDepositAddress(ctx)
	if err != nil {
		l.logger.ErrorContext(ctx, "wallet listing failed", slog.String("error", err.Error()))
		return
	}

	for _, w := range wallets {
		if ctx.Err() != nil {
			return
		}
		if err := l.scanWallet(ctx, w); err != nil {
			// Isolated: one wallet's RPC trouble never blocks the others.
			l.logger.WarnContext(ctx, "wallet scan skipped",
				slog.String("wallet_id", w.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// scanWallet fetches every signature newer than the wallet's cursor, credits
// the deposits oldest first, advances the cursor, and sweeps.
func (l *Listener) scanWallet(ctx context.Context, w domain.Wallet) error {
	sigs, err := l.fetchSince(ctx, w)
	if err != nil {
		return err
	}
	if len(sigs) == 0 {
		return nil
	}

	// Signatures arrive newest first; credit oldest first so the cursor only
	// ever moves forward past fully processed history.
	newest := sigs[0]
	var lastCredited *domain.Deposit
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Err {
			continue
		}
		dep, credited, err := l.processSignature(ctx, w, sig)
		if err != nil {
			return err
		}
		if credited {
			lastCredited = &dep
		}
	}

	err = l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.UpdateWalletCursor(ctx, w.ID, newest.Signature, newest.Slot)
	})
	if err != nil {
		return fmt.Errorf("deposit: advance cursor of wallet %s: %w", w.ID, err)
	}

	if lastCredited != nil && l.cfg.HotWalletAddress != "" {
		l.sweep(ctx, w, lastCredited.ID)
	}
	return nil
}

// fetchSince returns all signatures between the wallet's cursor and the chain
// tip, newest first. One node-side page holds at most ScanLimit entries, so a
// burst larger than that is walked backwards with before-pagination until the
// cursor is reached; stopping at the first page would silently skip the
// older part of the burst and the cursor would then move past it for good.
// First scans have no cursor and take a single bounded lookback instead.
func (l *Listener) fetchSince(ctx context.Context, w domain.Wallet) ([]domain.SignatureInfo, error) {
	if w.LastSignature == "" {
		sigs, err := l.chain.GetSignaturesForAddress(ctx, w.DepositAddress, "", "", l.cfg.FirstRunLookback)
		if err != nil {
			return nil, fmt.Errorf("deposit: signatures for %s: %w", w.DepositAddress, err)
		}
		return sigs, nil
	}

	var (
		window []domain.SignatureInfo
		before string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := l.chain.GetSignaturesForAddress(ctx, w.DepositAddress, w.LastSignature, before, l.cfg.ScanLimit)
		if err != nil {
			// The cursor has not moved; the whole window is refetched next
			// cycle.
			return nil, fmt.Errorf("deposit: signatures for %s: %w", w.DepositAddress, err)
		}
		window = append(window, batch...)
		if len(batch) < l.cfg.ScanLimit {
			// The node ran out of history above the cursor; the window is
			// complete.
			return window, nil
		}
		before = batch[len(batch)-1].Signature
	}
}

// processSignature inspects one transaction and credits its inbound delta.
// The returned bool reports whether a new deposit row was created.
func (l *Listener) processSignature(ctx context.Context, w domain.Wallet, sig domain.SignatureInfo) (domain.Deposit, bool, error) {
	chainTx, err := l.chain.GetTransaction(ctx, sig.Signature)
	if err != nil {
		return domain.Deposit{}, false, fmt.Errorf("deposit: transaction %s: %w", sig.Signature, err)
	}

	delta := tokenDelta(chainTx, w.DepositAddress)
	if delta.Sign() <= 0 {
		return domain.Deposit{}, false, nil
	}
	if !delta.IsInt64() {
		l.logger.ErrorContext(ctx, "deposit delta exceeds int64, skipping",
			slog.String("signature", sig.Signature),
			slog.String("delta", delta.String()),
		)
		return domain.Deposit{}, false, nil
	}
	amount := delta.Int64()
	if amount < l.cfg.MinAmount {
		return domain.Deposit{}, false, nil
	}

	if l.limiter != nil {
		allowed, err := l.limiter.Allow(ctx, "deposit:"+w.ID, l.cfg.RateLimit, l.cfg.RateWindow)
		if err != nil {
			// Fail open: a limiter outage must not freeze legitimate deposits.
			l.logger.WarnContext(ctx, "deposit rate limiter unavailable",
				slog.String("error", err.Error()))
		} else if !allowed {
			return domain.Deposit{}, false, l.recordDropped(ctx, w, sig, chainTx, amount)
		}
	}

	dep := domain.Deposit{
		ID:            uuid.New().String(),
		WalletID:      w.ID,
		Signature:     sig.Signature,
		Slot:          sig.Slot,
		AmountUSDC:    amount,
		SourceAddress: chainTx.SourceAddress,
		Status:        domain.DepositCredited,
		CreatedAt:     time.Now().UTC(),
	}

	var credited bool
	err = l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		inserted, err := tx.InsertDeposit(ctx, dep)
		if err != nil {
			return err
		}
		if !inserted {
			// Signature already recorded by an earlier poll.
			return nil
		}
		if _, err := tx.AdjustBalance(ctx, w.ID, domain.TokenUSDC, amount); err != nil {
			return err
		}
		credited = true
		return nil
	})
	if err != nil {
		return domain.Deposit{}, false, fmt.Errorf("deposit: credit %s: %w", sig.Signature, err)
	}
	if !credited {
		return domain.Deposit{}, false, nil
	}

	l.logger.InfoContext(ctx, "deposit credited",
		slog.String("wallet_id", w.ID),
		slog.String("signature", sig.Signature),
		slog.Int64("amount_usdc", amount),
	)
	if l.bus != nil {
		payload := []byte(fmt.Sprintf(`{"event":"deposit_credited","wallet_id":"%s","amount":%d}`, w.ID, amount))
		if err := l.bus.Publish(ctx, "deposits", payload); err != nil {
			l.logger.WarnContext(ctx, "deposit event publish failed", slog.String("error", err.Error()))
		}
	}
	return dep, true, nil
}

// recordDropped writes the deposit row with no balance change when the
// per-wallet rate limit rejects it. The row keeps the audit trail so ops can
// credit it manually; signature dedup stops later polls from retrying it.
func (l *Listener) recordDropped(ctx context.Context, w domain.Wallet, sig domain.SignatureInfo, chainTx domain.ChainTransaction, amount int64) error {
	dropped := domain.Deposit{
		ID:            uuid.New().String(),
		WalletID:      w.ID,
		Signature:     sig.Signature,
		Slot:          sig.Slot,
		AmountUSDC:    amount,
		SourceAddress: chainTx.SourceAddress,
		Status:        domain.DepositDropped,
		CreatedAt:     time.Now().UTC(),
	}
	err := l.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		_, err := tx.InsertDeposit(ctx, dropped)
		return err
	})
	if err != nil {
		return fmt.Errorf("deposit: record dropped %s: %w", sig.Signature, err)
	}
	l.logger.WarnContext(ctx, "deposit dropped by rate limit",
		slog.String("wallet_id", w.ID),
		slog.String("signature", sig.Signature),
		slog.Int64("amount_usdc", amount),
	)
	return nil
}

// sweep moves the wallet's full custodial balance to the hot wallet. Sweep
// failure is recorded and alerted but never affects the committed credit.
func (l *Listener) sweep(ctx context.Context, w domain.Wallet, depositID string) {
	balance, err := l.custody.GetBalance(ctx, w.CircleWalletID, domain.TokenUSDC)
	if err != nil {
		l.logger.WarnContext(ctx, "sweep skipped, balance unavailable",
			slog.String("wallet_id", w.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if balance <= 0 {
		return
	}

	sw := domain.Sweep{
		ID:          uuid.New().String(),
		WalletID:    w.ID,
		DepositID:   depositID,
		AmountUSDC:  balance,
		Destination: l.cfg.HotWalletAddress,
		Status:      domain.SweepPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.deposits.InsertSweep(ctx, sw); err != nil {
		l.logger.ErrorContext(ctx, "sweep record failed", slog.String("error", err.Error()))
		return
	}

	transfer, err := l.custody.Send(ctx, domain.TransferRequest{
		SourceWalletID:     w.CircleWalletID,
		DestinationAddress: l.cfg.HotWalletAddress,
		AmountUSDC:         balance,
		IdempotencyKey:     sw.ID,
	})
	if err != nil {
		sw.Status = domain.SweepFailed
		sw.FailureReason = err.Error()
		if uerr := l.deposits.UpdateSweep(ctx, sw); uerr != nil {
			l.logger.ErrorContext(ctx, "sweep failure record failed", slog.String("error", uerr.Error()))
		}
		l.logger.ErrorContext(ctx, "sweep failed",
			slog.String("wallet_id", w.ID),
			slog.Int64("amount_usdc", balance),
			slog.String("error", err.Error()),
		)
		if l.notifier != nil {
			msg := fmt.Sprintf("sweep %s of wallet %s (%d micro-USDC) failed: %v", sw.ID, w.ID, balance, err)
			if nerr := l.notifier.Notify(ctx, "sweep_failed", "Sweep failed", msg); nerr != nil {
				l.logger.WarnContext(ctx, "sweep alert not delivered", slog.String("error", nerr.Error()))
			}
		}
		return
	}

	sw.Status = domain.SweepCompleted
	sw.ProviderTransferID = transfer.ID
	if err := l.deposits.UpdateSweep(ctx, sw); err != nil {
		l.logger.ErrorContext(ctx, "sweep completion record failed", slog.String("error", err.Error()))
	}
}

// tokenDelta computes the inbound amount for the account as post minus pre,
// using arbitrary precision so malformed or giant on-chain values can never
// wrap an int64.
func tokenDelta(tx domain.ChainTransaction, account string) *big.Int {
	pre := balanceOf(tx.PreBalances, account)
	post := balanceOf(tx.PostBalances, account)
	return new(big.Int).Sub(post, pre)
}

func balanceOf(balances []domain.TokenBalance, account string) *big.Int {
	for _, b := range balances {
		if b.AccountAddress == account {
			if v, ok := new(big.Int).SetString(b.Amount, 10); ok {
				return v
			}
			break
		}
	}
	return new(big.Int)
}
