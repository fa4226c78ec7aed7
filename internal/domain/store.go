package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TxStore runs a function inside a database transaction. The transaction is
// committed when fn returns nil and rolled back otherwise. All cross-field
// consistency (balance holds, quantity updates, status transitions) is
// enforced through Tx operations under row locks.
type TxStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the row-locked operations available inside a transaction. It is
// the single point of balance mutation: AdjustBalance takes FOR UPDATE on the
// wallet row, applies the delta, and fails the transaction when the result
// would be negative. No caller reads a balance and writes a computed value
// back outside this primitive.
type Tx interface {
	// Ledger
	AdjustBalance(ctx context.Context, walletID string, token TokenSymbol, delta int64) (int64, error)
	GetWalletForUpdate(ctx context.Context, walletID string) (Wallet, error)
	GetWalletByUserForUpdate(ctx context.Context, userID string) (Wallet, error)
	UpdateWalletCursor(ctx context.Context, walletID, signature string, slot int64) error

	// AdvisoryLock takes a transaction-scoped advisory lock; it is released
	// automatically at commit or rollback.
	AdvisoryLock(ctx context.Context, lockID int64) error

	// Markets and options
	GetMarket(ctx context.Context, marketID string) (Market, error)
	GetOptionForUpdate(ctx context.Context, optionID string) (Option, error)
	UpdateOptionQuantities(ctx context.Context, optionID string, yesQty, noQty int64) error
	AdjustPoolLiquidity(ctx context.Context, marketID string, delta int64) error
	MarkMarketResolved(ctx context.Context, marketID string) error

	// ClaimOptionPayout flips the option's auto-credit latch from none to
	// in_progress. It returns false when another process already holds or
	// completed the latch.
	ClaimOptionPayout(ctx context.Context, optionID string) (bool, error)
	CompleteOptionPayout(ctx context.Context, optionID string) error

	// Positions
	GetPositionForUpdate(ctx context.Context, userID, optionID string) (Position, error)
	UpsertPosition(ctx context.Context, pos Position) error
	// ListUnclaimedPositionsForUpdate locks up to limit unclaimed positions on
	// the option with SKIP LOCKED so concurrent processors never double-pay.
	ListUnclaimedPositionsForUpdate(ctx context.Context, optionID string, limit int) ([]Position, error)

	// Trades
	InsertTrade(ctx context.Context, trade Trade) error
	InsertPriceSnapshot(ctx context.Context, snap PriceSnapshot) error

	// Withdrawals
	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	GetWithdrawalForUpdate(ctx context.Context, id string) (Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w Withdrawal) error
	HasActiveWithdrawal(ctx context.Context, userID string) (bool, error)
	RecentWithdrawalExists(ctx context.Context, userID, destination string, amount int64, window time.Duration) (bool, error)
	LastWithdrawalAt(ctx context.Context, userID string) (time.Time, error)
	// ClaimDueWithdrawal locks one due withdrawal (FOR UPDATE SKIP LOCKED)
	// and flips it to processing, incrementing the attempt counter. Due means
	// pending with next_attempt_at reached, or stuck in processing with a
	// lease last renewed before staleBefore — a worker that died mid-attempt
	// leaves its row in processing, and the lease lets a peer take it over.
	// ErrNotFound when none are due.
	ClaimDueWithdrawal(ctx context.Context, now, staleBefore time.Time) (Withdrawal, error)

	// Deposits
	// InsertDeposit inserts the deposit keyed by its unique on-chain
	// signature. It returns false (and no error) when the signature was
	// already recorded.
	InsertDeposit(ctx context.Context, d Deposit) (bool, error)
}

// MarketStore provides unlocked market/option reads for the API surface and
// the background pollers.
type MarketStore interface {
	GetMarket(ctx context.Context, marketID string) (Market, error)
	GetOption(ctx context.Context, optionID string) (Option, error)
	ListOptions(ctx context.Context, marketID string) ([]Option, error)
	// ListPayoutDueOptions returns resolved options past their dispute
	// deadline whose auto-credit latch is not yet completed.
	ListPayoutDueOptions(ctx context.Context, now time.Time, limit int) ([]Option, error)
	// ListAutoResolvableMarkets returns unresolved markets whose every option
	// is resolved.
	ListAutoResolvableMarkets(ctx context.Context, limit int) ([]Market, error)
}

// WalletStore provides unlocked wallet reads.
type WalletStore interface {
	GetByID(ctx context.Context, walletID string) (Wallet, error)
	GetByUser(ctx context.Context, userID string) (Wallet, error)
	// ListWithDepositAddress returns wallets that have a known custodial
	// deposit address, for the deposit scan.
	ListWithDepositAddress(ctx context.Context) ([]Wallet, error)
}

// PositionStore provides position reads outside transactions.
type PositionStore interface {
	GetByUserOption(ctx context.Context, userID, optionID string) (Position, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Position, error)
}

// TradeStore provides trade history reads.
type TradeStore interface {
	ListByOption(ctx context.Context, optionID string, opts ListOpts) ([]Trade, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Trade, error)
	ListBefore(ctx context.Context, before time.Time) ([]Trade, error)
}

// WithdrawalStore provides withdrawal reads outside transactions.
type WithdrawalStore interface {
	GetByID(ctx context.Context, id string) (Withdrawal, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Withdrawal, error)
	ListBefore(ctx context.Context, before time.Time) ([]Withdrawal, error)
}

// DepositStore provides deposit and sweep persistence outside the credit
// transaction. Sweeps are written after the deposit transaction commits so a
// sweep failure never affects the credit.
type DepositStore interface {
	ListByWallet(ctx context.Context, walletID string, opts ListOpts) ([]Deposit, error)
	ListBefore(ctx context.Context, before time.Time) ([]Deposit, error)
	InsertSweep(ctx context.Context, s Sweep) error
	UpdateSweep(ctx context.Context, s Sweep) error
}
