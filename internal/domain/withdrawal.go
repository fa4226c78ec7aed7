package domain

import "time"

// WithdrawalStatus is the state machine of a withdrawal request. Transitions
// are pending -> processing -> {completed | failed}; cancelled is reachable
// only from pending. Rows are never deleted.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "pending"
	WithdrawalProcessing WithdrawalStatus = "processing"
	WithdrawalCompleted  WithdrawalStatus = "completed"
	WithdrawalFailed     WithdrawalStatus = "failed"
	WithdrawalCancelled  WithdrawalStatus = "cancelled"
)

// Withdrawal is a request to move funds from a custodial wallet to an
// external address. AmountUSDC is in micro-units and is held (debited) at
// intake; a failed or cancelled withdrawal refunds the hold atomically with
// the status change.
type Withdrawal struct {
	ID                 string
	UserID             string
	WalletID           string
	Destination        string
	AmountUSDC         int64
	IdempotencyKey     string
	Status             WithdrawalStatus
	JobID              string
	Attempts           int
	NextAttemptAt      time.Time
	ProviderTransferID string
	TxHash             string
	FailureReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
