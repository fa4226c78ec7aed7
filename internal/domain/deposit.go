package domain

import "time"

// DepositStatus is the terminal state of a detected deposit. Credit and
// record insertion happen in one transaction, so a stored deposit is either
// credited or was dropped by the per-wallet rate limit; dropped rows keep the
// audit trail for manual credit and are never retried automatically.
type DepositStatus string

const (
	DepositCredited DepositStatus = "credited"
	DepositDropped  DepositStatus = "dropped"
)

// Deposit records a single inbound on-chain transfer. Signature is the
// unique blockchain transaction signature; uniqueness on it is the
// deduplication invariant.
type Deposit struct {
	ID            string
	WalletID      string
	Signature     string
	Slot          int64
	AmountUSDC    int64
	SourceAddress string
	Status        DepositStatus
	CreatedAt     time.Time
}

// SweepStatus is the state of a custodial sweep to the platform hot wallet.
type SweepStatus string

const (
	SweepPending   SweepStatus = "pending"
	SweepCompleted SweepStatus = "completed"
	SweepFailed    SweepStatus = "failed"
)

// Sweep records the transfer of a wallet's custodial balance to the platform
// hot wallet. DepositID links the sweep to the deposit that triggered it for
// audit. Sweep failure never rolls back the deposit credit; failed sweeps
// are retriable later.
type Sweep struct {
	ID                 string
	WalletID           string
	DepositID          string
	AmountUSDC         int64
	Destination        string
	ProviderTransferID string
	Status             SweepStatus
	FailureReason      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
