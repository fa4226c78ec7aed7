package domain

import "context"

// TransferState is the custodial provider's view of a transfer.
type TransferState string

const (
	TransferPending  TransferState = "pending"
	TransferComplete TransferState = "complete"
	TransferFailed   TransferState = "failed"
)

// TransferRequest asks the custodial provider to move funds out of a
// custodial wallet. IdempotencyKey guarantees that a retried request has at
// most one effect on the provider side.
type TransferRequest struct {
	SourceWalletID     string
	DestinationAddress string
	AmountUSDC         int64
	IdempotencyKey     string
}

// Transfer is the provider's record of a send.
type Transfer struct {
	ID     string
	State  TransferState
	TxHash string
	Reason string // populated when State is failed
}

// CustodialClient is the capability interface over the custodial wallet
// provider. Retries and backoff belong to the calling pipeline, not here;
// transient provider failures are surfaced wrapping ErrServiceUnavailable.
type CustodialClient interface {
	CreateWallet(ctx context.Context, userID string) (walletID, depositAddress string, err error)
	GetBalance(ctx context.Context, walletID string, token TokenSymbol) (int64, error)
	Send(ctx context.Context, req TransferRequest) (Transfer, error)
	GetTransfer(ctx context.Context, transferID string) (Transfer, error)
}

// SignatureInfo is one entry from a signatures-for-address scan, newest
// first as returned by the RPC node.
type SignatureInfo struct {
	Signature string
	Slot      int64
	Err       bool // the transaction failed on chain
}

// TokenBalance is a token account balance attached to a transaction, used to
// compute the inbound delta as post minus pre.
type TokenBalance struct {
	AccountAddress string
	Amount         string // raw integer amount in the token's smallest unit
}

// ChainTransaction is the subset of an on-chain transaction needed to detect
// deposits.
type ChainTransaction struct {
	Signature     string
	Slot          int64
	PreBalances   []TokenBalance
	PostBalances  []TokenBalance
	SourceAddress string
}

// ChainClient is the capability interface over the blockchain RPC node.
// Transient RPC failures (timeouts, rate limits) wrap ErrServiceUnavailable
// so pollers can skip and retry next cycle.
type ChainClient interface {
	// GetSignaturesForAddress returns up to limit signatures for the token
	// account, newest first, stopping at (and excluding) until when set.
	// before, when set, starts the page strictly below that signature; callers
	// page backwards with it when a window holds more than limit entries.
	GetSignaturesForAddress(ctx context.Context, address, until, before string, limit int) ([]SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (ChainTransaction, error)
}
