package domain

import "time"

// TokenSymbol identifies a balance denomination on a wallet.
type TokenSymbol string

const (
	TokenUSDC TokenSymbol = "USDC"
	TokenSOL  TokenSymbol = "SOL"
)

// Valid reports whether t is a supported token.
func (t TokenSymbol) Valid() bool {
	return t == TokenUSDC || t == TokenSOL
}

// Wallet is a per-user custodial account. Balances are integers in
// micro-units and are mutated only through the ledger primitive inside a
// database transaction. LastSignature/LastSlot form the deposit-scan cursor.
type Wallet struct {
	ID             string
	UserID         string
	CircleWalletID string // external custodial identity
	DepositAddress string // on-chain token account address
	BalanceUSDC    int64
	BalanceSOL     int64
	LastSignature  string
	LastSlot       int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Balance returns the wallet's balance for the given token.
func (w Wallet) Balance(token TokenSymbol) int64 {
	if token == TokenSOL {
		return w.BalanceSOL
	}
	return w.BalanceUSDC
}
