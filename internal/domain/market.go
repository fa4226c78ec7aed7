package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive   MarketStatus = "active"
	MarketStatusPaused   MarketStatus = "paused"
	MarketStatusResolved MarketStatus = "resolved"
)

// Side identifies one of the two outcomes of an option.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a recognised outcome side.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// AutoCreditStatus is the one-way payout latch on an option. Transitions are
// "" -> in_progress -> completed and never reverse.
type AutoCreditStatus string

const (
	AutoCreditNone       AutoCreditStatus = ""
	AutoCreditInProgress AutoCreditStatus = "in_progress"
	AutoCreditCompleted  AutoCreditStatus = "completed"
)

// Market is a multi-outcome prediction market priced by the LMSR automated
// market maker. LiquidityParam is fixed at initialization and immutable
// thereafter. All monetary fields are integers in micro-units.
type Market struct {
	ID             string
	LiquidityParam int64 // LMSR b, micro-units, > 0 once initialized
	PoolLiquidity  int64 // shared collateral backing all options, never negative
	TotalLPShares  int64
	IsInitialized  bool
	IsResolved     bool
	Status         MarketStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Option is a single two-outcome book within a market. Outstanding share
// quantities are integers in micro-units and never negative.
type Option struct {
	ID               string
	MarketID         string
	YesQuantity      int64
	NoQuantity       int64
	IsResolved       bool
	WinningSide      *Side
	DisputeDeadline  *time.Time
	AutoCreditStatus AutoCreditStatus
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
