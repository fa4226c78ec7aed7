package domain

import "time"

// Position is a user's holding in a single option. Shares and cost basis are
// integers in micro-units. Positions are mutated only by the trade executor
// (on trade) and the resolution processor (on settlement, which zeroes the
// shares and flips IsClaimed).
type Position struct {
	ID           string
	UserID       string
	OptionID     string
	YesShares    int64
	NoShares     int64
	TotalYesCost int64 // cost basis of the yes side
	TotalNoCost  int64 // cost basis of the no side
	IsClaimed    bool
	RealizedPnL  int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Shares returns the share count held on the given side.
func (p Position) Shares(side Side) int64 {
	if side == SideNo {
		return p.NoShares
	}
	return p.YesShares
}

// CostBasis returns the cost basis of the given side.
func (p Position) CostBasis(side Side) int64 {
	if side == SideNo {
		return p.TotalNoCost
	}
	return p.TotalYesCost
}
