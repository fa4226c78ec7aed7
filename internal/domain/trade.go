package domain

import "time"

// TradeAction distinguishes buys from sells.
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// Valid reports whether a is a recognised trade action.
func (a TradeAction) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// Trade is the immutable record of an executed buy or sell. Amount is the
// gross AMM cost (buy) or payout (sell) before fees; Fee is the flat bps fee
// charged on top. PriceYes/PriceNo are the resulting marginal prices after
// the trade, scaled by the pricing PRECISION. All values are micro-units.
type Trade struct {
	ID          string
	MarketID    string
	OptionID    string
	UserID      string
	Side        Side
	Action      TradeAction
	ShareAmount int64
	Amount      int64
	Fee         int64
	PriceYes    int64
	PriceNo     int64
	CreatedAt   time.Time
}

// PriceSnapshot records the marginal prices of an option at a point in time,
// written after every executed trade.
type PriceSnapshot struct {
	OptionID  string
	PriceYes  int64
	PriceNo   int64
	CreatedAt time.Time
}
