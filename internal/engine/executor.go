package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/pricing"
)

// TradeRequest describes a buy or sell of outcome shares. ShareAmount is in
// micro-units.
type TradeRequest struct {
	MarketID    string
	OptionID    string
	UserID      string
	Side        domain.Side
	Action      domain.TradeAction
	ShareAmount int64
}

// Executor prices and settles trades. Each execution runs through the keyed
// queue (process-local ordering) and then inside one database transaction
// holding row locks on the option and the wallet (cluster-wide correctness).
// On any validation failure the transaction aborts without side effects.
type Executor struct {
	store  domain.TxStore
	queue  *KeyedQueue
	feeBps int64
	prices domain.PriceCache
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewExecutor creates an Executor charging feeBps on every trade. prices and
// bus may be nil; post-commit publication is then skipped.
func NewExecutor(
	store domain.TxStore,
	queue *KeyedQueue,
	feeBps int64,
	prices domain.PriceCache,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		store:  store,
		queue:  queue,
		feeBps: feeBps,
		prices: prices,
		bus:    bus,
		logger: logger.With(slog.String("component", "trade_executor")),
	}
}

// Execute validates and settles a trade, returning the persisted Trade
// record. Typed errors: domain.ErrInvalidAmount, ErrMarketNotInitialized,
// ErrMarketResolved, ErrMarketPaused, ErrOptionResolved,
// ErrInsufficientBalance, ErrInsufficientShares, ErrQueueTimeout.
func (e *Executor) Execute(ctx context.Context, req TradeRequest) (domain.Trade, error) {
	if req.ShareAmount <= 0 {
		return domain.Trade{}, domain.ErrInvalidAmount
	}
	if !req.Side.Valid() || !req.Action.Valid() {
		return domain.Trade{}, domain.ErrInvalidAmount
	}

	var trade domain.Trade
	key := req.MarketID + ":" + req.OptionID
	err := e.queue.Do(ctx, key, func(ctx context.Context) error {
		return e.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			t, err := e.executeInTx(ctx, tx, req)
			if err != nil {
				return err
			}
			trade = t
			return nil
		})
	})
	if err != nil {
		return domain.Trade{}, err
	}

	e.publish(ctx, trade)
	return trade, nil
}

// executeInTx performs the locked read-price-mutate-record sequence.
func (e *Executor) executeInTx(ctx context.Context, tx domain.Tx, req TradeRequest) (domain.Trade, error) {
	market, err := tx.GetMarket(ctx, req.MarketID)
	if err != nil {
		return domain.Trade{}, err
	}
	if !market.IsInitialized {
		return domain.Trade{}, domain.ErrMarketNotInitialized
	}
	if market.IsResolved || market.Status == domain.MarketStatusResolved {
		return domain.Trade{}, domain.ErrMarketResolved
	}
	if market.Status == domain.MarketStatusPaused {
		return domain.Trade{}, domain.ErrMarketPaused
	}

	option, err := tx.GetOptionForUpdate(ctx, req.OptionID)
	if err != nil {
		return domain.Trade{}, err
	}
	if option.MarketID != req.MarketID {
		return domain.Trade{}, domain.ErrNotFound
	}
	if option.IsResolved {
		return domain.Trade{}, domain.ErrOptionResolved
	}

	wallet, err := tx.GetWalletByUserForUpdate(ctx, req.UserID)
	if err != nil {
		return domain.Trade{}, err
	}

	position, err := tx.GetPositionForUpdate(ctx, req.UserID, req.OptionID)
	if errors.Is(err, domain.ErrNotFound) {
		position = domain.Position{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			OptionID:  req.OptionID,
			CreatedAt: time.Now().UTC(),
		}
	} else if err != nil {
		return domain.Trade{}, err
	}

	var dy, dn int64
	if req.Side == domain.SideYes {
		dy = req.ShareAmount
	} else {
		dn = req.ShareAmount
	}

	var amount, fee int64
	switch req.Action {
	case domain.ActionBuy:
		amount, fee, err = e.applyBuy(ctx, tx, market, &option, &position, wallet, req, dy, dn)
	case domain.ActionSell:
		amount, fee, err = e.applySell(ctx, tx, market, &option, &position, wallet, req, dy, dn)
	}
	if err != nil {
		return domain.Trade{}, err
	}

	position.UpdatedAt = time.Now().UTC()
	if err := tx.UpsertPosition(ctx, position); err != nil {
		return domain.Trade{}, err
	}

	priceYes, priceNo, err := pricing.Prices(option.YesQuantity, option.NoQuantity, market.LiquidityParam)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("engine: post-trade prices: %w", err)
	}

	trade := domain.Trade{
		ID:          uuid.New().String(),
		MarketID:    req.MarketID,
		OptionID:    req.OptionID,
		UserID:      req.UserID,
		Side:        req.Side,
		Action:      req.Action,
		ShareAmount: req.ShareAmount,
		Amount:      amount,
		Fee:         fee,
		PriceYes:    priceYes,
		PriceNo:     priceNo,
		CreatedAt:   time.Now().UTC(),
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return domain.Trade{}, err
	}
	if err := tx.InsertPriceSnapshot(ctx, domain.PriceSnapshot{
		OptionID:  req.OptionID,
		PriceYes:  priceYes,
		PriceNo:   priceNo,
		CreatedAt: trade.CreatedAt,
	}); err != nil {
		return domain.Trade{}, err
	}

	return trade, nil
}

// applyBuy debits cost+fee from the wallet, grows the book, and grows the
// position's shares and cost basis. The AMM cost enters the pool; the fee is
// retained by the house.
func (e *Executor) applyBuy(
	ctx context.Context,
	tx domain.Tx,
	market domain.Market,
	option *domain.Option,
	position *domain.Position,
	wallet domain.Wallet,
	req TradeRequest,
	dy, dn int64,
) (amount, fee int64, err error) {
	cost, err := pricing.Cost(option.YesQuantity, option.NoQuantity, dy, dn, market.LiquidityParam)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: price buy: %w", err)
	}
	fee = pricing.Fee(cost, e.feeBps)

	if _, err := tx.AdjustBalance(ctx, wallet.ID, domain.TokenUSDC, -(cost + fee)); err != nil {
		return 0, 0, err
	}

	option.YesQuantity += dy
	option.NoQuantity += dn
	if err := tx.UpdateOptionQuantities(ctx, option.ID, option.YesQuantity, option.NoQuantity); err != nil {
		return 0, 0, err
	}
	if err := tx.AdjustPoolLiquidity(ctx, market.ID, cost); err != nil {
		return 0, 0, err
	}

	if req.Side == domain.SideYes {
		position.YesShares += req.ShareAmount
		position.TotalYesCost += cost
	} else {
		position.NoShares += req.ShareAmount
		position.TotalNoCost += cost
	}
	return cost, fee, nil
}

// applySell credits the net payout, shrinks the book, and shrinks the
// position's shares and cost basis proportionally. The payout is capped by
// the pool's current liquidity.
func (e *Executor) applySell(
	ctx context.Context,
	tx domain.Tx,
	market domain.Market,
	option *domain.Option,
	position *domain.Position,
	wallet domain.Wallet,
	req TradeRequest,
	dy, dn int64,
) (amount, fee int64, err error) {
	held := position.Shares(req.Side)
	if held < req.ShareAmount {
		return 0, 0, domain.ErrInsufficientShares
	}

	payout, err := pricing.Payout(option.YesQuantity, option.NoQuantity, dy, dn, market.LiquidityParam)
	if err != nil {
		return 0, 0, fmt.Errorf("engine: price sell: %w", err)
	}
	if payout > market.PoolLiquidity {
		payout = market.PoolLiquidity
	}
	fee = pricing.Fee(payout, e.feeBps)

	if _, err := tx.AdjustBalance(ctx, wallet.ID, domain.TokenUSDC, payout-fee); err != nil {
		return 0, 0, err
	}

	option.YesQuantity -= dy
	option.NoQuantity -= dn
	if err := tx.UpdateOptionQuantities(ctx, option.ID, option.YesQuantity, option.NoQuantity); err != nil {
		return 0, 0, err
	}
	if err := tx.AdjustPoolLiquidity(ctx, market.ID, -payout); err != nil {
		return 0, 0, err
	}

	// Cost basis comes out proportionally to the shares sold, truncated.
	basis := position.CostBasis(req.Side)
	removed := basis
	if held > 0 {
		removed = basis * req.ShareAmount / held
	}
	if req.Side == domain.SideYes {
		position.YesShares -= req.ShareAmount
		position.TotalYesCost -= removed
	} else {
		position.NoShares -= req.ShareAmount
		position.TotalNoCost -= removed
	}
	return payout, fee, nil
}

// publish pushes the latest price into the cache and the trade onto the
// signal bus. Both are best effort after commit; failures are logged only.
func (e *Executor) publish(ctx context.Context, trade domain.Trade) {
	if e.prices != nil {
		if err := e.prices.SetPrice(ctx, trade.OptionID, trade.PriceYes, trade.PriceNo, trade.CreatedAt); err != nil {
			e.logger.WarnContext(ctx, "price cache update failed",
				slog.String("option_id", trade.OptionID),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":        "trade_executed",
			"trade_id":     trade.ID,
			"market_id":    trade.MarketID,
			"option_id":    trade.OptionID,
			"side":         trade.Side,
			"action":       trade.Action,
			"share_amount": trade.ShareAmount,
			"amount":       trade.Amount,
			"fee":          trade.Fee,
			"price_yes":    trade.PriceYes,
			"timestamp":    trade.CreatedAt.Format(time.RFC3339),
		})
		if err := e.bus.Publish(ctx, "trades", evt); err != nil {
			e.logger.WarnContext(ctx, "trade event publish failed",
				slog.String("trade_id", trade.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
