package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/pricing"
)

// fakeTx implements the slice of domain.Tx the executor touches. The embedded
// nil interface panics on anything unexpected, which is the point.
type fakeTx struct {
	domain.Tx

	market    domain.Market
	option    domain.Option
	wallet    domain.Wallet
	positions map[string]domain.Position
	trades    []domain.Trade
	snapshots []domain.PriceSnapshot
}

func (tx *fakeTx) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	if marketID != tx.market.ID {
		return domain.Market{}, domain.ErrNotFound
	}
	return tx.market, nil
}

func (tx *fakeTx) GetOptionForUpdate(ctx context.Context, optionID string) (domain.Option, error) {
	if optionID != tx.option.ID {
		return domain.Option{}, domain.ErrNotFound
	}
	return tx.option, nil
}

func (tx *fakeTx) GetWalletByUserForUpdate(ctx context.Context, userID string) (domain.Wallet, error) {
	if userID != tx.wallet.UserID {
		return domain.Wallet{}, domain.ErrNotFound
	}
	return tx.wallet, nil
}

func (tx *fakeTx) GetPositionForUpdate(ctx context.Context, userID, optionID string) (domain.Position, error) {
	pos, ok := tx.positions[userID+"|"+optionID]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return pos, nil
}

func (tx *fakeTx) AdjustBalance(ctx context.Context, walletID string, token domain.TokenSymbol, delta int64) (int64, error) {
	if walletID != tx.wallet.ID || token != domain.TokenUSDC {
		return 0, domain.ErrNotFound
	}
	next := tx.wallet.BalanceUSDC + delta
	if next < 0 {
		return 0, domain.ErrInsufficientBalance
	}
	tx.wallet.BalanceUSDC = next
	return next, nil
}

func (tx *fakeTx) UpdateOptionQuantities(ctx context.Context, optionID string, yesQty, noQty int64) error {
	tx.option.YesQuantity = yesQty
	tx.option.NoQuantity = noQty
	return nil
}

func (tx *fakeTx) AdjustPoolLiquidity(ctx context.Context, marketID string, delta int64) error {
	next := tx.market.PoolLiquidity + delta
	if next < 0 {
		return domain.ErrInsufficientLiquidity
	}
	tx.market.PoolLiquidity = next
	return nil
}

func (tx *fakeTx) UpsertPosition(ctx context.Context, pos domain.Position) error {
	tx.positions[pos.UserID+"|"+pos.OptionID] = pos
	return nil
}

func (tx *fakeTx) InsertTrade(ctx context.Context, trade domain.Trade) error {
	tx.trades = append(tx.trades, trade)
	return nil
}

func (tx *fakeTx) InsertPriceSnapshot(ctx context.Context, snap domain.PriceSnapshot) error {
	tx.snapshots = append(tx.snapshots, snap)
	return nil
}

func (tx *fakeTx) clone() *fakeTx {
	cp := *tx
	cp.positions = make(map[string]domain.Position, len(tx.positions))
	for k, v := range tx.positions {
		cp.positions[k] = v
	}
	cp.trades = append([]domain.Trade(nil), tx.trades...)
	cp.snapshots = append([]domain.PriceSnapshot(nil), tx.snapshots...)
	return &cp
}

// fakeStore rolls the fakeTx state back when fn fails, mirroring a real
// transaction abort.
type fakeStore struct {
	tx *fakeTx
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	snap := s.tx.clone()
	if err := fn(ctx, s.tx); err != nil {
		*s.tx = *snap
		return err
	}
	return nil
}

type fakePriceCache struct {
	mu       sync.Mutex
	optionID string
	yes, no  int64
	calls    int
}

func (c *fakePriceCache) SetPrice(ctx context.Context, optionID string, priceYes, priceNo int64, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.optionID, c.yes, c.no = optionID, priceYes, priceNo
	c.calls++
	return nil
}

func (c *fakePriceCache) GetPrice(ctx context.Context, optionID string) (int64, int64, time.Time, error) {
	return 0, 0, time.Time{}, domain.ErrNotFound
}

func (c *fakePriceCache) GetPrices(ctx context.Context, optionIDs []string) (map[string]int64, error) {
	return nil, nil
}

type fakeBus struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels = append(b.channels, channel)
	b.payloads = append(b.payloads, payload)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	return nil
}

func (b *fakeBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

const (
	testB      = int64(100_000)
	testFeeBps = int64(250)
)

func newTestFixture() (*Executor, *fakeTx, *fakePriceCache, *fakeBus) {
	tx := &fakeTx{
		market: domain.Market{
			ID:             "mkt-1",
			LiquidityParam: testB,
			PoolLiquidity:  0,
			IsInitialized:  true,
			Status:         domain.MarketStatusActive,
		},
		option: domain.Option{
			ID:       "opt-1",
			MarketID: "mkt-1",
		},
		wallet: domain.Wallet{
			ID:          "wal-1",
			UserID:      "user-1",
			BalanceUSDC: 10_000_000,
		},
		positions: make(map[string]domain.Position),
	}
	prices := &fakePriceCache{}
	bus := &fakeBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	exec := NewExecutor(&fakeStore{tx: tx}, NewKeyedQueue(time.Second), testFeeBps, prices, bus, logger)
	return exec, tx, prices, bus
}

func buyReq(shares int64) TradeRequest {
	return TradeRequest{
		MarketID:    "mkt-1",
		OptionID:    "opt-1",
		UserID:      "user-1",
		Side:        domain.SideYes,
		Action:      domain.ActionBuy,
		ShareAmount: shares,
	}
}

func TestExecuteBuy(t *testing.T) {
	exec, tx, _, _ := newTestFixture()
	ctx := context.Background()

	const shares = int64(50_000)
	wantCost, err := pricing.Cost(0, 0, shares, 0, testB)
	if err != nil {
		t.Fatalf("reference cost: %v", err)
	}
	wantFee := pricing.Fee(wantCost, testFeeBps)

	trade, err := exec.Execute(ctx, buyReq(shares))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if trade.Amount != wantCost {
		t.Errorf("trade amount = %d, want %d", trade.Amount, wantCost)
	}
	if trade.Fee != wantFee {
		t.Errorf("trade fee = %d, want %d", trade.Fee, wantFee)
	}
	if got := tx.wallet.BalanceUSDC; got != 10_000_000-wantCost-wantFee {
		t.Errorf("wallet balance = %d, want %d", got, 10_000_000-wantCost-wantFee)
	}
	if tx.option.YesQuantity != shares || tx.option.NoQuantity != 0 {
		t.Errorf("option quantities = (%d, %d), want (%d, 0)", tx.option.YesQuantity, tx.option.NoQuantity, shares)
	}
	if tx.market.PoolLiquidity != wantCost {
		t.Errorf("pool liquidity = %d, want %d (fee must not enter the pool)", tx.market.PoolLiquidity, wantCost)
	}

	pos := tx.positions["user-1|opt-1"]
	if pos.YesShares != shares {
		t.Errorf("position yes shares = %d, want %d", pos.YesShares, shares)
	}
	if pos.TotalYesCost != wantCost {
		t.Errorf("position yes cost basis = %d, want %d", pos.TotalYesCost, wantCost)
	}

	wantYes, wantNo, _ := pricing.Prices(shares, 0, testB)
	if trade.PriceYes != wantYes || trade.PriceNo != wantNo {
		t.Errorf("trade prices = (%d, %d), want (%d, %d)", trade.PriceYes, trade.PriceNo, wantYes, wantNo)
	}
	if len(tx.trades) != 1 || len(tx.snapshots) != 1 {
		t.Errorf("recorded %d trades and %d snapshots, want 1 and 1", len(tx.trades), len(tx.snapshots))
	}
	if tx.snapshots[0].PriceYes != wantYes {
		t.Errorf("snapshot yes price = %d, want %d", tx.snapshots[0].PriceYes, wantYes)
	}
}

func TestExecuteSellRoundTrip(t *testing.T) {
	exec, tx, _, _ := newTestFixture()
	ctx := context.Background()

	const shares = int64(50_000)
	if _, err := exec.Execute(ctx, buyReq(shares)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}

	sell := buyReq(shares)
	sell.Action = domain.ActionSell
	trade, err := exec.Execute(ctx, sell)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	gross, _ := pricing.Cost(0, 0, shares, 0, testB)
	if trade.Amount != gross {
		t.Errorf("sell gross = %d, want %d (round trip must be symmetric)", trade.Amount, gross)
	}

	// Net of the two fees the wallet is back where it started.
	fee := pricing.Fee(gross, testFeeBps)
	want := int64(10_000_000) - 2*fee
	if tx.wallet.BalanceUSDC != want {
		t.Errorf("wallet balance = %d, want %d", tx.wallet.BalanceUSDC, want)
	}

	if tx.option.YesQuantity != 0 || tx.option.NoQuantity != 0 {
		t.Errorf("option quantities = (%d, %d), want (0, 0)", tx.option.YesQuantity, tx.option.NoQuantity)
	}
	if tx.market.PoolLiquidity != 0 {
		t.Errorf("pool liquidity = %d, want 0", tx.market.PoolLiquidity)
	}

	pos := tx.positions["user-1|opt-1"]
	if pos.YesShares != 0 || pos.TotalYesCost != 0 {
		t.Errorf("position after full exit = %d shares / %d basis, want 0 / 0", pos.YesShares, pos.TotalYesCost)
	}
}

func TestExecutePartialSellCostBasis(t *testing.T) {
	exec, tx, _, _ := newTestFixture()
	ctx := context.Background()

	if _, err := exec.Execute(ctx, buyReq(60_000)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	basis := tx.positions["user-1|opt-1"].TotalYesCost

	sell := buyReq(20_000)
	sell.Action = domain.ActionSell
	if _, err := exec.Execute(ctx, sell); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	pos := tx.positions["user-1|opt-1"]
	if pos.YesShares != 40_000 {
		t.Errorf("remaining shares = %d, want 40000", pos.YesShares)
	}
	wantBasis := basis - basis*20_000/60_000
	if pos.TotalYesCost != wantBasis {
		t.Errorf("remaining basis = %d, want %d", pos.TotalYesCost, wantBasis)
	}
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(tx *fakeTx)
		req     func() TradeRequest
		wantErr error
	}{
		{
			"zero amount",
			nil,
			func() TradeRequest { r := buyReq(0); return r },
			domain.ErrInvalidAmount,
		},
		{
			"negative amount",
			nil,
			func() TradeRequest { r := buyReq(-5); return r },
			domain.ErrInvalidAmount,
		},
		{
			"bad side",
			nil,
			func() TradeRequest { r := buyReq(1000); r.Side = "maybe"; return r },
			domain.ErrInvalidAmount,
		},
		{
			"market not initialized",
			func(tx *fakeTx) { tx.market.IsInitialized = false },
			func() TradeRequest { return buyReq(1000) },
			domain.ErrMarketNotInitialized,
		},
		{
			"market resolved",
			func(tx *fakeTx) { tx.market.IsResolved = true },
			func() TradeRequest { return buyReq(1000) },
			domain.ErrMarketResolved,
		},
		{
			"market paused",
			func(tx *fakeTx) { tx.market.Status = domain.MarketStatusPaused },
			func() TradeRequest { return buyReq(1000) },
			domain.ErrMarketPaused,
		},
		{
			"option resolved",
			func(tx *fakeTx) { tx.option.IsResolved = true },
			func() TradeRequest { return buyReq(1000) },
			domain.ErrOptionResolved,
		},
		{
			"option from another market",
			func(tx *fakeTx) { tx.option.MarketID = "mkt-other" },
			func() TradeRequest { return buyReq(1000) },
			domain.ErrNotFound,
		},
		{
			"insufficient balance",
			func(tx *fakeTx) { tx.wallet.BalanceUSDC = 10 },
			func() TradeRequest { return buyReq(500_000) },
			domain.ErrInsufficientBalance,
		},
		{
			"sell without shares",
			nil,
			func() TradeRequest {
				r := buyReq(1000)
				r.Action = domain.ActionSell
				return r
			},
			domain.ErrInsufficientShares,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec, tx, _, _ := newTestFixture()
			if tt.mutate != nil {
				tt.mutate(tx)
			}
			_, err := exec.Execute(context.Background(), tt.req())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecuteFailureLeavesNoSideEffects(t *testing.T) {
	exec, tx, prices, bus := newTestFixture()
	tx.wallet.BalanceUSDC = 10 // forces the balance check to fail mid-transaction

	_, err := exec.Execute(context.Background(), buyReq(500_000))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	if tx.option.YesQuantity != 0 || tx.market.PoolLiquidity != 0 {
		t.Errorf("book mutated after aborted trade: qy=%d pool=%d", tx.option.YesQuantity, tx.market.PoolLiquidity)
	}
	if len(tx.trades) != 0 {
		t.Errorf("recorded %d trades after aborted trade, want 0", len(tx.trades))
	}
	if prices.calls != 0 {
		t.Errorf("price cache updated %d times after aborted trade, want 0", prices.calls)
	}
	if len(bus.channels) != 0 {
		t.Errorf("published %d events after aborted trade, want 0", len(bus.channels))
	}
}

func TestExecutePublishesAfterCommit(t *testing.T) {
	exec, _, prices, bus := newTestFixture()

	trade, err := exec.Execute(context.Background(), buyReq(50_000))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if prices.calls != 1 {
		t.Fatalf("price cache calls = %d, want 1", prices.calls)
	}
	if prices.optionID != "opt-1" || prices.yes != trade.PriceYes || prices.no != trade.PriceNo {
		t.Errorf("cached price = (%s, %d, %d), want (opt-1, %d, %d)",
			prices.optionID, prices.yes, prices.no, trade.PriceYes, trade.PriceNo)
	}
	if len(bus.channels) != 1 || bus.channels[0] != "trades" {
		t.Fatalf("published channels = %v, want [trades]", bus.channels)
	}
}

func TestExecuteSellPayoutCappedByPool(t *testing.T) {
	exec, tx, _, _ := newTestFixture()
	ctx := context.Background()

	if _, err := exec.Execute(ctx, buyReq(50_000)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	// Drain the pool below what the sell would release.
	tx.market.PoolLiquidity = 100
	balBefore := tx.wallet.BalanceUSDC

	sell := buyReq(50_000)
	sell.Action = domain.ActionSell
	trade, err := exec.Execute(ctx, sell)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	if trade.Amount != 100 {
		t.Errorf("sell gross = %d, want 100 (capped at pool liquidity)", trade.Amount)
	}
	fee := pricing.Fee(100, testFeeBps)
	if got := tx.wallet.BalanceUSDC; got != balBefore+100-fee {
		t.Errorf("wallet balance = %d, want %d", got, balBefore+100-fee)
	}
	if tx.market.PoolLiquidity != 0 {
		t.Errorf("pool liquidity = %d, want 0", tx.market.PoolLiquidity)
	}
}
