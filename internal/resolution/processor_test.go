package resolution

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

type fakeTx struct {
	domain.Tx

	market    *domain.Market
	option    *domain.Option
	wallets   map[string]*domain.Wallet // by user id
	positions map[string]domain.Position
}

func (tx *fakeTx) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	if marketID != tx.market.ID {
		return domain.Market{}, domain.ErrNotFound
	}
	return *tx.market, nil
}

func (tx *fakeTx) ClaimOptionPayout(ctx context.Context, optionID string) (bool, error) {
	if optionID != tx.option.ID {
		return false, domain.ErrNotFound
	}
	if tx.option.AutoCreditStatus != domain.AutoCreditNone {
		return false, nil
	}
	tx.option.AutoCreditStatus = domain.AutoCreditInProgress
	return true, nil
}

func (tx *fakeTx) CompleteOptionPayout(ctx context.Context, optionID string) error {
	if tx.option.AutoCreditStatus != domain.AutoCreditInProgress {
		return domain.ErrConflict
	}
	tx.option.AutoCreditStatus = domain.AutoCreditCompleted
	return nil
}

func (tx *fakeTx) ListUnclaimedPositionsForUpdate(ctx context.Context, optionID string, limit int) ([]domain.Position, error) {
	var out []domain.Position
	for _, p := range tx.positions {
		if p.OptionID == optionID && !p.IsClaimed {
			out = append(out, p)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (tx *fakeTx) GetWalletByUserForUpdate(ctx context.Context, userID string) (domain.Wallet, error) {
	w, ok := tx.wallets[userID]
	if !ok {
		return domain.Wallet{}, domain.ErrNotFound
	}
	return *w, nil
}

func (tx *fakeTx) AdjustBalance(ctx context.Context, walletID string, token domain.TokenSymbol, delta int64) (int64, error) {
	for _, w := range tx.wallets {
		if w.ID == walletID {
			next := w.BalanceUSDC + delta
			if next < 0 {
				return 0, domain.ErrInsufficientBalance
			}
			w.BalanceUSDC = next
			return next, nil
		}
	}
	return 0, domain.ErrNotFound
}

func (tx *fakeTx) UpsertPosition(ctx context.Context, pos domain.Position) error {
	tx.positions[pos.ID] = pos
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

func (tx *fakeTx) MarkMarketResolved(ctx context.Context, marketID string) error {
	if marketID != tx.market.ID {
		return domain.ErrNotFound
	}
	tx.market.IsResolved = true
	tx.market.Status = domain.MarketStatusResolved
	return nil
}

type fakeStore struct {
	tx *fakeTx
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	return fn(ctx, s.tx)
}

type fakeMarketStore struct {
	tx             *fakeTx
	payoutDue      bool
	autoResolvable bool
}

func (s *fakeMarketStore) GetMarket(ctx context.Context, marketID string) (domain.Market, error) {
	return *s.tx.market, nil
}

func (s *fakeMarketStore) GetOption(ctx context.Context, optionID string) (domain.Option, error) {
	return *s.tx.option, nil
}

func (s *fakeMarketStore) ListOptions(ctx context.Context, marketID string) ([]domain.Option, error) {
	return []domain.Option{*s.tx.option}, nil
}

func (s *fakeMarketStore) ListPayoutDueOptions(ctx context.Context, now time.Time, limit int) ([]domain.Option, error) {
	if !s.payoutDue || s.tx.option.AutoCreditStatus == domain.AutoCreditCompleted {
		return nil, nil
	}
	return []domain.Option{*s.tx.option}, nil
}

func (s *fakeMarketStore) ListAutoResolvableMarkets(ctx context.Context, limit int) ([]domain.Market, error) {
	if !s.autoResolvable || s.tx.market.IsResolved {
		return nil, nil
	}
	return []domain.Market{*s.tx.market}, nil
}

func sidePtr(s domain.Side) *domain.Side { return &s }

func newProcessorFixture(pool int64) (*Processor, *fakeTx, *fakeMarketStore) {
	past := time.Now().Add(-time.Hour)
	tx := &fakeTx{
		market: &domain.Market{ID: "mkt-1", PoolLiquidity: pool, Status: domain.MarketStatusActive},
		option: &domain.Option{
			ID:              "opt-1",
			MarketID:        "mkt-1",
			IsResolved:      true,
			WinningSide:     sidePtr(domain.SideYes),
			DisputeDeadline: &past,
		},
		wallets: map[string]*domain.Wallet{
			"user-win":  {ID: "wal-win", UserID: "user-win"},
			"user-lose": {ID: "wal-lose", UserID: "user-lose"},
		},
		positions: map[string]domain.Position{
			"pos-win": {
				ID: "pos-win", UserID: "user-win", OptionID: "opt-1",
				YesShares: 100, TotalYesCost: 80,
			},
			"pos-lose": {
				ID: "pos-lose", UserID: "user-lose", OptionID: "opt-1",
				NoShares: 50, TotalNoCost: 40,
			},
		},
	}
	markets := &fakeMarketStore{tx: tx, payoutDue: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewProcessor(&fakeStore{tx: tx}, markets, nil, nil, Config{}, logger)
	return p, tx, markets
}

func TestPayoutWinnersAndLosers(t *testing.T) {
	p, tx, _ := newProcessorFixture(1_000)

	p.Poll(context.Background())

	win := tx.positions["pos-win"]
	if !win.IsClaimed {
		t.Fatal("winner position not claimed")
	}
	if win.RealizedPnL != 20 {
		t.Errorf("winner pnl = %d, want 20 (payout 100 - basis 80)", win.RealizedPnL)
	}
	if win.YesShares != 0 || win.TotalYesCost != 0 {
		t.Errorf("winner position not zeroed: %d shares / %d basis", win.YesShares, win.TotalYesCost)
	}
	if got := tx.wallets["user-win"].BalanceUSDC; got != 100 {
		t.Errorf("winner balance = %d, want 100", got)
	}

	lose := tx.positions["pos-lose"]
	if !lose.IsClaimed {
		t.Fatal("loser position not claimed")
	}
	if lose.RealizedPnL != -40 {
		t.Errorf("loser pnl = %d, want -40", lose.RealizedPnL)
	}
	if got := tx.wallets["user-lose"].BalanceUSDC; got != 0 {
		t.Errorf("loser balance = %d, want 0", got)
	}

	if tx.market.PoolLiquidity != 900 {
		t.Errorf("pool = %d, want 900 (decremented by total payout)", tx.market.PoolLiquidity)
	}
	if tx.option.AutoCreditStatus != domain.AutoCreditCompleted {
		t.Errorf("latch = %q, want completed", tx.option.AutoCreditStatus)
	}
}

func TestLatchPreventsDoubleSettlement(t *testing.T) {
	p, tx, _ := newProcessorFixture(1_000)
	tx.option.AutoCreditStatus = domain.AutoCreditInProgress // another instance holds it

	p.Poll(context.Background())

	if tx.wallets["user-win"].BalanceUSDC != 0 {
		t.Error("settlement ran despite held latch")
	}
	if tx.positions["pos-win"].IsClaimed {
		t.Error("position claimed despite held latch")
	}
}

func TestPoolShortfallDefersWinner(t *testing.T) {
	p, tx, _ := newProcessorFixture(50) // winner needs 100

	p.Poll(context.Background())

	win := tx.positions["pos-win"]
	if win.IsClaimed {
		t.Error("shortfall winner must stay unclaimed for manual handling")
	}
	if win.YesShares != 100 {
		t.Errorf("shortfall winner shares = %d, want untouched 100", win.YesShares)
	}
	if tx.wallets["user-win"].BalanceUSDC != 0 {
		t.Error("shortfall winner must not be paid")
	}

	// Losers still settle; the option completes so the cycle terminates.
	lose := tx.positions["pos-lose"]
	if !lose.IsClaimed || lose.RealizedPnL != -40 {
		t.Errorf("loser = claimed:%v pnl:%d, want claimed:-40", lose.IsClaimed, lose.RealizedPnL)
	}
	if tx.market.PoolLiquidity != 50 {
		t.Errorf("pool = %d, want 50 (nothing paid)", tx.market.PoolLiquidity)
	}
}

func TestAutoResolvePhase(t *testing.T) {
	p, tx, markets := newProcessorFixture(0)
	markets.payoutDue = false
	markets.autoResolvable = true

	p.Poll(context.Background())

	if !tx.market.IsResolved || tx.market.Status != domain.MarketStatusResolved {
		t.Errorf("market = resolved:%v status:%s, want resolved", tx.market.IsResolved, tx.market.Status)
	}
}
