// Package resolution implements post-resolution settlement: crediting
// winning positions once an option's dispute window closes, and flipping
// markets to resolved when every option is.
package resolution

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
)

// Notifier is the slice of the ops notifier used for payout completion
// notices.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Config tunes the processor's polling and batching.
type Config struct {
	Interval    time.Duration // poll spacing
	OptionLimit int           // payout-due options per cycle
	BatchSize   int           // positions settled per transaction
	MarketLimit int           // auto-resolvable markets per cycle
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.OptionLimit <= 0 {
		c.OptionLimit = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MarketLimit <= 0 {
		c.MarketLimit = 20
	}
	return c
}

// Processor runs the payout and auto-resolve phases on a timer. Both phases
// use SKIP LOCKED row claims plus the option's one-way auto-credit latch, so
// any number of processor instances can run concurrently without
// double-paying a position.
type Processor struct {
	store    domain.TxStore
	markets  domain.MarketStore
	bus      domain.SignalBus
	notifier Notifier
	cfg      Config
	logger   *slog.Logger

	running atomic.Bool
}

// NewProcessor creates a Processor. bus and notifier may be nil.
func NewProcessor(
	store domain.TxStore,
	markets domain.MarketStore,
	bus domain.SignalBus,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		store:    store,
		markets:  markets,
		bus:      bus,
		notifier: notifier,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "resolution_processor")),
	}
}

// Run polls on the configured interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.InfoContext(ctx, "resolution processor started",
		slog.Duration("interval", p.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "resolution processor stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll runs one payout plus auto-resolve cycle, guarded against re-entrancy.
func (p *Processor) Poll(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.WarnContext(ctx, "previous cycle still running, skipping")
		return
	}
	defer p.running.Store(false)

	p.payoutPhase(ctx)
	p.autoResolvePhase(ctx)
}

// payoutPhase settles unclaimed positions on resolved options whose dispute
// deadline has passed. Option failures are isolated per option.
func (p *Processor) payoutPhase(ctx context.Context) {
	options, err := p.markets.ListPayoutDueOptions(ctx, time.Now().UTC(), p.cfg.OptionLimit)
	if err != nil {
		p.logger.ErrorContext(ctx, "payout-due listing failed", slog.String("error", err.Error()))
		return
	}

	for _, opt := range options {
		if ctx.Err() != nil {
			return
		}
		if err := p.settleOption(ctx, opt); err != nil {
			p.logger.ErrorContext(ctx, "option settlement failed",
				slog.String("option_id", opt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// settleOption claims the option's auto-credit latch and pays its positions
// out in batches. The latch claim is skipped silently when another instance
// holds it.
func (p *Processor) settleOption(ctx context.Context, opt domain.Option) error {
	if opt.WinningSide == nil {
		return fmt.Errorf("resolution: option %s resolved without winning side", opt.ID)
	}
	winning := *opt.WinningSide

	var claimed bool
	err := p.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		claimed, err = tx.ClaimOptionPayout(ctx, opt.ID)
		return err
	})
	if err != nil {
		return err
	}
	if !claimed {
		// Held or completed by another instance; never re-enter.
		return nil
	}

	var settled, paid int64
	for {
		fetched, n, amount, err := p.settleBatch(ctx, opt, winning)
		if err != nil {
			// The latch stays in_progress; the next cycle cannot re-claim it,
			// which is deliberate: a partial payout needs operator attention
			// before anything touches this option again.
			return err
		}
		settled += int64(n)
		paid += amount
		// Stop when the backlog is drained, or when a full batch made no
		// progress (every remaining position deferred on pool shortfall).
		if fetched < p.cfg.BatchSize || n == 0 {
			break
		}
	}

	err = p.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.CompleteOptionPayout(ctx, opt.ID)
	})
	if err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "option payout completed",
		slog.String("option_id", opt.ID),
		slog.String("winning_side", string(winning)),
		slog.Int64("positions_settled", settled),
		slog.Int64("total_paid", paid),
	)
	if p.notifier != nil {
		msg := fmt.Sprintf("option %s settled: %d positions, %d micro-USDC paid", opt.ID, settled, paid)
		if err := p.notifier.Notify(ctx, "payout_completed", "Payout completed", msg); err != nil {
			p.logger.WarnContext(ctx, "payout notice not delivered", slog.String("error", err.Error()))
		}
	}
	if p.bus != nil {
		payload := []byte(fmt.Sprintf(`{"event":"option_settled","option_id":"%s","total_paid":%d}`, opt.ID, paid))
		if err := p.bus.Publish(ctx, "resolutions", payload); err != nil {
			p.logger.WarnContext(ctx, "resolution event publish failed", slog.String("error", err.Error()))
		}
	}
	return nil
}

// settleBatch pays out one locked batch of unclaimed positions in a single
// transaction. Winners receive their winning-side shares as payout, capped by
// the market's remaining pool; a capped-out winner is skipped and left
// unclaimed for manual handling. Losers realize the loss of their cost basis.
func (p *Processor) settleBatch(ctx context.Context, opt domain.Option, winning domain.Side) (fetched, settled int, paid int64, err error) {
	var processed int
	var totalPaid int64
	var batchLen int

	err = p.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
		market, err := tx.GetMarket(ctx, opt.MarketID)
		if err != nil {
			return err
		}
		pool := market.PoolLiquidity

		positions, err := tx.ListUnclaimedPositionsForUpdate(ctx, opt.ID, p.cfg.BatchSize)
		if err != nil {
			return err
		}
		batchLen = len(positions)
		processed = len(positions)

		for _, pos := range positions {
			payout := pos.Shares(winning)
			if payout > pool {
				// Pool shortfall: leave the position unclaimed rather than
				// underpay. Manual claim handles the remainder.
				p.logger.WarnContext(ctx, "payout exceeds pool, position deferred",
					slog.String("position_id", pos.ID),
					slog.Int64("payout", payout),
					slog.Int64("pool", pool),
				)
				processed--
				continue
			}

			if payout > 0 {
				wallet, err := tx.GetWalletByUserForUpdate(ctx, pos.UserID)
				if err != nil {
					return fmt.Errorf("resolution: wallet of user %s: %w", pos.UserID, err)
				}
				if _, err := tx.AdjustBalance(ctx, wallet.ID, domain.TokenUSDC, payout); err != nil {
					return err
				}
				pool -= payout
				totalPaid += payout
			}

			pos.RealizedPnL += payout - pos.TotalYesCost - pos.TotalNoCost
			pos.YesShares = 0
			pos.NoShares = 0
			pos.TotalYesCost = 0
			pos.TotalNoCost = 0
			pos.IsClaimed = true
			pos.UpdatedAt = time.Now().UTC()
			if err := tx.UpsertPosition(ctx, pos); err != nil {
				return err
			}
		}

		if totalPaid > 0 {
			if err := tx.AdjustPoolLiquidity(ctx, opt.MarketID, -totalPaid); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, 0, err
	}
	return batchLen, processed, totalPaid, nil
}

// autoResolvePhase flips markets whose every option is resolved.
func (p *Processor) autoResolvePhase(ctx context.Context) {
	markets, err := p.markets.ListAutoResolvableMarkets(ctx, p.cfg.MarketLimit)
	if err != nil {
		p.logger.ErrorContext(ctx, "auto-resolvable listing failed", slog.String("error", err.Error()))
		return
	}

	for _, m := range markets {
		if ctx.Err() != nil {
			return
		}
		err := p.store.WithTx(ctx, func(ctx context.Context, tx domain.Tx) error {
			return tx.MarkMarketResolved(ctx, m.ID)
		})
		if err != nil {
			p.logger.ErrorContext(ctx, "market auto-resolve failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.InfoContext(ctx, "market auto-resolved", slog.String("market_id", m.ID))
		if p.bus != nil {
			payload := []byte(fmt.Sprintf(`{"event":"market_resolved","market_id":"%s"}`, m.ID))
			if err := p.bus.Publish(ctx, "resolutions", payload); err != nil {
				p.logger.WarnContext(ctx, "resolution event publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
