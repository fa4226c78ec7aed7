package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/pricing"
)

// MarketHandler serves market and price read endpoints.
type MarketHandler struct {
	markets domain.MarketStore
	cache   domain.MarketCache
	prices  domain.PriceCache
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler. cache and prices may be nil; the
// handler then reads through to the store and computes prices on the fly.
func NewMarketHandler(markets domain.MarketStore, cache domain.MarketCache, prices domain.PriceCache, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		cache:   cache,
		prices:  prices,
		logger:  logHandler(logger, "market"),
	}
}

// optionResponse is the JSON shape of one option inside a market.
type optionResponse struct {
	ID              string  `json:"id"`
	YesQuantity     int64   `json:"yes_quantity"`
	NoQuantity      int64   `json:"no_quantity"`
	IsResolved      bool    `json:"is_resolved"`
	WinningSide     *string `json:"winning_side,omitempty"`
	DisputeDeadline *string `json:"dispute_deadline,omitempty"`
}

// marketResponse is the JSON shape of GET /api/markets/{id}.
type marketResponse struct {
	ID             string           `json:"id"`
	LiquidityParam int64            `json:"liquidity_param"`
	PoolLiquidity  int64            `json:"pool_liquidity"`
	Status         string           `json:"status"`
	IsResolved     bool             `json:"is_resolved"`
	Options        []optionResponse `json:"options"`
}

// GetMarket returns one market with its options. The market record is served
// from the cache when warm; options always come from the store so quantities
// are fresh.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "market id required")
		return
	}
	ctx := r.Context()

	market, err := h.loadMarket(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(ctx, "get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load market")
		return
	}

	options, err := h.markets.ListOptions(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "list options failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load market")
		return
	}

	resp := marketResponse{
		ID:             market.ID,
		LiquidityParam: market.LiquidityParam,
		PoolLiquidity:  market.PoolLiquidity,
		Status:         string(market.Status),
		IsResolved:     market.IsResolved,
		Options:        make([]optionResponse, 0, len(options)),
	}
	for _, opt := range options {
		o := optionResponse{
			ID:          opt.ID,
			YesQuantity: opt.YesQuantity,
			NoQuantity:  opt.NoQuantity,
			IsResolved:  opt.IsResolved,
		}
		if opt.WinningSide != nil {
			s := string(*opt.WinningSide)
			o.WinningSide = &s
		}
		if opt.DisputeDeadline != nil {
			d := opt.DisputeDeadline.UTC().Format(time.RFC3339)
			o.DisputeDeadline = &d
		}
		resp.Options = append(resp.Options, o)
	}

	writeJSON(w, http.StatusOK, resp)
}

// optionPriceResponse is the per-option entry of the prices endpoint. Prices
// are scaled by the pricing precision (1e6 = certainty).
type optionPriceResponse struct {
	OptionID string `json:"option_id"`
	PriceYes int64  `json:"price_yes"`
	PriceNo  int64  `json:"price_no"`
}

// marketPricesResponse wraps GET /api/markets/{id}/prices.
type marketPricesResponse struct {
	MarketID string                `json:"market_id"`
	Prices   []optionPriceResponse `json:"prices"`
}

// GetPrices returns the current marginal yes/no prices of every option in the
// market. Cached prices are preferred; misses are computed from the live
// quantities.
// GET /api/markets/{id}/prices
func (h *MarketHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "market id required")
		return
	}
	ctx := r.Context()

	market, err := h.loadMarket(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "market not found")
			return
		}
		h.logger.ErrorContext(ctx, "get market failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load prices")
		return
	}

	options, err := h.markets.ListOptions(ctx, id)
	if err != nil {
		h.logger.ErrorContext(ctx, "list options failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load prices")
		return
	}

	resp := marketPricesResponse{
		MarketID: id,
		Prices:   make([]optionPriceResponse, 0, len(options)),
	}
	for _, opt := range options {
		yes, no, ok := h.cachedPrice(ctx, opt.ID)
		if !ok {
			yes, no, err = pricing.Prices(opt.YesQuantity, opt.NoQuantity, market.LiquidityParam)
			if err != nil {
				h.logger.ErrorContext(ctx, "price computation failed",
					slog.String("option_id", opt.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		resp.Prices = append(resp.Prices, optionPriceResponse{
			OptionID: opt.ID,
			PriceYes: yes,
			PriceNo:  no,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// loadMarket reads a market through the cache, falling back to the store and
// warming the cache on a miss.
func (h *MarketHandler) loadMarket(ctx context.Context, id string) (domain.Market, error) {
	if h.cache != nil {
		if m, err := h.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	market, err := h.markets.GetMarket(ctx, id)
	if err != nil {
		return domain.Market{}, err
	}

	if h.cache != nil {
		options, err := h.markets.ListOptions(ctx, id)
		if err == nil {
			ids := make([]string, 0, len(options))
			for _, opt := range options {
				ids = append(ids, opt.ID)
			}
			if err := h.cache.Set(ctx, market, ids); err != nil {
				h.logger.WarnContext(ctx, "market cache write failed",
					slog.String("market_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return market, nil
}

// cachedPrice fetches one option's prices from the price cache.
func (h *MarketHandler) cachedPrice(ctx context.Context, optionID string) (yes, no int64, ok bool) {
	if h.prices == nil {
		return 0, 0, false
	}
	yes, no, _, err := h.prices.GetPrice(ctx, optionID)
	if err != nil {
		return 0, 0, false
	}
	return yes, no, true
}
