package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/engine"
	"github.com/predictlabs/exchange/internal/server/middleware"
)

// TradeHandler serves trade execution and trade history endpoints.
type TradeHandler struct {
	executor *engine.Executor
	trades   domain.TradeStore
	logger   *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(executor *engine.Executor, trades domain.TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{
		executor: executor,
		trades:   trades,
		logger:   logHandler(logger, "trade"),
	}
}

// placeTradeRequest is the JSON body for POST /api/trades. ShareAmount is in
// micro-units.
type placeTradeRequest struct {
	MarketID    string `json:"market_id"`
	OptionID    string `json:"option_id"`
	Side        string `json:"side"`
	Action      string `json:"action"`
	ShareAmount int64  `json:"share_amount"`
}

// tradeResponse is the JSON shape of an executed or historical trade.
type tradeResponse struct {
	ID          string `json:"id"`
	MarketID    string `json:"market_id"`
	OptionID    string `json:"option_id"`
	Side        string `json:"side"`
	Action      string `json:"action"`
	ShareAmount int64  `json:"share_amount"`
	Amount      int64  `json:"amount"`
	Fee         int64  `json:"fee"`
	PriceYes    int64  `json:"price_yes"`
	PriceNo     int64  `json:"price_no"`
	CreatedAt   string `json:"created_at"`
}

func toTradeResponse(t domain.Trade) tradeResponse {
	return tradeResponse{
		ID:          t.ID,
		MarketID:    t.MarketID,
		OptionID:    t.OptionID,
		Side:        string(t.Side),
		Action:      string(t.Action),
		ShareAmount: t.ShareAmount,
		Amount:      t.Amount,
		Fee:         t.Fee,
		PriceYes:    t.PriceYes,
		PriceNo:     t.PriceNo,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// PlaceTrade executes a buy or sell for the authenticated user.
// POST /api/trades
func (h *TradeHandler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req placeTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MarketID == "" || req.OptionID == "" {
		writeError(w, http.StatusBadRequest, "market_id and option_id are required")
		return
	}

	trade, err := h.executor.Execute(r.Context(), engine.TradeRequest{
		MarketID:    req.MarketID,
		OptionID:    req.OptionID,
		UserID:      userID,
		Side:        domain.Side(req.Side),
		Action:      domain.TradeAction(req.Action),
		ShareAmount: req.ShareAmount,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "trade rejected",
			slog.String("user_id", userID),
			slog.String("option_id", req.OptionID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toTradeResponse(trade))
}

// listTradesResponse wraps the trade history response.
type listTradesResponse struct {
	Trades []tradeResponse `json:"trades"`
}

// ListTrades returns the authenticated user's trade history, newest first.
// GET /api/trades
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	trades, err := h.trades.ListByUser(r.Context(), userID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list trades failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeResponse(t))
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: out})
}

// ListOptionTrades returns recent trades on a single option, newest first.
// GET /api/options/{id}/trades
func (h *TradeHandler) ListOptionTrades(w http.ResponseWriter, r *http.Request) {
	optionID := pathParam(r, "id")
	if optionID == "" {
		writeError(w, http.StatusBadRequest, "option id required")
		return
	}

	trades, err := h.trades.ListByOption(r.Context(), optionID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list option trades failed",
			slog.String("option_id", optionID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	out := make([]tradeResponse, 0, len(trades))
	for _, t := range trades {
		out = append(out, toTradeResponse(t))
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: out})
}
