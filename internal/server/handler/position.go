package handler

import (
	"log/slog"
	"net/http"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/server/middleware"
)

// PositionHandler serves position read endpoints.
type PositionHandler struct {
	positions domain.PositionStore
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions domain.PositionStore, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "position"),
	}
}

// positionResponse is the JSON shape of one position.
type positionResponse struct {
	ID           string `json:"id"`
	OptionID     string `json:"option_id"`
	YesShares    int64  `json:"yes_shares"`
	NoShares     int64  `json:"no_shares"`
	TotalYesCost int64  `json:"total_yes_cost"`
	TotalNoCost  int64  `json:"total_no_cost"`
	IsClaimed    bool   `json:"is_claimed"`
	RealizedPnL  int64  `json:"realized_pnl"`
}

// listPositionsResponse wraps the list positions response.
type listPositionsResponse struct {
	Positions []positionResponse `json:"positions"`
}

// ListPositions returns the authenticated user's positions.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	positions, err := h.positions.ListByUser(r.Context(), userID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionResponse, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionResponse{
			ID:           p.ID,
			OptionID:     p.OptionID,
			YesShares:    p.YesShares,
			NoShares:     p.NoShares,
			TotalYesCost: p.TotalYesCost,
			TotalNoCost:  p.TotalNoCost,
			IsClaimed:    p.IsClaimed,
			RealizedPnL:  p.RealizedPnL,
		})
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: out})
}
