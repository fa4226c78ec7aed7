package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/server/middleware"
	"github.com/predictlabs/exchange/internal/withdrawal"
)

// WithdrawalHandler serves withdrawal intake, cancellation, and history.
type WithdrawalHandler struct {
	pipeline    *withdrawal.Pipeline
	withdrawals domain.WithdrawalStore
	logger      *slog.Logger
}

// NewWithdrawalHandler creates a WithdrawalHandler.
func NewWithdrawalHandler(pipeline *withdrawal.Pipeline, withdrawals domain.WithdrawalStore, logger *slog.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		pipeline:    pipeline,
		withdrawals: withdrawals,
		logger:      logHandler(logger, "withdrawal"),
	}
}

// requestWithdrawalBody is the JSON body for POST /api/withdrawals. Amount is
// a decimal USDC string (e.g. "12.50") with at most six fractional digits.
type requestWithdrawalBody struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

// withdrawalResponse is the JSON shape of a withdrawal.
type withdrawalResponse struct {
	ID            string `json:"id"`
	Destination   string `json:"destination"`
	AmountUSDC    int64  `json:"amount_usdc"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	TxHash        string `json:"tx_hash,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toWithdrawalResponse(wd domain.Withdrawal) withdrawalResponse {
	return withdrawalResponse{
		ID:            wd.ID,
		Destination:   wd.Destination,
		AmountUSDC:    wd.AmountUSDC,
		Status:        string(wd.Status),
		Attempts:      wd.Attempts,
		TxHash:        wd.TxHash,
		FailureReason: wd.FailureReason,
		CreatedAt:     wd.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// RequestWithdrawal places a withdrawal for the authenticated user. The
// amount is held immediately; delivery happens asynchronously.
// POST /api/withdrawals
func (h *WithdrawalHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var body requestWithdrawalBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Destination == "" {
		writeError(w, http.StatusBadRequest, "destination is required")
		return
	}

	wd, err := h.pipeline.Request(r.Context(), userID, body.Destination, body.Amount)
	if err != nil {
		h.logger.WarnContext(r.Context(), "withdrawal rejected",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, toWithdrawalResponse(wd))
}

// CancelWithdrawal cancels a still-pending withdrawal and refunds the hold.
// DELETE /api/withdrawals/{id}
func (h *WithdrawalHandler) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "withdrawal id required")
		return
	}

	wd, err := h.pipeline.Cancel(r.Context(), id, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toWithdrawalResponse(wd))
}

// listWithdrawalsResponse wraps the withdrawal history response.
type listWithdrawalsResponse struct {
	Withdrawals []withdrawalResponse `json:"withdrawals"`
}

// ListWithdrawals returns the authenticated user's withdrawals, newest first.
// GET /api/withdrawals
func (h *WithdrawalHandler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	list, err := h.withdrawals.ListByUser(r.Context(), userID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list withdrawals failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list withdrawals")
		return
	}

	out := make([]withdrawalResponse, 0, len(list))
	for _, wd := range list {
		out = append(out, toWithdrawalResponse(wd))
	}
	writeJSON(w, http.StatusOK, listWithdrawalsResponse{Withdrawals: out})
}

// GetWithdrawal returns one of the authenticated user's withdrawals.
// GET /api/withdrawals/{id}
func (h *WithdrawalHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "withdrawal id required")
		return
	}

	wd, err := h.withdrawals.GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	// Ownership is part of the lookup: another user's row is a 404.
	if wd.UserID != userID {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	writeJSON(w, http.StatusOK, toWithdrawalResponse(wd))
}
