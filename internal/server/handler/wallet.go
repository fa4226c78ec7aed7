package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/server/middleware"
)

// WalletHandler serves wallet balance and deposit history endpoints.
type WalletHandler struct {
	wallets  domain.WalletStore
	deposits domain.DepositStore
	logger   *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallets domain.WalletStore, deposits domain.DepositStore, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{
		wallets:  wallets,
		deposits: deposits,
		logger:   logHandler(logger, "wallet"),
	}
}

// walletResponse is the JSON shape of GET /api/wallet. Balances are integers
// in micro-units.
type walletResponse struct {
	ID             string `json:"id"`
	DepositAddress string `json:"deposit_address"`
	BalanceUSDC    int64  `json:"balance_usdc"`
	BalanceSOL     int64  `json:"balance_sol"`
}

// GetWallet returns the authenticated user's wallet.
// GET /api/wallet
func (h *WalletHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	wallet, err := h.wallets.GetByUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{
		ID:             wallet.ID,
		DepositAddress: wallet.DepositAddress,
		BalanceUSDC:    wallet.BalanceUSDC,
		BalanceSOL:     wallet.BalanceSOL,
	})
}

// depositResponse is the JSON shape of one detected deposit.
type depositResponse struct {
	ID            string `json:"id"`
	Signature     string `json:"signature"`
	Slot          int64  `json:"slot"`
	AmountUSDC    int64  `json:"amount_usdc"`
	SourceAddress string `json:"source_address"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

// listDepositsResponse wraps the deposit history response.
type listDepositsResponse struct {
	Deposits []depositResponse `json:"deposits"`
}

// ListDeposits returns the authenticated user's deposit history, newest first.
// GET /api/wallet/deposits
func (h *WalletHandler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	wallet, err := h.wallets.GetByUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	deposits, err := h.deposits.ListByWallet(r.Context(), wallet.ID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list deposits failed",
			slog.String("wallet_id", wallet.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list deposits")
		return
	}

	out := make([]depositResponse, 0, len(deposits))
	for _, d := range deposits {
		out = append(out, depositResponse{
			ID:            d.ID,
			Signature:     d.Signature,
			Slot:          d.Slot,
			AmountUSDC:    d.AmountUSDC,
			SourceAddress: d.SourceAddress,
			Status:        string(d.Status),
			CreatedAt:     d.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, listDepositsResponse{Deposits: out})
}
