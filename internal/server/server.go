package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/predictlabs/exchange/internal/domain"
	"github.com/predictlabs/exchange/internal/server/handler"
	"github.com/predictlabs/exchange/internal/server/middleware"
	"github.com/predictlabs/exchange/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// APIKeys maps bearer tokens to user IDs. If empty, authentication is
	// disabled and user-scoped endpoints reject every request.
	APIKeys map[string]string
	// RateLimit caps requests per client IP per RateWindow when a limiter is
	// provided. Zero disables rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health      *handler.HealthHandler
	Markets     *handler.MarketHandler
	Trades      *handler.TradeHandler
	Positions   *handler.PositionHandler
	Wallet      *handler.WalletHandler
	Withdrawals *handler.WithdrawalHandler
}

// Server is the HTTP + WebSocket API surface of the exchange.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, auth, logging, CORS) and attaches
// the WebSocket hub. limiter may be nil to disable rate limiting.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Market endpoints.
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/prices", handlers.Markets.GetPrices)
	mux.HandleFunc("GET /api/options/{id}/trades", handlers.Trades.ListOptionTrades)

	// Trade endpoints.
	mux.HandleFunc("POST /api/trades", handlers.Trades.PlaceTrade)
	mux.HandleFunc("GET /api/trades", handlers.Trades.ListTrades)

	// Position endpoints.
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)

	// Wallet endpoints.
	mux.HandleFunc("GET /api/wallet", handlers.Wallet.GetWallet)
	mux.HandleFunc("GET /api/wallet/deposits", handlers.Wallet.ListDeposits)

	// Withdrawal endpoints.
	mux.HandleFunc("POST /api/withdrawals", handlers.Withdrawals.RequestWithdrawal)
	mux.HandleFunc("GET /api/withdrawals", handlers.Withdrawals.ListWithdrawals)
	mux.HandleFunc("GET /api/withdrawals/{id}", handlers.Withdrawals.GetWithdrawal)
	mux.HandleFunc("DELETE /api/withdrawals/{id}", handlers.Withdrawals.CancelWithdrawal)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux

	h = middleware.Auth(cfg.APIKeys)(h)

	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
