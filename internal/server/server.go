// Package server exposes the engine over HTTP and websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/server/handler"
	"github.com/alanyoungcy/marketcore/internal/server/middleware"
	"github.com/alanyoungcy/marketcore/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port          int
	CORSOrigins   []string
	RatePerMinute int
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	Auctions     *handler.AuctionHandler
	Transactions *handler.TransactionHandler
	Payments     *handler.PaymentHandler
}

// Server is the HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths skip bearer authentication. The payments webhook is signed
// instead.
var publicPaths = []string{"/api/health", "/api/payments/webhook"}

// NewServer creates a Server with all routes registered. limiter may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, auth *middleware.Authenticator, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      NewHandler(cfg, handlers, wsHub, auth, limiter, logger),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// NewHandler builds the routed and wrapped http.Handler.
func NewHandler(cfg Config, handlers Handlers, wsHub *ws.Hub, auth *middleware.Authenticator, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	mux.HandleFunc("POST /api/auctions", handlers.Auctions.CreateAuction)
	mux.HandleFunc("GET /api/auctions/{id}", handlers.Auctions.GetAuction)
	mux.HandleFunc("GET /api/auctions/{id}/bids", handlers.Auctions.ListBids)
	mux.HandleFunc("POST /api/auctions/{id}/bids", handlers.Auctions.PlaceBid)
	mux.HandleFunc("POST /api/auctions/{id}/cancel", handlers.Auctions.CancelAuction)

	tx := handlers.Transactions
	mux.HandleFunc("POST /api/sales", tx.CreateSale)
	mux.HandleFunc("GET /api/transactions/{id}", tx.GetTransaction)
	mux.HandleFunc("POST /api/transactions/{id}/ship", tx.Ship)
	mux.HandleFunc("POST /api/transactions/{id}/delivery", tx.ConfirmDelivery)
	mux.HandleFunc("POST /api/transactions/{id}/carrier-delivery",
		middleware.RequireRole(tx.CarrierDelivery, middleware.RoleService, middleware.RoleAdmin))
	mux.HandleFunc("POST /api/transactions/{id}/accept", tx.Accept)
	mux.HandleFunc("POST /api/transactions/{id}/dispute", tx.Dispute)
	mux.HandleFunc("POST /api/transactions/{id}/resolve",
		middleware.RequireRole(tx.Resolve, middleware.RoleAdmin))

	if handlers.Payments != nil {
		mux.HandleFunc("POST /api/payments/webhook", handlers.Payments.Webhook)
	}
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(auth, publicPaths...)(h)
	h = middleware.RateLimit(limiter, cfg.RatePerMinute, time.Minute)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
