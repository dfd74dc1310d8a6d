package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/daotreasury/internal/domain"
	"github.com/alanyoungcy/daotreasury/internal/server/handler"
	"github.com/alanyoungcy/daotreasury/internal/server/middleware"
	"github.com/alanyoungcy/daotreasury/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// RateLimit is the per-IP request budget per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
	Identity   middleware.IdentityConfig
}

// Handlers aggregates all HTTP handlers that the server registers. Metrics
// is optional.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Vault      *handler.VaultHandler
	Splitter   *handler.SplitterHandler
	Governance *handler.GovernanceHandler
	Ledger     *handler.LedgerHandler
	Fallback   *handler.FallbackHandler
	Events     *handler.EventsHandler
	Metrics    http.Handler
}

// Server is the treasury HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware chain:
// CORS, logging, rate limiting, then identity.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Health.HealthCheck)
	mux.HandleFunc("GET /v1/status", h.Status.GetStatus)
	mux.HandleFunc("GET /v1/events", h.Events.List)
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /v1/ws", hub.HandleWS)
	}

	// Vault.
	mux.HandleFunc("POST /v1/vault/bonds", h.Vault.Deposit)
	mux.HandleFunc("GET /v1/vault/bonds", h.Vault.ListBonds)
	mux.HandleFunc("GET /v1/vault/bonds/{id}", h.Vault.GetBond)
	mux.HandleFunc("POST /v1/vault/bonds/{id}/withdraw", h.Vault.Withdraw)
	mux.HandleFunc("POST /v1/vault/bonds/{id}/liquidate", h.Vault.Liquidate)
	mux.HandleFunc("PUT /v1/vault/bonds/{id}/ratio", h.Vault.UpdateRatio)
	mux.HandleFunc("PUT /v1/vault/min-ratio", h.Vault.UpdateMinRatio)
	mux.HandleFunc("GET /v1/vault/stats", h.Vault.Stats)

	// Splitter.
	mux.HandleFunc("POST /v1/splitter/recipients", h.Splitter.AddRecipient)
	mux.HandleFunc("GET /v1/splitter/recipients", h.Splitter.ListRecipients)
	mux.HandleFunc("PUT /v1/splitter/recipients/{identity}", h.Splitter.UpdateRecipient)
	mux.HandleFunc("DELETE /v1/splitter/recipients/{identity}", h.Splitter.RemoveRecipient)
	mux.HandleFunc("POST /v1/splitter/distributions", h.Splitter.Distribute)
	mux.HandleFunc("GET /v1/splitter/distributions", h.Splitter.ListDistributions)
	mux.HandleFunc("GET /v1/splitter/distributions/{id}", h.Splitter.GetDistribution)
	mux.HandleFunc("POST /v1/splitter/claims", h.Splitter.Claim)
	mux.HandleFunc("GET /v1/splitter/claims/{identity}", h.Splitter.PendingClaim)
	mux.HandleFunc("PUT /v1/splitter/priority-share", h.Splitter.UpdatePriorityShare)
	mux.HandleFunc("GET /v1/splitter/stats", h.Splitter.Stats)

	// Governance.
	mux.HandleFunc("POST /v1/governance/proposals", h.Governance.CreateProposal)
	mux.HandleFunc("GET /v1/governance/proposals", h.Governance.ListProposals)
	mux.HandleFunc("GET /v1/governance/proposals/{id}", h.Governance.GetProposal)
	mux.HandleFunc("POST /v1/governance/proposals/{id}/votes", h.Governance.Vote)
	mux.HandleFunc("GET /v1/governance/proposals/{id}/votes", h.Governance.ListVotes)
	mux.HandleFunc("POST /v1/governance/proposals/{id}/resolve", h.Governance.Resolve)
	mux.HandleFunc("POST /v1/governance/proposals/{id}/execute", h.Governance.Execute)
	mux.HandleFunc("POST /v1/governance/proposals/{id}/cancel", h.Governance.Cancel)
	mux.HandleFunc("PUT /v1/governance/min-proposal-power", h.Governance.UpdateMinProposalPower)
	mux.HandleFunc("PUT /v1/governance/quorum", h.Governance.UpdateQuorum)
	mux.HandleFunc("GET /v1/governance/voting-power/{identity}", h.Governance.VotingPower)
	mux.HandleFunc("GET /v1/governance/stats", h.Governance.Stats)

	// Ledger.
	mux.HandleFunc("POST /v1/ledger/mint", h.Ledger.Mint)
	mux.HandleFunc("POST /v1/ledger/transfers", h.Ledger.Transfer)
	mux.HandleFunc("POST /v1/ledger/delegate", h.Ledger.Delegate)
	mux.HandleFunc("GET /v1/ledger/holders", h.Ledger.ListHolders)
	mux.HandleFunc("GET /v1/ledger/holders/{identity}", h.Ledger.GetHolder)

	// Fallback.
	mux.HandleFunc("POST /v1/fallback/check", h.Fallback.Check)
	mux.HandleFunc("POST /v1/fallback/pause", h.Fallback.Pause)
	mux.HandleFunc("POST /v1/fallback/resume", h.Fallback.Resume)
	mux.HandleFunc("PUT /v1/fallback/conversion-rate", h.Fallback.UpdateConversionRate)
	mux.HandleFunc("PUT /v1/fallback/emergency-threshold", h.Fallback.UpdateEmergencyThreshold)
	mux.HandleFunc("GET /v1/fallback/stats", h.Fallback.Stats)
	mux.HandleFunc("GET /v1/fallback/conversions", h.Fallback.ListConversions)
	mux.HandleFunc("GET /v1/fallback/actions", h.Fallback.ListActions)

	var root http.Handler = mux
	root = middleware.Identity(cfg.Identity, logger)(root)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window <= 0 {
			window = time.Minute
		}
		root = middleware.RateLimit(limiter, cfg.RateLimit, window, logger)(root)
	}
	root = middleware.Logging(logger)(root)
	root = middleware.CORS(cfg.CORSOrigins)(root)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           root,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger.With(slog.String("component", "server")),
	}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
