// Package server exposes the keeper's operator API: position lifecycle,
// automation control, audit inspection, and a WebSocket event feed.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/looplabs/loopkeeper/internal/domain"
	"github.com/looplabs/loopkeeper/internal/server/handler"
	"github.com/looplabs/loopkeeper/internal/server/middleware"
	"github.com/looplabs/loopkeeper/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // empty disables authentication

	// RateLimit caps requests per client IP per RateWindow. 0 disables.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Positions  *handler.PositionHandler
	Automation *handler.AutomationHandler
	Audit      *handler.AuditHandler
}

// Server is the keeper's HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers all routes and wires the middleware chain. limiter may
// be nil when rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check.
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Status.
	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	// Position lifecycle and automation control are registered only when the
	// execution stack is wired; monitor deployments serve health, status,
	// audit, and the event feed.
	if handlers.Positions != nil {
		mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
		mux.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
		mux.HandleFunc("POST /api/positions/onboard", handlers.Positions.Onboard)
		mux.HandleFunc("GET /api/positions/{user}", handlers.Positions.GetPosition)
		mux.HandleFunc("PUT /api/positions/{user}/triggers", handlers.Positions.SetTriggers)
		mux.HandleFunc("POST /api/positions/{user}/unwind", handlers.Positions.RequestUnwind)
		mux.HandleFunc("POST /api/positions/{user}/emergency", handlers.Positions.EmergencyExit)
		mux.HandleFunc("POST /api/positions/{user}/finalize", handlers.Positions.FinalizePosition)
	}

	if handlers.Automation != nil {
		mux.HandleFunc("GET /api/automation", handlers.Automation.GetState)
		mux.HandleFunc("POST /api/automation/pause", handlers.Automation.Pause)
		mux.HandleFunc("POST /api/automation/resume", handlers.Automation.Resume)
		mux.HandleFunc("POST /api/automation/sweep", handlers.Automation.Sweep)
		mux.HandleFunc("POST /api/automation/evaluate/{user}", handlers.Automation.Evaluate)
	}

	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.ListAudit)
	}

	// WebSocket event feed.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateWindow
		if window == 0 {
			window = time.Second
		}
		h = middleware.RateLimit(limiter, cfg.RateLimit, window)(h)
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
		logger:     logger.With(slog.String("component", "server")),
	}
}

// Start blocks serving HTTP until the server errors or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
