package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/serenline/vigil/internal/auth"
	"github.com/serenline/vigil/internal/model"
	"github.com/serenline/vigil/internal/ratelimit"
)

// ServerConfig holds everything needed to construct the HTTP server.
type ServerConfig struct {
	Handlers *Handlers
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger
	Limiter  ratelimit.Limiter // nil disables rate limiting

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RequestsPerMinute is the per-user budget for authenticated endpoint
	// groups; AuthRequestsPerMinute is the per-IP budget for /auth/token.
	RequestsPerMinute     int
	AuthRequestsPerMinute int
}

// Server wraps the HTTP server with its middleware stack.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	limiter    ratelimit.Limiter
	handler    http.Handler
}

// New creates the server with all routes and middleware registered.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers
	mux := http.NewServeMux()

	perMinute := cfg.RequestsPerMinute
	if perMinute <= 0 {
		perMinute = 300
	}
	authPerMinute := cfg.AuthRequestsPerMinute
	if authPerMinute <= 0 {
		authPerMinute = 20
	}

	// userKeyFunc limits per authenticated user. Admins are exempt so an
	// incident responder is never throttled out of their own tooling.
	userKeyFunc := func(r *http.Request) string {
		claims := ClaimsFromContext(r.Context())
		if claims == nil {
			return ratelimit.IPKeyFunc(r)
		}
		if claims.Role == model.RoleAdmin {
			return ""
		}
		return claims.UserID
	}

	limit := func(rule ratelimit.Rule) func(http.Handler) http.Handler {
		return ratelimit.MiddlewareWithRequestID(cfg.Limiter, rule, userKeyFunc,
			func(r *http.Request) string { return RequestIDFromContext(r.Context()) })
	}

	// The token endpoint is pre-auth, so its limit keys on client IP.
	authLimit := ratelimit.MiddlewareWithRequestID(cfg.Limiter,
		ratelimit.Rule{Prefix: "auth", Limit: authPerMinute, Window: time.Minute},
		ratelimit.IPKeyFunc,
		func(r *http.Request) string { return RequestIDFromContext(r.Context()) })

	writeLimit := limit(ratelimit.Rule{Prefix: "write", Limit: perMinute, Window: time.Minute})
	readLimit := limit(ratelimit.Rule{Prefix: "read", Limit: perMinute, Window: time.Minute})

	readerOnly := requireMinRole(model.RoleReader)
	monitorOnly := requireMinRole(model.RoleMonitor)
	adminOnly := requireMinRole(model.RoleAdmin)

	route := func(pattern string, handler http.HandlerFunc, wrappers ...func(http.Handler) http.Handler) {
		var wrapped http.Handler = handler
		for i := len(wrappers) - 1; i >= 0; i-- {
			wrapped = wrappers[i](wrapped)
		}
		mux.Handle(pattern, wrapped)
	}

	// Public.
	route("GET /health", h.HandleHealth)
	route("POST /auth/token", h.HandleAuthToken, authLimit)

	// Call lifecycle.
	route("POST /v1/emergency-calls", h.HandleCreateCall, writeLimit)
	route("POST /v1/emergency-calls/{id}/accept", h.HandleAcceptCall, readerOnly, writeLimit)
	route("POST /v1/emergency-calls/{id}/end", h.HandleEndCall, writeLimit)
	route("GET /v1/emergency-calls/{id}", h.HandleGetCall, readLimit)
	route("GET /v1/emergency-calls/{id}/events", h.HandleListCallEvents, monitorOnly, readLimit)
	route("GET /v1/emergency-calls/{id}/records", h.HandleSessionRecords, monitorOnly, readLimit)
	route("GET /v1/calls", h.HandleListCalls, monitorOnly, readLimit)

	// Event ingest and review.
	route("POST /v1/monitored-events", h.HandleIngestEvent, monitorOnly, writeLimit)
	route("POST /v1/monitored-events/{id}/flag", h.HandleFlagEvent, monitorOnly, writeLimit)

	// Sirens and alerts.
	route("GET /v1/sirens", h.HandleListMySirens, readerOnly, readLimit)
	route("POST /v1/sirens/{id}/acknowledge", h.HandleAcknowledgeSiren, readerOnly, writeLimit)
	route("POST /v1/sirens/{id}/stop", h.HandleStopSiren, readerOnly, writeLimit)
	route("POST /v1/alerts/{id}/resolve", h.HandleResolveAlert, monitorOnly, writeLimit)
	route("GET /v1/alerts", h.HandleListAlerts, monitorOnly, readLimit)

	// Streaming and monitoring.
	route("GET /v1/subscribe", h.HandleSubscribe)
	route("GET /v1/monitoring/stats", h.HandleStats, monitorOnly, readLimit)
	route("POST /v1/monitoring/cleanup", h.HandleCleanup, adminOnly)
	route("GET /v1/monitoring/activity", h.HandleActivity, monitorOnly, readLimit)

	// Middleware chain, outermost first: request id, security headers,
	// tracing, logging, auth, panic recovery.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger:  cfg.Logger,
		limiter: cfg.Limiter,
		handler: handler,
	}
}

// Handler returns the fully wrapped root handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	err := s.httpServer.Shutdown(ctx)
	if s.limiter != nil {
		if cerr := s.limiter.Close(); cerr != nil {
			s.logger.Warn("rate limiter close failed", "error", cerr)
		}
	}
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
