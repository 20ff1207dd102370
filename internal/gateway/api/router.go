package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/auth"
	"github.com/gatelink-io/gatelink/internal/gateway/metrics"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
	"github.com/gatelink-io/gatelink/internal/gateway/session"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	// ServiceTokens verifies platform bearer tokens on /api/v1. Nil disables
	// authentication; NewRouter logs a warning so a bare deployment is loud.
	ServiceTokens *auth.ServiceTokens

	// Tunnel is the agent WebSocket endpoint, mounted at /tunnel outside
	// /api/v1 — agents authenticate in-band with an AUTH_REQUEST frame, not
	// with a service token.
	Tunnel http.Handler

	Router   QueryRouter
	Actions  ActionService
	Registry *session.Registry
	Pool     PoolEvictor
	Metrics  *metrics.Metrics
	Logger   *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Tenants   repositories.TenantRepository
	Databases repositories.DatabaseRepository
	Tokens    repositories.AgentTokenRepository
	Pending   repositories.PendingActionRepository
}

// NewRouter builds and returns the fully configured Chi router.
// Platform routes live under /api/v1 behind service-token auth; /tunnel,
// /healthz and /metrics sit at the root without it.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	if cfg.ServiceTokens == nil {
		cfg.Logger.Warn("service-token auth disabled: no api secret configured")
	}

	// --- Initialize handlers ---
	tenantHandler := NewTenantHandler(cfg.Tenants, cfg.Logger)
	databaseHandler := NewDatabaseHandler(cfg.Databases, cfg.Tenants, cfg.Tokens, cfg.Pool, cfg.Logger)
	queryHandler := NewQueryHandler(cfg.Router, cfg.Logger)
	sessionHandler := NewSessionHandler(cfg.Registry, cfg.Logger)
	actionHandler := NewActionHandler(cfg.Actions, cfg.Pending, cfg.Logger)

	startedAt := time.Now()

	// --- Root routes (no service token) ---
	if cfg.Tunnel != nil {
		r.Handle("/tunnel", cfg.Tunnel)
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		Ok(w, map[string]any{
			"status":         "ok",
			"uptime_seconds": int(time.Since(startedAt).Seconds()),
			"sessions":       cfg.Registry.Len(),
		})
	})
	r.Handle("/metrics", cfg.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.ServiceTokens))

		// Tenants
		r.Get("/tenants", tenantHandler.List)
		r.Post("/tenants", tenantHandler.Create)
		r.Get("/tenants/{id}", tenantHandler.GetByID)
		r.Patch("/tenants/{id}", tenantHandler.Update)
		r.Delete("/tenants/{id}", tenantHandler.Delete)

		// Databases
		r.Get("/databases", databaseHandler.List)
		r.Post("/databases", databaseHandler.Create)
		r.Get("/databases/{id}", databaseHandler.GetByID)
		r.Patch("/databases/{id}", databaseHandler.Update)
		r.Delete("/databases/{id}", databaseHandler.Delete)

		// Agent tokens
		r.Post("/databases/{id}/tokens", databaseHandler.MintToken)
		r.Get("/databases/{id}/tokens", databaseHandler.ListTokens)
		r.Delete("/tokens/{id}", databaseHandler.RevokeToken)

		// Data plane
		r.Post("/databases/{id}/query", queryHandler.Query)
		r.Post("/databases/{id}/api", queryHandler.APICall)
		r.Post("/databases/{id}/employee-lookup", queryHandler.EmployeeLookup)
		r.Get("/databases/{id}/status", queryHandler.Status)

		// Sessions
		r.Get("/sessions", sessionHandler.List)

		// Pending actions
		r.Post("/databases/{id}/actions", actionHandler.Create)
		r.Get("/actions", actionHandler.List)
		r.Get("/actions/{id}", actionHandler.GetByID)
		r.Post("/actions/{id}/approve", actionHandler.Approve)
		r.Post("/actions/{id}/reject", actionHandler.Reject)
		r.Post("/actions/{id}/execute", actionHandler.Execute)
	})

	return r
}
