package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/session"
)

// SessionHandler exposes the live tunnel registry for operators.
type SessionHandler struct {
	registry *session.Registry
	logger   *zap.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(registry *session.Registry, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		logger:   logger.Named("session_handler"),
	}
}

// listSessionsResponse wraps the current registry snapshot.
type listSessionsResponse struct {
	Items []session.Info `json:"items"`
	Total int            `json:"total"`
}

// List handles GET /api/v1/sessions.
// Returns a point-in-time snapshot of every active tunnel session. Staleness
// is computed at snapshot time, so an agent that stopped heartbeating shows
// up as stale here before the monitor removes it.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	items := h.registry.Snapshot()
	Ok(w, listSessionsResponse{Items: items, Total: len(items)})
}
