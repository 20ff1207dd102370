package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/auth"
	"github.com/gatelink-io/gatelink/internal/gateway/db"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
)

// PoolEvictor drops the gateway-side connection handle for a database so a
// changed DSN takes effect on the next direct query. The direct pool
// implements it.
type PoolEvictor interface {
	Evict(databaseID string)
}

// DatabaseHandler groups database CRUD and agent-token management.
type DatabaseHandler struct {
	databases repositories.DatabaseRepository
	tenants   repositories.TenantRepository
	tokens    repositories.AgentTokenRepository
	pool      PoolEvictor
	logger    *zap.Logger
}

// NewDatabaseHandler creates a new DatabaseHandler. pool may be nil when no
// direct pool is wired (tests).
func NewDatabaseHandler(
	databases repositories.DatabaseRepository,
	tenants repositories.TenantRepository,
	tokens repositories.AgentTokenRepository,
	pool PoolEvictor,
	logger *zap.Logger,
) *DatabaseHandler {
	return &DatabaseHandler{
		databases: databases,
		tenants:   tenants,
		tokens:    tokens,
		pool:      pool,
		logger:    logger.Named("database_handler"),
	}
}

// databaseResponse is the JSON representation of a database returned by the
// API. The direct-connection password is intentionally excluded; callers see
// has_direct_config instead.
type databaseResponse struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	Mode            string `json:"mode"`
	Driver          string `json:"driver,omitempty"`
	Host            string `json:"host,omitempty"`
	Port            int    `json:"port,omitempty"`
	DatabaseName    string `json:"database_name,omitempty"`
	Username        string `json:"username,omitempty"`
	UseWindowsAuth  bool   `json:"use_windows_auth"`
	ConnectTimeout  int    `json:"connect_timeout"`
	QueryTimeout    int    `json:"query_timeout"`
	MaxRows         int    `json:"max_rows"`
	HasDirectConfig bool   `json:"has_direct_config"`
	CreatedAt       string `json:"created_at"`
}

func databaseToResponse(d *db.Database) databaseResponse {
	return databaseResponse{
		ID:              d.ID.String(),
		TenantID:        d.TenantID.String(),
		Name:            d.Name,
		Mode:            d.Mode,
		Driver:          d.Driver,
		Host:            d.Host,
		Port:            d.Port,
		DatabaseName:    d.DatabaseName,
		Username:        d.Username,
		UseWindowsAuth:  d.UseWindowsAuth,
		ConnectTimeout:  d.ConnectTimeout,
		QueryTimeout:    d.QueryTimeout,
		MaxRows:         d.MaxRows,
		HasDirectConfig: d.HasDirectConfig(),
		CreatedAt:       d.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// listDatabasesResponse wraps a paginated list of databases.
type listDatabasesResponse struct {
	Items []databaseResponse `json:"items"`
	Total int64              `json:"total"`
}

// List handles GET /api/v1/databases. An optional tenant_id query parameter
// narrows the list to one tenant.
func (h *DatabaseHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	var (
		databases []db.Database
		total     int64
		err       error
	)
	if raw := r.URL.Query().Get("tenant_id"); raw != "" {
		tenantID, parseErr := uuid.Parse(raw)
		if parseErr != nil {
			ErrBadRequest(w, "invalid tenant_id: must be a valid UUID")
			return
		}
		databases, total, err = h.databases.ListByTenant(r.Context(), tenantID, opts)
	} else {
		databases, total, err = h.databases.List(r.Context(), opts)
	}
	if err != nil {
		h.logger.Error("failed to list databases", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]databaseResponse, len(databases))
	for i := range databases {
		items[i] = databaseToResponse(&databases[i])
	}

	Ok(w, listDatabasesResponse{Items: items, Total: total})
}

// createDatabaseRequest is the JSON body expected by POST /api/v1/databases.
// The direct-connection block is optional: gateway_only databases need none
// of it.
type createDatabaseRequest struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Mode     string `json:"mode"`

	Driver         string `json:"driver"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	DatabaseName   string `json:"database_name"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	UseWindowsAuth bool   `json:"use_windows_auth"`
	ConnectTimeout int    `json:"connect_timeout"`

	QueryTimeout int `json:"query_timeout"`
	MaxRows      int `json:"max_rows"`
}

func validMode(mode string) bool {
	switch mode {
	case "auto", "gateway_only", "direct_only":
		return true
	}
	return false
}

// Create handles POST /api/v1/databases.
func (h *DatabaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDatabaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}
	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		ErrBadRequest(w, "invalid tenant_id: must be a valid UUID")
		return
	}
	if req.Mode == "" {
		req.Mode = "auto"
	}
	if !validMode(req.Mode) {
		ErrBadRequest(w, "mode must be one of auto, gateway_only, direct_only")
		return
	}

	if _, err := h.tenants.GetByID(r.Context(), tenantID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrBadRequest(w, "tenant does not exist")
			return
		}
		h.logger.Error("failed to resolve tenant", zap.Error(err))
		ErrInternal(w)
		return
	}

	database := &db.Database{
		TenantID:       tenantID,
		Name:           req.Name,
		Mode:           req.Mode,
		Driver:         req.Driver,
		Host:           req.Host,
		Port:           req.Port,
		DatabaseName:   req.DatabaseName,
		Username:       req.Username,
		Password:       db.EncryptedString(req.Password),
		UseWindowsAuth: req.UseWindowsAuth,
		ConnectTimeout: req.ConnectTimeout,
		QueryTimeout:   req.QueryTimeout,
		MaxRows:        req.MaxRows,
	}
	if database.ConnectTimeout <= 0 {
		database.ConnectTimeout = 10
	}
	if database.QueryTimeout <= 0 {
		database.QueryTimeout = 30
	}
	if database.MaxRows <= 0 {
		database.MaxRows = 1000
	}

	if req.Mode == "direct_only" && !database.HasDirectConfig() {
		ErrBadRequest(w, "direct_only mode requires direct connection settings")
		return
	}

	if err := h.databases.Create(r.Context(), database); err != nil {
		h.logger.Error("failed to create database", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, databaseToResponse(database))
}

// GetByID handles GET /api/v1/databases/{id}.
func (h *DatabaseHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	database, err := h.databases.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get database", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, databaseToResponse(database))
}

// updateDatabaseRequest is the JSON body expected by PATCH /api/v1/databases/{id}.
// All fields are optional — only provided values are applied. An empty-string
// password clears the stored credential.
type updateDatabaseRequest struct {
	Name *string `json:"name"`
	Mode *string `json:"mode"`

	Driver         *string `json:"driver"`
	Host           *string `json:"host"`
	Port           *int    `json:"port"`
	DatabaseName   *string `json:"database_name"`
	Username       *string `json:"username"`
	Password       *string `json:"password"`
	UseWindowsAuth *bool   `json:"use_windows_auth"`
	ConnectTimeout *int    `json:"connect_timeout"`

	QueryTimeout *int `json:"query_timeout"`
	MaxRows      *int `json:"max_rows"`
}

// Update handles PATCH /api/v1/databases/{id}. Changing any direct-connection
// field evicts the pooled handle so the next direct query dials with the new
// settings.
func (h *DatabaseHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateDatabaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	database, err := h.databases.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get database for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		database.Name = *req.Name
	}
	if req.Mode != nil {
		if !validMode(*req.Mode) {
			ErrBadRequest(w, "mode must be one of auto, gateway_only, direct_only")
			return
		}
		database.Mode = *req.Mode
	}
	if req.Driver != nil {
		database.Driver = *req.Driver
	}
	if req.Host != nil {
		database.Host = *req.Host
	}
	if req.Port != nil {
		database.Port = *req.Port
	}
	if req.DatabaseName != nil {
		database.DatabaseName = *req.DatabaseName
	}
	if req.Username != nil {
		database.Username = *req.Username
	}
	if req.Password != nil {
		database.Password = db.EncryptedString(*req.Password)
	}
	if req.UseWindowsAuth != nil {
		database.UseWindowsAuth = *req.UseWindowsAuth
	}
	if req.ConnectTimeout != nil {
		database.ConnectTimeout = *req.ConnectTimeout
	}
	if req.QueryTimeout != nil {
		database.QueryTimeout = *req.QueryTimeout
	}
	if req.MaxRows != nil {
		database.MaxRows = *req.MaxRows
	}

	if database.Mode == "direct_only" && !database.HasDirectConfig() {
		ErrBadRequest(w, "direct_only mode requires direct connection settings")
		return
	}

	if err := h.databases.Update(r.Context(), database); err != nil {
		h.logger.Error("failed to update database", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.pool != nil {
		h.pool.Evict(id.String())
	}

	Ok(w, databaseToResponse(database))
}

// Delete handles DELETE /api/v1/databases/{id}. The direct pool handle is
// evicted alongside the record.
func (h *DatabaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.databases.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete database", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.pool != nil {
		h.pool.Evict(id.String())
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Agent tokens
// -----------------------------------------------------------------------------

// tokenResponse is the JSON representation of an agent token. The raw token
// value never appears here — only mintTokenResponse carries it, once.
type tokenResponse struct {
	ID          string  `json:"id"`
	DatabaseID  string  `json:"database_id"`
	Label       string  `json:"label"`
	Fingerprint string  `json:"fingerprint"`
	ExpiresAt   *string `json:"expires_at"`
	RevokedAt   *string `json:"revoked_at"`
	LastUsedAt  *string `json:"last_used_at"`
	CreatedAt   string  `json:"created_at"`
}

// mintTokenResponse extends tokenResponse with the raw token, shown only once
// at creation. The raw value cannot be recovered after this.
type mintTokenResponse struct {
	tokenResponse
	Token string `json:"token"`
}

func tokenToResponse(t *db.AgentToken) tokenResponse {
	resp := tokenResponse{
		ID:          t.ID.String(),
		DatabaseID:  t.DatabaseID.String(),
		Label:       t.Label,
		Fingerprint: t.TokenFingerprint,
		CreatedAt:   t.CreatedAt.UTC().Format(time.RFC3339),
	}
	if t.ExpiresAt != nil {
		s := t.ExpiresAt.UTC().Format(time.RFC3339)
		resp.ExpiresAt = &s
	}
	if t.RevokedAt != nil {
		s := t.RevokedAt.UTC().Format(time.RFC3339)
		resp.RevokedAt = &s
	}
	if t.LastUsedAt != nil {
		s := t.LastUsedAt.UTC().Format(time.RFC3339)
		resp.LastUsedAt = &s
	}
	return resp
}

// mintTokenRequest is the JSON body expected by POST /api/v1/databases/{id}/tokens.
type mintTokenRequest struct {
	Label string `json:"label"`

	// TTLHours bounds the token's validity; zero means no expiry.
	TTLHours int `json:"ttl_hours"`
}

// MintToken handles POST /api/v1/databases/{id}/tokens.
// Generates a gateway token for the database's agent and returns the raw
// value exactly once; only the fingerprint and hash are persisted.
func (h *DatabaseHandler) MintToken(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req mintTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if _, err := h.databases.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to resolve database for token", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	raw, err := auth.GenerateToken()
	if err != nil {
		h.logger.Error("failed to generate gateway token", zap.Error(err))
		ErrInternal(w)
		return
	}
	hash, err := auth.HashToken(raw)
	if err != nil {
		h.logger.Error("failed to hash gateway token", zap.Error(err))
		ErrInternal(w)
		return
	}

	token := &db.AgentToken{
		DatabaseID:       id,
		TokenFingerprint: auth.Fingerprint(raw),
		TokenHash:        hash,
		Label:            req.Label,
	}
	if req.TTLHours > 0 {
		expires := time.Now().UTC().Add(time.Duration(req.TTLHours) * time.Hour)
		token.ExpiresAt = &expires
	}

	if err := h.tokens.Create(r.Context(), token); err != nil {
		h.logger.Error("failed to store gateway token", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("gateway token minted",
		zap.String("database_id", id.String()),
		zap.String("token", auth.Redact(raw)),
		zap.String("label", req.Label),
	)

	Created(w, mintTokenResponse{
		tokenResponse: tokenToResponse(token),
		Token:         raw,
	})
}

// listTokensResponse wraps a database's agent tokens.
type listTokensResponse struct {
	Items []tokenResponse `json:"items"`
}

// ListTokens handles GET /api/v1/databases/{id}/tokens.
func (h *DatabaseHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	tokens, err := h.tokens.ListByDatabase(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to list tokens", zap.String("database_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]tokenResponse, len(tokens))
	for i := range tokens {
		items[i] = tokenToResponse(&tokens[i])
	}

	Ok(w, listTokensResponse{Items: items})
}

// RevokeToken handles DELETE /api/v1/tokens/{id}.
// Revocation is immediate for new handshakes; an already-established session
// keeps running until it disconnects or goes stale.
func (h *DatabaseHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.tokens.Revoke(r.Context(), id, time.Now().UTC()); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to revoke token", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}
