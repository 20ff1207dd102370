package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/db"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
)

// TenantHandler groups all tenant-related HTTP handlers.
type TenantHandler struct {
	repo   repositories.TenantRepository
	logger *zap.Logger
}

// NewTenantHandler creates a new TenantHandler.
func NewTenantHandler(repo repositories.TenantRepository, logger *zap.Logger) *TenantHandler {
	return &TenantHandler{
		repo:   repo,
		logger: logger.Named("tenant_handler"),
	}
}

// tenantResponse is the JSON representation of a tenant returned by the API.
type tenantResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
}

func tenantToResponse(t *db.Tenant) tenantResponse {
	return tenantResponse{
		ID:        t.ID.String(),
		Name:      t.Name,
		IsActive:  t.IsActive,
		CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// listTenantsResponse wraps a paginated list of tenants.
type listTenantsResponse struct {
	Items []tenantResponse `json:"items"`
	Total int64            `json:"total"`
}

// List handles GET /api/v1/tenants.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := paginationOpts(r)

	tenants, total, err := h.repo.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list tenants", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]tenantResponse, len(tenants))
	for i := range tenants {
		items[i] = tenantToResponse(&tenants[i])
	}

	Ok(w, listTenantsResponse{Items: items, Total: total})
}

// createTenantRequest is the JSON body expected by POST /api/v1/tenants.
type createTenantRequest struct {
	Name string `json:"name"`
}

// Create handles POST /api/v1/tenants.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Name == "" {
		ErrBadRequest(w, "name is required")
		return
	}

	if _, err := h.repo.GetByName(r.Context(), req.Name); err == nil {
		ErrConflict(w, "a tenant with this name already exists")
		return
	} else if !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("failed to check tenant name", zap.Error(err))
		ErrInternal(w)
		return
	}

	tenant := &db.Tenant{
		Name:     req.Name,
		IsActive: true,
	}
	if err := h.repo.Create(r.Context(), tenant); err != nil {
		h.logger.Error("failed to create tenant", zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, tenantToResponse(tenant))
}

// GetByID handles GET /api/v1/tenants/{id}.
func (h *TenantHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	tenant, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get tenant", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, tenantToResponse(tenant))
}

// updateTenantRequest is the JSON body expected by PATCH /api/v1/tenants/{id}.
// All fields are optional — only provided values are applied. Setting
// is_active to false suspends the tenant: its agent tokens stop
// authenticating on the next handshake.
type updateTenantRequest struct {
	Name     *string `json:"name"`
	IsActive *bool   `json:"is_active"`
}

// Update handles PATCH /api/v1/tenants/{id}.
func (h *TenantHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	var req updateTenantRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	tenant, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get tenant for update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			ErrBadRequest(w, "name cannot be empty")
			return
		}
		tenant.Name = *req.Name
	}
	if req.IsActive != nil {
		tenant.IsActive = *req.IsActive
	}

	if err := h.repo.Update(r.Context(), tenant); err != nil {
		h.logger.Error("failed to update tenant", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, tenantToResponse(tenant))
}

// Delete handles DELETE /api/v1/tenants/{id}.
func (h *TenantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete tenant", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	NoContent(w)
}

// -----------------------------------------------------------------------------
// Shared handler helpers
// -----------------------------------------------------------------------------

// parseUUID extracts and parses a UUID path parameter by name.
// Writes a 400 and returns false if the parameter is missing or malformed.
func parseUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		ErrBadRequest(w, "invalid "+param+": must be a valid UUID")
		return uuid.UUID{}, false
	}
	return id, true
}

// paginationOpts reads limit and offset query parameters from the request.
// Defaults: limit=20, offset=0. Max limit is capped at 100.
func paginationOpts(r *http.Request) repositories.ListOptions {
	limit := 20
	offset := 0

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 100 {
		limit = 100
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return repositories.ListOptions{Limit: limit, Offset: offset}
}
