// Package api implements the gateway's HTTP surface: the platform REST API
// under /api/v1, the agent tunnel upgrade at /tunnel, and the operational
// endpoints /healthz and /metrics. Chi is the router. Platform callers are
// services, not humans: authentication is a bearer service token (HS256 JWT)
// validated by the ServiceAuth middleware on everything under /api/v1.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gatelink-io/gatelink/internal/gateway/actions"
	"github.com/gatelink-io/gatelink/internal/gateway/repositories"
	"github.com/gatelink-io/gatelink/internal/gateway/router"
)

// envelope is the standard JSON response wrapper for all API responses.
// Successful responses wrap the payload in a "data" key; error responses
// use an "error" key with a human-readable message and a machine code.
//
// Success:  {"data": <payload>}
// Error:    {"error": {"message": "...", "code": "...", "detail": "..."}}
type envelope map[string]any

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response with the payload wrapped in {"data": payload}.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, envelope{"data": payload})
}

// Created writes a 201 Created response with the payload wrapped in {"data": payload}.
func Created(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusCreated, envelope{"data": payload})
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorResponse is the shape of the "error" object in error responses.
type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// errJSON writes a JSON error response with the given status, message and
// machine-readable code.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, envelope{
		"error": errorResponse{
			Message: message,
			Code:    code,
		},
	})
}

// ErrBadRequest writes a 400 Bad Request error response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

// ErrUnauthorized writes a 401 Unauthorized error response.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrNotFound writes a 404 Not Found error response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 Conflict error response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrInternal writes a 500 Internal Server Error response. The internal error
// detail is intentionally not exposed to the client.
func ErrInternal(w http.ResponseWriter) {
	errJSON(w, http.StatusInternalServerError, "an internal error occurred", "internal_error")
}

// routingStatus maps a router error kind to an HTTP status. The kinds are the
// gateway's stable error taxonomy; callers branch on the code field, the
// status is a transport courtesy.
func routingStatus(kind router.Kind) int {
	switch kind {
	case router.KindGatewayNotConnected:
		return http.StatusServiceUnavailable
	case router.KindTimeout:
		return http.StatusGatewayTimeout
	case router.KindConnectionClosed, router.KindProtocolError:
		return http.StatusBadGateway
	case router.KindQueryError:
		return http.StatusUnprocessableEntity
	case router.KindNotConfigured:
		return http.StatusNotImplemented
	case router.KindAuthFailed:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// errRouting translates any error coming back from the router, the actions
// service or the repositories into the wire shape. Unrecognized errors become
// an opaque 500.
func errRouting(w http.ResponseWriter, err error) {
	var re *router.Error
	if errors.As(err, &re) {
		JSON(w, routingStatus(re.Kind), envelope{
			"error": errorResponse{
				Message: re.Message,
				Code:    string(re.Kind),
				Detail:  re.Detail,
			},
		})
		return
	}

	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, err.Error())
	case errors.Is(err, actions.ErrInvalid):
		ErrBadRequest(w, err.Error())
	case errors.Is(err, actions.ErrExpired), errors.Is(err, actions.ErrNotApproved):
		ErrConflict(w, err.Error())
	default:
		ErrInternal(w)
	}
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
