package executor

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

func TestAPIExecuteSuccess(t *testing.T) {
	var got struct {
		method, path, query, auth string
		body                      []byte
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.query = r.URL.RawQuery
		got.auth = r.Header.Get("Authorization")
		got.body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"items":[1,2]}`))
	}))
	defer srv.Close()

	exec := NewAPIExecutor(config.LocalAPIConfig{
		BaseURL:   srv.URL,
		AuthType:  "bearer",
		AuthToken: "local-secret",
	}, zaptest.NewLogger(t))

	resp := exec.Execute(context.Background(), &protocol.APIRequest{
		RequestID:   "req-1",
		Method:      "post",
		Endpoint:    "/v2/orders",
		QueryParams: map[string]string{"limit": "10"},
		Body:        map[string]any{"status": "open"},
		Timeout:     5,
	})

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.GreaterOrEqual(t, resp.ExecutionTimeMS, int64(0))

	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, "/v2/orders", got.path)
	assert.Equal(t, "limit=10", got.query)
	assert.Equal(t, "Bearer local-secret", got.auth)
	assert.JSONEq(t, `{"status":"open"}`, string(got.body))

	body, ok := resp.Body.(map[string]any)
	require.True(t, ok, "JSON responses must come back parsed")
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
}

func TestAPIExecuteNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	exec := NewAPIExecutor(config.LocalAPIConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))

	resp := exec.Execute(context.Background(), &protocol.APIRequest{
		RequestID: "req-2",
		Method:    "GET",
		Endpoint:  "/ping",
		Timeout:   5,
	})

	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "pong", resp.Body)
}

func TestAPIExecuteNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"missing"}`))
	}))
	defer srv.Close()

	exec := NewAPIExecutor(config.LocalAPIConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))

	resp := exec.Execute(context.Background(), &protocol.APIRequest{
		RequestID: "req-3",
		Method:    "GET",
		Endpoint:  "/nope",
		Timeout:   5,
	})

	assert.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, resp.ErrorMessage, "404")

	body, ok := resp.Body.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "missing", body["error"])
}

func TestAPIExecuteNotConfigured(t *testing.T) {
	exec := NewAPIExecutor(config.LocalAPIConfig{}, zaptest.NewLogger(t))

	resp := exec.Execute(context.Background(), &protocol.APIRequest{
		RequestID: "req-4",
		Method:    "GET",
		Endpoint:  "/anything",
	})

	assert.Equal(t, protocol.StatusNotConfigured, resp.Status)
	assert.Contains(t, resp.ErrorMessage, "configured")
}

func TestAPIExecuteConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	exec := NewAPIExecutor(config.LocalAPIConfig{BaseURL: base}, zaptest.NewLogger(t))

	resp := exec.Execute(context.Background(), &protocol.APIRequest{
		RequestID: "req-5",
		Method:    "GET",
		Endpoint:  "/down",
		Timeout:   2,
	})

	assert.Equal(t, protocol.StatusConnectionError, resp.Status)
	assert.NotEmpty(t, resp.ErrorMessage)
}

func TestAPIExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	exec := NewAPIExecutor(config.LocalAPIConfig{BaseURL: srv.URL}, zaptest.NewLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	resp := exec.Execute(ctx, &protocol.APIRequest{
		RequestID: "req-6",
		Method:    "GET",
		Endpoint:  "/slow",
		Timeout:   5,
	})

	assert.Equal(t, protocol.StatusTimeout, resp.Status)
}

func TestAPIExecuteFrameHeaderBeatsConfigAuth(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	exec := NewAPIExecutor(config.LocalAPIConfig{
		BaseURL:   srv.URL,
		AuthType:  "bearer",
		AuthToken: "config-token",
	}, zaptest.NewLogger(t))

	resp := exec.Execute(context.Background(), &protocol.APIRequest{
		RequestID: "req-7",
		Method:    "GET",
		Endpoint:  "/me",
		Headers:   map[string]string{"Authorization": "Bearer frame-token"},
		Timeout:   5,
	})

	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "Bearer frame-token", auth)
}

func TestAPIExecuteAPIKeyAuth(t *testing.T) {
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("X-API-Key")
	}))
	defer srv.Close()

	exec := NewAPIExecutor(config.LocalAPIConfig{
		BaseURL:   srv.URL,
		AuthType:  "api_key",
		AuthToken: "k-123",
	}, zaptest.NewLogger(t))

	resp := exec.Execute(context.Background(), &protocol.APIRequest{
		RequestID: "req-8",
		Method:    "GET",
		Endpoint:  "/me",
		Timeout:   5,
	})

	assert.Equal(t, protocol.StatusSuccess, resp.Status)
	assert.Equal(t, "k-123", key)
}

func TestSetBaseURLTrimsSlash(t *testing.T) {
	exec := NewAPIExecutor(config.LocalAPIConfig{}, zaptest.NewLogger(t))
	assert.Equal(t, "", exec.BaseURL())

	exec.SetBaseURL("http://127.0.0.1:8080/")
	assert.Equal(t, "http://127.0.0.1:8080", exec.BaseURL())
}
