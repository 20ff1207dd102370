package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

const (
	defaultAPITimeout = 30 * time.Second

	// maxResponseBytes caps how much of a local API response is read back
	// over the tunnel.
	maxResponseBytes = 10 << 20
)

// APIExecutor forwards API_REQUEST frames to the customer's on-host REST
// endpoint.
type APIExecutor struct {
	cfg    config.LocalAPIConfig
	client *http.Client
	logger *zap.Logger

	mu   sync.RWMutex
	base string
}

// NewAPIExecutor builds the executor around the configured base URL. The URL
// may be empty; the health monitor can adopt a discovered one later.
func NewAPIExecutor(cfg config.LocalAPIConfig, logger *zap.Logger) *APIExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIExecutor{
		cfg: cfg,
		// Per-request deadlines come from the frame, so the client itself
		// has no timeout.
		client: &http.Client{},
		logger: logger.Named("api"),
		base:   strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// BaseURL returns the endpoint currently in use, empty when unconfigured.
func (e *APIExecutor) BaseURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.base
}

// SetBaseURL adopts an endpoint found by port discovery.
func (e *APIExecutor) SetBaseURL(base string) {
	e.mu.Lock()
	e.base = strings.TrimRight(base, "/")
	e.mu.Unlock()
	e.logger.Info("local api endpoint adopted", zap.String("base_url", base))
}

// Execute issues one HTTP request and shapes the response frame. JSON bodies
// come back parsed; anything else is returned as a string.
func (e *APIExecutor) Execute(ctx context.Context, req *protocol.APIRequest) *protocol.APIResponse {
	resp := &protocol.APIResponse{RequestID: req.RequestID}

	base := e.BaseURL()
	if base == "" {
		resp.Status = protocol.StatusNotConfigured
		resp.ErrorMessage = "no local API endpoint configured"
		return resp
	}

	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := base + "/" + strings.TrimLeft(req.Endpoint, "/")
	if len(req.QueryParams) > 0 {
		q := url.Values{}
		for k, v := range req.QueryParams {
			q.Set(k, v)
		}
		target += "?" + q.Encode()
	}

	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			resp.Status = protocol.StatusError
			resp.ErrorMessage = fmt.Sprintf("encoding request body: %v", err)
			return resp
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(execCtx, method, target, body)
	if err != nil {
		resp.Status = protocol.StatusError
		resp.ErrorMessage = err.Error()
		return resp
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	e.authorize(httpReq)

	start := time.Now()
	httpResp, err := e.client.Do(httpReq)
	if err != nil {
		resp.Status = classifyHTTPError(execCtx, err)
		resp.ErrorMessage = err.Error()
		resp.ExecutionTimeMS = time.Since(start).Milliseconds()
		return resp
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		resp.Status = classifyHTTPError(execCtx, err)
		resp.ErrorMessage = fmt.Sprintf("reading response body: %v", err)
		resp.ExecutionTimeMS = time.Since(start).Milliseconds()
		return resp
	}

	resp.StatusCode = httpResp.StatusCode
	resp.Headers = flattenHeaders(httpResp.Header)
	resp.Body = parseBody(data)
	resp.ExecutionTimeMS = time.Since(start).Milliseconds()

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		resp.Status = protocol.StatusSuccess
	} else {
		resp.Status = protocol.StatusError
		resp.ErrorMessage = fmt.Sprintf("local API returned %d", httpResp.StatusCode)
	}
	return resp
}

// authorize attaches the configured credential unless the frame already
// carries that header.
func (e *APIExecutor) authorize(req *http.Request) {
	if e.cfg.AuthToken == "" {
		return
	}
	switch e.cfg.AuthType {
	case "bearer":
		if req.Header.Get("Authorization") == "" {
			req.Header.Set("Authorization", "Bearer "+e.cfg.AuthToken)
		}
	case "api_key":
		if req.Header.Get("X-API-Key") == "" {
			req.Header.Set("X-API-Key", e.cfg.AuthToken)
		}
	}
}

func classifyHTTPError(ctx context.Context, err error) protocol.Status {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return protocol.StatusTimeout
	}
	return protocol.StatusConnectionError
}

// parseBody decodes JSON payloads and wraps anything else as a string.
func parseBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
