package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/agent/health"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

var upgrader = websocket.Upgrader{}

type fakeDispatcher struct {
	mu       sync.Mutex
	requests []protocol.Request
	queries  atomic.Int64
	apiCalls atomic.Int64
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req protocol.Request) protocol.Frame {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	f.queries.Add(1)
	return &protocol.QueryResponse{
		RequestID: req.GetRequestID(),
		Status:    protocol.StatusSuccess,
		RowCount:  1,
	}
}

func (f *fakeDispatcher) Counters() (int64, int64) {
	return f.queries.Load(), f.apiCalls.Load()
}

type fakeStatus struct{ status health.Status }

func (f fakeStatus) Status() health.Status { return f.status }

// gatewayStub is the server side of the tunnel: it upgrades, answers the
// handshake, and parks authenticated connections for the test to drive.
type gatewayStub struct {
	srv   *httptest.Server
	conns chan *websocket.Conn

	mu     sync.Mutex
	authFn func(*protocol.AuthRequest) *protocol.AuthResponse
	seen   []*protocol.AuthRequest
}

func newGatewayStub(t *testing.T, authFn func(*protocol.AuthRequest) *protocol.AuthResponse) *gatewayStub {
	t.Helper()
	stub := &gatewayStub{conns: make(chan *websocket.Conn, 4), authFn: authFn}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		frame, err := protocol.Decode(msg)
		if err != nil {
			_ = conn.Close()
			return
		}
		authReq, ok := frame.(*protocol.AuthRequest)
		if !ok {
			_ = conn.Close()
			return
		}

		stub.mu.Lock()
		stub.seen = append(stub.seen, authReq)
		verdict := stub.authFn(authReq)
		stub.mu.Unlock()

		data, err := protocol.Encode(verdict)
		if err != nil {
			_ = conn.Close()
			return
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = conn.Close()
			return
		}
		if verdict.Status != protocol.AuthSuccess {
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})
		stub.conns <- conn
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (g *gatewayStub) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http")
}

func (g *gatewayStub) authRequests() []*protocol.AuthRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*protocol.AuthRequest(nil), g.seen...)
}

// waitConn returns the next authenticated server-side connection.
func (g *gatewayStub) waitConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-g.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an agent connection")
		return nil
	}
}

func acceptAuth(sessionID string, heartbeatSeconds int) func(*protocol.AuthRequest) *protocol.AuthResponse {
	return func(*protocol.AuthRequest) *protocol.AuthResponse {
		return &protocol.AuthResponse{
			Status:            protocol.AuthSuccess,
			SessionID:         sessionID,
			DatabaseID:        "db-1",
			DatabaseName:      "production",
			HeartbeatInterval: heartbeatSeconds,
			QueryTimeout:      30,
		}
	}
}

func transportConfig(url string) config.TransportConfig {
	return config.TransportConfig{
		SaaSURL:           url,
		GatewayToken:      "glk_test_token",
		HeartbeatInterval: 30,
		ReconnectDelay:    1,
		ReconnectMaxDelay: 2,
		SSLVerify:         true,
	}
}

func newManager(t *testing.T, stub *gatewayStub, disp Dispatcher, status StatusSource) *Manager {
	t.Helper()
	return New(Config{
		Transport: transportConfig(stub.url()),
		Version:   "test",
	}, disp, status, zaptest.NewLogger(t))
}

func sendFrame(t *testing.T, conn *websocket.Conn, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(msg)
	require.NoError(t, err)
	return f
}

// readFrameOfType skips unrelated frames (heartbeats mostly) until one of
// the wanted type arrives.
func readFrameOfType[T protocol.Frame](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if want, ok := f.(T); ok {
			return want
		}
	}
	var zero T
	t.Fatalf("no %T frame arrived", zero)
	return zero
}

func TestManagerHandshakeAndDispatch(t *testing.T) {
	stub := newGatewayStub(t, acceptAuth("sess-1", 30))
	disp := &fakeDispatcher{}
	mgr := newManager(t, stub, disp, fakeStatus{health.Status{DB: protocol.BackendConnected, API: protocol.BackendDisconnected}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	conn := stub.waitConn(t)

	auths := stub.authRequests()
	require.Len(t, auths, 1)
	assert.Equal(t, "glk_test_token", auths[0].GatewayToken)
	assert.Equal(t, "test", auths[0].AgentVersion)
	assert.NotEmpty(t, auths[0].AgentHostname)
	assert.NotEmpty(t, auths[0].AgentOS)

	sendFrame(t, conn, &protocol.QueryRequest{
		RequestID: "req-1",
		SQLQuery:  "SELECT 1",
	})

	resp := readFrameOfType[*protocol.QueryResponse](t, conn)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, protocol.StatusSuccess, resp.Status)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManagerSendsDisconnectOnShutdown(t *testing.T) {
	stub := newGatewayStub(t, acceptAuth("sess-1", 30))
	mgr := newManager(t, stub, &fakeDispatcher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mgr.Run(ctx) }()

	conn := stub.waitConn(t)
	cancel()

	bye := readFrameOfType[*protocol.Disconnect](t, conn)
	assert.Equal(t, "sess-1", bye.SessionID)
	assert.Contains(t, bye.Reason, "shutting down")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestManagerHeartbeats(t *testing.T) {
	stub := newGatewayStub(t, acceptAuth("sess-hb", 1))
	disp := &fakeDispatcher{}
	disp.queries.Store(7)
	disp.apiCalls.Store(3)
	mgr := newManager(t, stub, disp, fakeStatus{health.Status{DB: protocol.BackendConnected, API: protocol.BackendConnected}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	conn := stub.waitConn(t)

	hb := readFrameOfType[*protocol.Heartbeat](t, conn)
	assert.Equal(t, "sess-hb", hb.SessionID)
	assert.Equal(t, protocol.BackendConnected, hb.DBStatus)
	assert.Equal(t, protocol.BackendConnected, hb.APIStatus)
	assert.Equal(t, int64(7), hb.QueriesExecuted)
	assert.Equal(t, int64(3), hb.APIRequestsExecuted)
	assert.GreaterOrEqual(t, hb.UptimeSeconds, int64(0))

	// The ack is absorbed quietly; the tunnel stays healthy.
	sendFrame(t, conn, &protocol.HeartbeatAck{SessionID: "sess-hb", ServerTime: protocol.Now()})
	next := readFrameOfType[*protocol.Heartbeat](t, conn)
	assert.Equal(t, "sess-hb", next.SessionID)
}

func TestManagerAnswersGarbageWithErrorFrame(t *testing.T) {
	stub := newGatewayStub(t, acceptAuth("sess-1", 30))
	disp := &fakeDispatcher{}
	mgr := newManager(t, stub, disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	conn := stub.waitConn(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"MYSTERY_FRAME","request_id":"req-9"}`)))

	errFrame := readFrameOfType[*protocol.ErrorFrame](t, conn)
	assert.Equal(t, protocol.CodeInvalidMessage, errFrame.ErrorCode)
	assert.Equal(t, "req-9", errFrame.RequestID)

	// Still connected: a real request goes through afterwards.
	sendFrame(t, conn, &protocol.QueryRequest{RequestID: "req-10", SQLQuery: "SELECT 1"})
	resp := readFrameOfType[*protocol.QueryResponse](t, conn)
	assert.Equal(t, "req-10", resp.RequestID)
}

func TestManagerStopsOnRevokedToken(t *testing.T) {
	stub := newGatewayStub(t, func(*protocol.AuthRequest) *protocol.AuthResponse {
		return &protocol.AuthResponse{
			Status:       protocol.AuthTokenRevoked,
			ErrorMessage: "token was revoked",
		}
	})
	mgr := newManager(t, stub, &fakeDispatcher{}, nil)

	err := mgr.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errCredentialRejected)
	assert.Contains(t, err.Error(), "token was revoked")
	assert.Len(t, stub.authRequests(), 1, "a revoked token must not be retried")
}

func TestManagerRetriesAfterFailedAuth(t *testing.T) {
	var attempts atomic.Int64
	stub := newGatewayStub(t, func(req *protocol.AuthRequest) *protocol.AuthResponse {
		if attempts.Add(1) == 1 {
			return &protocol.AuthResponse{Status: protocol.AuthFailed, ErrorMessage: "unknown token"}
		}
		return acceptAuth("sess-2", 30)(req)
	})
	mgr := newManager(t, stub, &fakeDispatcher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	conn := stub.waitConn(t)
	require.NotNil(t, conn)
	assert.GreaterOrEqual(t, attempts.Load(), int64(2))
}

func TestManagerReconnectsAfterGatewayDisconnect(t *testing.T) {
	stub := newGatewayStub(t, acceptAuth("sess-1", 30))
	mgr := newManager(t, stub, &fakeDispatcher{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	first := stub.waitConn(t)
	sendFrame(t, first, &protocol.Disconnect{SessionID: "sess-1", Reason: "gateway restarting"})

	second := stub.waitConn(t)
	require.NotNil(t, second)
	assert.Len(t, stub.authRequests(), 2)
}

func TestManagerGivesUpAfterAttemptCap(t *testing.T) {
	stub := newGatewayStub(t, func(*protocol.AuthRequest) *protocol.AuthResponse {
		return &protocol.AuthResponse{Status: protocol.AuthFailed, ErrorMessage: "unknown token"}
	})
	cfg := Config{Transport: transportConfig(stub.url()), Version: "test"}
	cfg.Transport.MaxReconnectAttempts = 2
	mgr := New(cfg, &fakeDispatcher{}, nil, zaptest.NewLogger(t))

	done := make(chan error, 1)
	go func() { done <- mgr.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 failed attempts")
	case <-time.After(10 * time.Second):
		t.Fatal("manager never gave up")
	}
	assert.Len(t, stub.authRequests(), 2)
}

func TestManagerNotifyDBStatus(t *testing.T) {
	stub := newGatewayStub(t, acceptAuth("sess-1", 30))
	mgr := newManager(t, stub, &fakeDispatcher{}, nil)

	// No live session yet: the update is dropped without fuss.
	mgr.NotifyDBStatus(protocol.BackendError, "login failed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	conn := stub.waitConn(t)
	require.Eventually(t, func() bool { return mgr.live() != nil }, 2*time.Second, 10*time.Millisecond)

	mgr.NotifyDBStatus(protocol.BackendError, "login failed for user")

	update := readFrameOfType[*protocol.DBStatusUpdate](t, conn)
	assert.Equal(t, "sess-1", update.SessionID)
	assert.Equal(t, protocol.BackendError, update.Status)
	assert.Equal(t, "login failed for user", update.ErrorMessage)
}

func TestManagerParallelRequests(t *testing.T) {
	stub := newGatewayStub(t, acceptAuth("sess-1", 30))
	disp := &fakeDispatcher{}
	mgr := newManager(t, stub, disp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = mgr.Run(ctx) }()

	conn := stub.waitConn(t)

	ids := map[string]bool{"req-a": false, "req-b": false, "req-c": false}
	for id := range ids {
		sendFrame(t, conn, &protocol.QueryRequest{RequestID: id, SQLQuery: "SELECT 1"})
	}
	for range ids {
		resp := readFrameOfType[*protocol.QueryResponse](t, conn)
		seen, known := ids[resp.RequestID]
		require.True(t, known, "unexpected request id %s", resp.RequestID)
		require.False(t, seen, "duplicate response for %s", resp.RequestID)
		ids[resp.RequestID] = true
	}
}
