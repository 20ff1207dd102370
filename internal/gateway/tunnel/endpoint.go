// Package tunnel terminates agent websocket connections on the gateway.
//
// The endpoint upgrades GET /tunnel, runs the authentication handshake under
// a deadline, and hands the socket to a session.Session registered for the
// resolved database. A socket that does not authenticate in time, or opens
// with anything other than an AUTH_REQUEST, is answered with a failed
// AUTH_RESPONSE and closed with a policy violation.
package tunnel

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/auth"
	"github.com/gatelink-io/gatelink/internal/gateway/metrics"
	"github.com/gatelink-io/gatelink/internal/gateway/session"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

const (
	// DefaultAuthTimeout bounds how long a fresh socket may sit idle before
	// presenting credentials.
	DefaultAuthTimeout = 30 * time.Second

	// DefaultHeartbeatInterval is the cadence assigned to agents at handshake.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultQueryTimeout is the per-request execution budget assigned to
	// agents at handshake.
	DefaultQueryTimeout = 30 * time.Second
)

// Config wires an Endpoint. Zero durations fall back to the package defaults.
type Config struct {
	Authenticator auth.Authenticator
	Registry      *session.Registry

	AuthTimeout       time.Duration
	HeartbeatInterval time.Duration
	QueryTimeout      time.Duration

	// SendQueueSize is passed through to every session.
	SendQueueSize int

	Logger  *zap.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// Endpoint accepts agent tunnels and runs them to completion.
type Endpoint struct {
	authenticator auth.Authenticator
	registry      *session.Registry

	authTimeout       time.Duration
	heartbeatInterval time.Duration
	queryTimeout      time.Duration
	sendQueueSize     int

	logger  *zap.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics
}

// NewEndpoint builds an Endpoint from cfg.
func NewEndpoint(cfg Config) *Endpoint {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	e := &Endpoint{
		authenticator:     cfg.Authenticator,
		registry:          cfg.Registry,
		authTimeout:       cfg.AuthTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		queryTimeout:      cfg.QueryTimeout,
		sendQueueSize:     cfg.SendQueueSize,
		logger:            logger.Named("tunnel"),
		clock:             clock,
		metrics:           cfg.Metrics,
	}
	if e.authTimeout <= 0 {
		e.authTimeout = DefaultAuthTimeout
	}
	if e.heartbeatInterval <= 0 {
		e.heartbeatInterval = DefaultHeartbeatInterval
	}
	if e.queryTimeout <= 0 {
		e.queryTimeout = DefaultQueryTimeout
	}
	return e
}

// ServeTunnel handles GET /tunnel. On success it blocks for the lifetime of
// the agent session, so the HTTP server must run it on its own goroutine
// (which net/http does per connection).
func (e *Endpoint) ServeTunnel(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		e.logger.Warn("tunnel upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	conn := newConn(ws)

	hello, err := e.awaitAuth(conn)
	if err != nil {
		e.metrics.AuthFailure(string(protocol.AuthFailed))
		e.logger.Warn("handshake aborted",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		e.reject(conn, protocol.AuthFailed, "authentication required")
		return
	}

	identity, err := e.authenticator.Authenticate(r.Context(), hello)
	if err != nil {
		status, msg := auth.Verdict(err)
		e.metrics.AuthFailure(string(status))
		e.logger.Warn("agent authentication failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("status", string(status)),
			zap.String("agent_version", hello.AgentVersion),
			zap.Error(err),
		)
		e.reject(conn, status, msg)
		return
	}

	sess := session.New(conn, session.Config{
		SessionID:     uuid.NewString(),
		DatabaseID:    identity.DatabaseID,
		TenantID:      identity.TenantID,
		DatabaseName:  identity.DatabaseName,
		AgentVersion:  hello.AgentVersion,
		AgentHostname: hello.AgentHostname,
		AgentOS:       hello.AgentOS,
		SendQueueSize: e.sendQueueSize,
		Logger:        e.logger,
		Clock:         e.clock,
		Metrics:       e.metrics,
	})

	// The acceptance is written directly: the session's write pump is not
	// running yet, so this is guaranteed to be the first outbound frame.
	accept := &protocol.AuthResponse{
		Status:            protocol.AuthSuccess,
		SessionID:         sess.ID,
		DatabaseID:        identity.DatabaseID,
		DatabaseName:      identity.DatabaseName,
		HeartbeatInterval: int(e.heartbeatInterval / time.Second),
		QueryTimeout:      int(e.queryTimeout / time.Second),
	}
	data, err := protocol.Encode(accept)
	if err != nil {
		e.logger.Error("encode auth response", zap.Error(err))
		_ = conn.Close()
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		e.logger.Warn("writing auth response", zap.Error(err))
		_ = conn.Close()
		return
	}

	e.registry.Install(sess)
	e.logger.Info("agent connected",
		zap.String("session_id", sess.ID),
		zap.String("database_id", identity.DatabaseID),
		zap.String("database_name", identity.DatabaseName),
		zap.String("agent_version", hello.AgentVersion),
		zap.String("remote_addr", r.RemoteAddr),
	)

	sess.Run()

	e.registry.Remove(sess.ID)
	e.logger.Info("agent disconnected",
		zap.String("session_id", sess.ID),
		zap.String("database_id", identity.DatabaseID),
	)
}

// awaitAuth reads the first frame under the handshake deadline and insists it
// is an AUTH_REQUEST.
func (e *Endpoint) awaitAuth(conn *Conn) (*protocol.AuthRequest, error) {
	_ = conn.setReadDeadline(time.Now().Add(e.authTimeout))
	defer func() { _ = conn.setReadDeadline(time.Time{}) }()

	data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("tunnel: awaiting auth request: %w", err)
	}
	frame, err := protocol.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("tunnel: first frame undecodable: %w", err)
	}
	hello, ok := frame.(*protocol.AuthRequest)
	if !ok {
		return nil, fmt.Errorf("tunnel: first frame is %s, want %s", frame.FrameType(), protocol.TypeAuthRequest)
	}
	return hello, nil
}

// reject answers a failed handshake with an AUTH_RESPONSE carrying the
// verdict, then closes the socket with a policy violation so the agent knows
// authentication did not complete.
func (e *Endpoint) reject(conn *Conn, status protocol.AuthStatus, msg string) {
	resp := &protocol.AuthResponse{
		Status:       status,
		ErrorMessage: msg,
	}
	if data, err := protocol.Encode(resp); err == nil {
		_ = conn.WriteMessage(data)
	}
	conn.writeClose(websocket.ClosePolicyViolation, protocol.CodeAuthRequired)
	_ = conn.Close()
}
