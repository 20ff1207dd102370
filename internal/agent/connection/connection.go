// Package connection maintains the persistent tunnel between the agent and
// the gateway. It handles:
//   - Dialing the gateway's tunnel endpoint (TLS verification per config)
//   - The AUTH_REQUEST/AUTH_RESPONSE handshake, presenting the gateway token
//     and host facts and adopting the server-assigned heartbeat cadence
//   - One live session: read pump on the caller goroutine, write pump and
//     heartbeat loop as goroutines, one goroutine per inbound request frame
//   - Automatic reconnection with exponential backoff; the backoff resets
//     after every authenticated session
//
// A rejected credential (token_expired, token_revoked) stops the manager for
// good; a plain "failed" verdict keeps it retrying, since the gateway may
// simply not know the token yet mid-rollout.
//
// The Manager implements health.Notifier so database status changes reach
// the gateway between heartbeats as DB_STATUS_UPDATE frames.
package connection

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v4/host"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/agent/config"
	"github.com/gatelink-io/gatelink/internal/agent/health"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

const (
	dialTimeout    = 15 * time.Second
	authTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	goodbyeTimeout = 2 * time.Second

	// sendQueueSize bounds the frames waiting for the write pump. Senders
	// block when it is full, which keeps wire order intact.
	sendQueueSize = 64
)

// errCredentialRejected marks handshake verdicts that no retry can fix.
var errCredentialRejected = errors.New("connection: gateway token rejected")

// errGatewayDisconnect marks an orderly DISCONNECT from the gateway; the
// session ends and the manager reconnects.
var errGatewayDisconnect = errors.New("connection: gateway requested disconnect")

// Dispatcher executes one inbound request frame and reports the monotonic
// execution counters. Implemented by the executor package.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.Request) protocol.Frame
	Counters() (queries, apiRequests int64)
}

// StatusSource supplies the backend statuses carried in heartbeats.
// Implemented by the health monitor; may be nil.
type StatusSource interface {
	Status() health.Status
}

// Config holds everything the manager needs to reach the gateway.
type Config struct {
	Transport config.TransportConfig
	// Version is the agent binary version, sent during the handshake.
	Version string
}

// Manager maintains the tunnel. Call Run to start the connection loop.
type Manager struct {
	cfg        Config
	dispatcher Dispatcher
	health     StatusSource
	logger     *zap.Logger
	started    time.Time

	mu      sync.RWMutex
	current *liveSession
}

// New creates a Manager.
func New(cfg Config, dispatcher Dispatcher, status StatusSource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:        cfg,
		dispatcher: dispatcher,
		health:     status,
		logger:     logger.Named("connection"),
		started:    time.Now(),
	}
}

// Run maintains the tunnel until ctx ends: dial, handshake, serve one
// session, back off, repeat. It returns nil on context cancellation and an
// error when the credential is rejected outright or the attempt cap is
// exhausted.
func (m *Manager) Run(ctx context.Context) error {
	bo := m.newBackoff()
	failures := 0

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return nil
		}

		m.logger.Info("connecting to gateway", zap.String("url", m.cfg.Transport.SaaSURL))

		authenticated, err := m.connect(ctx)
		if authenticated {
			bo.Reset()
			failures = 0
		}
		if err == nil {
			continue
		}
		if errors.Is(err, errCredentialRejected) {
			m.logger.Error("gateway token rejected, stopping", zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return nil
		}

		failures++
		if max := m.cfg.Transport.MaxReconnectAttempts; max > 0 && failures >= max {
			m.logger.Error("reconnect attempts exhausted", zap.Int("attempts", failures))
			return fmt.Errorf("connection: giving up after %d failed attempts: %w", failures, err)
		}

		wait := bo.NextBackOff()
		m.logger.Warn("connection failed, retrying",
			zap.Error(err),
			zap.Duration("backoff", wait),
			zap.Int("failures", failures),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// NotifyDBStatus implements health.Notifier. Database status changes go out
// as DB_STATUS_UPDATE frames between heartbeats; with no live session the
// update is dropped, the next heartbeat carries the state anyway.
func (m *Manager) NotifyDBStatus(status protocol.BackendStatus, errorMessage string) {
	s := m.live()
	if s == nil {
		return
	}
	data, err := protocol.Encode(&protocol.DBStatusUpdate{
		SessionID:    s.id,
		Status:       status,
		ErrorMessage: errorMessage,
	})
	if err != nil {
		return
	}
	select {
	case s.sendCh <- data:
	default:
		m.logger.Warn("send queue full, dropping db status update")
	}
}

// newBackoff maps the transport config onto the reconnect schedule. The
// built-in randomization spreads a reconnecting fleet out.
func (m *Manager) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(m.cfg.Transport.ReconnectDelay) * time.Second
	bo.MaxInterval = time.Duration(m.cfg.Transport.ReconnectMaxDelay) * time.Second
	bo.MaxElapsedTime = 0 // the attempt cap is enforced in Run
	bo.Reset()
	return bo
}

// connect runs one full session: dial, handshake, pumps. authenticated
// reports whether the handshake succeeded, so Run knows when to reset the
// backoff.
func (m *Manager) connect(ctx context.Context) (authenticated bool, err error) {
	conn, err := m.dial(ctx)
	if err != nil {
		return false, err
	}

	// Abort an in-flight handshake on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	auth, err := m.handshake(conn)
	stop()
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	m.logger.Info("session established",
		zap.String("session_id", auth.SessionID),
		zap.String("database_id", auth.DatabaseID),
		zap.String("database_name", auth.DatabaseName),
		zap.Int("heartbeat_interval", auth.HeartbeatInterval),
	)

	return true, m.session(ctx, conn, auth)
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	if !m.cfg.Transport.SSLVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, resp, err := dialer.DialContext(ctx, m.cfg.Transport.SaaSURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("connection: dial %s: %w (http %d)", m.cfg.Transport.SaaSURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("connection: dial %s: %w", m.cfg.Transport.SaaSURL, err)
	}
	return conn, nil
}

// handshake sends AUTH_REQUEST and awaits the verdict under one deadline.
func (m *Manager) handshake(conn *websocket.Conn) (*protocol.AuthResponse, error) {
	hostname, osDesc := agentFacts()
	data, err := protocol.Encode(&protocol.AuthRequest{
		GatewayToken:  m.cfg.Transport.GatewayToken,
		AgentVersion:  m.cfg.Version,
		AgentHostname: hostname,
		AgentOS:       osDesc,
	})
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(authTimeout)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("connection: sending auth request: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("connection: awaiting auth response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	frame, err := protocol.Decode(msg)
	if err != nil {
		return nil, fmt.Errorf("connection: %w", err)
	}
	auth, ok := frame.(*protocol.AuthResponse)
	if !ok {
		return nil, fmt.Errorf("connection: expected AUTH_RESPONSE, got %s", frame.FrameType())
	}

	switch auth.Status {
	case protocol.AuthSuccess:
		return auth, nil
	case protocol.AuthTokenExpired, protocol.AuthTokenRevoked:
		return nil, fmt.Errorf("connection: %s: %s: %w", auth.Status, auth.ErrorMessage, errCredentialRejected)
	default:
		return nil, fmt.Errorf("connection: authentication failed: %s", auth.ErrorMessage)
	}
}

// liveSession is one authenticated tunnel. The write pump is the only
// routine writing frames; the goodbye path shares its lock.
type liveSession struct {
	id     string
	conn   *websocket.Conn
	sendCh chan []byte

	writeMu sync.Mutex
}

func (s *liveSession) write(data []byte, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue hands a frame to the write pump, blocking while the queue is full
// and giving up when the session dies.
func (s *liveSession) enqueue(ctx context.Context, data []byte) error {
	select {
	case s.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session runs one authenticated tunnel until it fails, the gateway says
// goodbye, or parent ends. Closing the socket is the only way to unblock the
// read pump, so every exit path funnels through fail().
func (m *Manager) session(parent context.Context, conn *websocket.Conn, auth *protocol.AuthResponse) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	s := &liveSession{
		id:     auth.SessionID,
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.current = nil
		m.mu.Unlock()
	}()

	var once sync.Once
	var cause error
	fail := func(err error) {
		once.Do(func() {
			cause = err
			if parent.Err() != nil {
				m.goodbye(s)
			}
			_ = conn.Close()
			cancel()
		})
	}

	errCh := make(chan error, 2)
	go func() { errCh <- m.writePump(ctx, s) }()
	go func() { errCh <- m.heartbeatLoop(ctx, s, m.heartbeatInterval(auth)) }()
	go func() {
		select {
		case err := <-errCh:
			fail(err)
		case <-ctx.Done():
			fail(parent.Err())
		}
	}()

	fail(m.readPump(ctx, s))

	if parent.Err() != nil {
		return nil
	}
	return cause
}

// readPump decodes inbound frames on the caller goroutine. Request frames
// fan out one goroutine each; malformed or unexpected frames are answered
// with an ERROR frame and never close the tunnel.
func (m *Manager) readPump(ctx context.Context, s *liveSession) error {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("connection: read: %w", err)
		}

		frame, err := protocol.Decode(msg)
		if err != nil {
			m.handleDecodeError(ctx, s, msg, err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.HeartbeatAck:
			m.logger.Debug("heartbeat acknowledged", zap.String("session_id", f.SessionID))
		case *protocol.ErrorFrame:
			m.logger.Warn("gateway reported error",
				zap.String("error_code", f.ErrorCode),
				zap.String("error_message", f.ErrorMessage),
				zap.String("request_id", f.RequestID),
			)
		case *protocol.Disconnect:
			m.logger.Info("gateway requested disconnect", zap.String("reason", f.Reason))
			return errGatewayDisconnect
		case protocol.Request:
			go m.serve(ctx, s, f)
		default:
			m.replyInvalid(ctx, s, fmt.Sprintf("unexpected frame type %s", frame.FrameType()), "")
		}
	}
}

// serve runs one request through the dispatcher and queues the response.
// Distinct requests execute in parallel; the send queue serializes replies.
func (m *Manager) serve(ctx context.Context, s *liveSession, req protocol.Request) {
	resp := m.dispatcher.Dispatch(ctx, req)
	data, err := protocol.Encode(resp)
	if err != nil {
		m.logger.Error("encoding response failed",
			zap.String("request_id", req.GetRequestID()),
			zap.Error(err),
		)
		return
	}
	if err := s.enqueue(ctx, data); err != nil {
		m.logger.Warn("session ended before response could be sent",
			zap.String("request_id", req.GetRequestID()),
		)
	}
}

func (m *Manager) writePump(ctx context.Context, s *liveSession) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case data := <-s.sendCh:
			if err := s.write(data, time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("connection: write: %w", err)
			}
		}
	}
}

// heartbeatLoop reports liveness, backend health, execution counters and
// process uptime at the server-assigned cadence.
func (m *Manager) heartbeatLoop(ctx context.Context, s *liveSession, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			queries, apiCalls := m.dispatcher.Counters()
			status := m.backendStatus()
			data, err := protocol.Encode(&protocol.Heartbeat{
				SessionID:           s.id,
				DBStatus:            status.DB,
				APIStatus:           status.API,
				QueriesExecuted:     queries,
				APIRequestsExecuted: apiCalls,
				UptimeSeconds:       int64(time.Since(m.started).Seconds()),
			})
			if err != nil {
				return err
			}
			if err := s.enqueue(ctx, data); err != nil {
				return nil
			}
			m.logger.Debug("heartbeat queued", zap.String("session_id", s.id))
		}
	}
}

func (m *Manager) handleDecodeError(ctx context.Context, s *liveSession, msg []byte, err error) {
	var unknownType *protocol.UnknownTypeError
	if errors.As(err, &unknownType) {
		m.logger.Warn("frame with unknown type", zap.String("type", unknownType.Type))
	} else {
		m.logger.Warn("undecodable frame", zap.Error(err))
	}
	m.replyInvalid(ctx, s, err.Error(), protocol.PeekRequestID(msg))
}

func (m *Manager) replyInvalid(ctx context.Context, s *liveSession, message, requestID string) {
	data, err := protocol.Encode(&protocol.ErrorFrame{
		ErrorCode:    protocol.CodeInvalidMessage,
		ErrorMessage: message,
		RequestID:    requestID,
	})
	if err != nil {
		return
	}
	_ = s.enqueue(ctx, data)
}

// goodbye tells the gateway this is an orderly shutdown. Best effort under a
// short deadline.
func (m *Manager) goodbye(s *liveSession) {
	data, err := protocol.Encode(&protocol.Disconnect{
		SessionID: s.id,
		Reason:    "agent shutting down",
	})
	if err != nil {
		return
	}
	_ = s.write(data, time.Now().Add(goodbyeTimeout))
}

func (m *Manager) heartbeatInterval(auth *protocol.AuthResponse) time.Duration {
	if auth.HeartbeatInterval > 0 {
		return time.Duration(auth.HeartbeatInterval) * time.Second
	}
	return time.Duration(m.cfg.Transport.HeartbeatInterval) * time.Second
}

func (m *Manager) backendStatus() health.Status {
	if m.health == nil {
		return health.Status{
			DB:  protocol.BackendDisconnected,
			API: protocol.BackendDisconnected,
		}
	}
	return m.health.Status()
}

func (m *Manager) live() *liveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// agentFacts returns the hostname and OS description advertised during the
// handshake. Errors fall back to the bare runtime values.
func agentFacts() (hostname, osDesc string) {
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		return info.Hostname, fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return hostname, runtime.GOOS
}
