// Package session tracks live agent tunnels on the gateway.
//
// A Session owns one tunnel socket end to end: it serializes outbound frames
// through a single write pump, demultiplexes inbound frames, and correlates
// responses to callers by request_id through single-use completion slots. The
// Registry maps each database to its one active Session, and the Monitor
// expires sessions whose heartbeats stop.
//
// Send back-pressure is a bounded blocking queue: Request blocks when the
// queue is saturated, which preserves wire order instead of shedding frames.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/metrics"
	"github.com/gatelink-io/gatelink/internal/protocol"
)

const (
	// timeoutGrace is added to every request deadline to cover transport
	// overhead before the gateway declares a timeout on its own.
	timeoutGrace = 5 * time.Second

	defaultSendQueueSize = 64
)

// Conn is the transport a Session drives. The tunnel package's connection
// wrapper implements it; tests substitute an in-memory pipe.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Config carries the identity resolved during the handshake plus wiring.
type Config struct {
	SessionID    string
	DatabaseID   string
	TenantID     string
	DatabaseName string

	AgentVersion  string
	AgentHostname string
	AgentOS       string

	// SendQueueSize bounds the outbound queue; zero means the default.
	SendQueueSize int

	Logger  *zap.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// Session is the in-memory representation of one live tunnel.
type Session struct {
	ID           string
	DatabaseID   string
	TenantID     string
	DatabaseName string

	AgentVersion  string
	AgentHostname string
	AgentOS       string

	ConnectedAt time.Time

	conn    Conn
	logger  *zap.Logger
	clock   clockwork.Clock
	metrics *metrics.Metrics

	mu                  sync.Mutex
	active              bool
	lastHeartbeat       time.Time
	dbStatus            protocol.BackendStatus
	apiStatus           protocol.BackendStatus
	queriesExecuted     int64
	apiRequestsExecuted int64
	agentUptimeSeconds  int64

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	sendQ     chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an authenticated tunnel connection in a Session. The session is
// idle until Run is called.
func New(conn Conn, cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}

	now := clock.Now()
	return &Session{
		ID:            cfg.SessionID,
		DatabaseID:    cfg.DatabaseID,
		TenantID:      cfg.TenantID,
		DatabaseName:  cfg.DatabaseName,
		AgentVersion:  cfg.AgentVersion,
		AgentHostname: cfg.AgentHostname,
		AgentOS:       cfg.AgentOS,
		ConnectedAt:   now,

		conn: conn,
		logger: logger.Named("session").With(
			zap.String("session_id", cfg.SessionID),
			zap.String("database_id", cfg.DatabaseID),
		),
		clock:   clock,
		metrics: cfg.Metrics,

		active:        true,
		lastHeartbeat: now,
		pending:       make(map[string]chan protocol.Response),
		sendQ:         make(chan []byte, queueSize),
		done:          make(chan struct{}),
	}
}

// Run drives the session: the write pump runs on its own goroutine and the
// receive loop runs on the caller's. It returns once the session terminates.
func (s *Session) Run() {
	go s.writePump()
	s.readLoop()
}

// Request sends one correlated frame and waits for its response. The frame's
// request_id is minted here; caller-supplied IDs are overwritten. The wait is
// bounded by timeout plus a fixed grace margin. On session death every waiter
// returns ErrSessionClosed.
func (s *Session) Request(ctx context.Context, req protocol.Request, timeout time.Duration) (protocol.Response, error) {
	if !s.Active() {
		return nil, ErrSessionClosed
	}

	id := uuid.NewString()
	req.SetRequestID(id)

	data, err := protocol.Encode(req)
	if err != nil {
		return nil, err
	}

	slot := make(chan protocol.Response, 1)
	s.pendingMu.Lock()
	s.pending[id] = slot
	s.pendingMu.Unlock()
	defer s.removePending(id)

	select {
	case s.sendQ <- data:
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := s.clock.NewTimer(timeout + timeoutGrace)
	defer timer.Stop()

	select {
	case resp := <-slot:
		s.noteSuccess(resp)
		return resp, nil
	case <-timer.Chan():
		s.logger.Warn("request timed out",
			zap.String("request_id", id),
			zap.String("frame_type", string(req.FrameType())),
			zap.Duration("timeout", timeout),
		)
		return nil, ErrRequestTimeout
	case <-s.done:
		// Prefer a response that raced the shutdown.
		select {
		case resp := <-slot:
			s.noteSuccess(resp)
			return resp, nil
		default:
		}
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Notify enqueues an uncorrelated frame (heartbeat acks, protocol errors).
// When the queue is saturated the frame is dropped rather than stalling the
// receive loop.
func (s *Session) Notify(f protocol.Frame) {
	if !s.Active() {
		return
	}
	data, err := protocol.Encode(f)
	if err != nil {
		s.logger.Error("encode outbound frame", zap.Error(err))
		return
	}
	select {
	case s.sendQ <- data:
	case <-s.done:
	default:
		s.metrics.FrameDropped("send_queue_full")
		s.logger.Warn("send queue full, dropping frame",
			zap.String("frame_type", string(f.FrameType())))
	}
}

// Terminate deactivates the session, wakes every pending request with a
// connection-closed error and closes the transport. Idempotent and safe from
// any goroutine.
func (s *Session) Terminate(reason string) {
	s.closeOnce.Do(func() {
		s.Deactivate()
		close(s.done)

		s.pendingMu.Lock()
		aborted := len(s.pending)
		s.pending = make(map[string]chan protocol.Response)
		s.pendingMu.Unlock()

		_ = s.conn.Close()

		s.logger.Info("session terminated",
			zap.String("reason", reason),
			zap.Int("aborted_requests", aborted),
		)
	})
}

// Deactivate flips the session inactive without tearing it down. The registry
// calls it under its own lock to keep the one-active-session-per-database
// invariant; Terminate follows outside that lock.
func (s *Session) Deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Active reports whether the session may still carry frames.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// LastHeartbeat returns the time of the most recent heartbeat (or the
// connect time when none arrived yet).
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

// Done is closed once the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writePump() {
	for {
		select {
		case data := <-s.sendQ:
			if err := s.conn.WriteMessage(data); err != nil {
				s.logger.Info("tunnel write failed", zap.Error(err))
				s.Terminate("write failed")
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.Terminate("connection closed")
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done: // already terminated, the error is expected
			default:
				s.logger.Info("tunnel read failed", zap.Error(err))
			}
			return
		}
		s.dispatch(data)
	}
}

// dispatch routes one inbound frame. Undecodable frames are answered with an
// ERROR frame and never close the tunnel.
func (s *Session) dispatch(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		s.logger.Warn("undecodable frame", zap.Error(err))
		s.Notify(&protocol.ErrorFrame{
			ErrorCode:    protocol.CodeInvalidMessage,
			ErrorMessage: err.Error(),
			RequestID:    protocol.PeekRequestID(data),
		})
		return
	}

	switch f := frame.(type) {
	case *protocol.Heartbeat:
		s.handleHeartbeat(f)
	case *protocol.QueryResponse:
		s.complete(f.RequestID, f)
	case *protocol.APIResponse:
		s.complete(f.RequestID, f)
	case *protocol.EmployeeLookupResponse:
		s.complete(f.RequestID, f)
	case *protocol.DBStatusUpdate:
		s.handleDBStatus(f)
	case *protocol.Disconnect:
		s.logger.Info("agent requested disconnect", zap.String("reason", f.Reason))
		s.Terminate("agent disconnect")
	case *protocol.ErrorFrame:
		s.logger.Warn("agent reported error",
			zap.String("error_code", f.ErrorCode),
			zap.String("error_message", f.ErrorMessage),
			zap.String("request_id", f.RequestID),
		)
	default:
		s.logger.Warn("unexpected frame type", zap.String("frame_type", string(frame.FrameType())))
	}
}

func (s *Session) handleHeartbeat(hb *protocol.Heartbeat) {
	now := s.clock.Now()

	s.mu.Lock()
	if now.After(s.lastHeartbeat) {
		s.lastHeartbeat = now
	}
	s.dbStatus = hb.DBStatus
	s.apiStatus = hb.APIStatus
	// Counters only move forward; the agent's report wins when ahead of the
	// locally incremented view.
	if hb.QueriesExecuted > s.queriesExecuted {
		s.queriesExecuted = hb.QueriesExecuted
	}
	if hb.APIRequestsExecuted > s.apiRequestsExecuted {
		s.apiRequestsExecuted = hb.APIRequestsExecuted
	}
	s.agentUptimeSeconds = hb.UptimeSeconds
	s.mu.Unlock()

	s.metrics.HeartbeatReceived()
	s.Notify(&protocol.HeartbeatAck{
		SessionID:  s.ID,
		ServerTime: protocol.At(now),
	})
}

func (s *Session) handleDBStatus(f *protocol.DBStatusUpdate) {
	s.mu.Lock()
	s.dbStatus = f.Status
	s.mu.Unlock()

	if f.Status == protocol.BackendConnected {
		s.logger.Info("agent database recovered")
		return
	}
	s.logger.Warn("agent database degraded",
		zap.String("db_status", string(f.Status)),
		zap.String("error_message", f.ErrorMessage),
	)
}

// complete hands a response to its waiter. The slot is removed before the
// send, so a second response for the same request_id finds nothing and is
// dropped: completion is structurally single-shot.
func (s *Session) complete(requestID string, resp protocol.Response) {
	s.pendingMu.Lock()
	slot, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.pendingMu.Unlock()

	if !ok {
		s.metrics.FrameDropped("late_response")
		s.logger.Debug("dropping response with no pending request",
			zap.String("request_id", requestID),
			zap.String("frame_type", string(resp.FrameType())),
		)
		return
	}
	slot <- resp
}

func (s *Session) removePending(requestID string) {
	s.pendingMu.Lock()
	delete(s.pending, requestID)
	s.pendingMu.Unlock()
}

// noteSuccess keeps the per-session counters fresh between heartbeats.
func (s *Session) noteSuccess(resp protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r := resp.(type) {
	case *protocol.QueryResponse:
		if r.Status == protocol.StatusSuccess {
			s.queriesExecuted++
		}
	case *protocol.EmployeeLookupResponse:
		if r.Status == protocol.StatusSuccess {
			s.queriesExecuted++
		}
	case *protocol.APIResponse:
		if r.Status == protocol.StatusSuccess {
			s.apiRequestsExecuted++
		}
	}
}

// PendingCount reports the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	return len(s.pending)
}

// Info is a point-in-time view of a session for diagnostics.
type Info struct {
	SessionID           string                 `json:"session_id"`
	DatabaseID          string                 `json:"database_id"`
	TenantID            string                 `json:"tenant_id"`
	DatabaseName        string                 `json:"database_name"`
	AgentVersion        string                 `json:"agent_version"`
	AgentHostname       string                 `json:"agent_hostname,omitempty"`
	AgentOS             string                 `json:"agent_os,omitempty"`
	ConnectedAt         time.Time              `json:"connected_at"`
	LastHeartbeatAt     time.Time              `json:"last_heartbeat_at"`
	DBStatus            protocol.BackendStatus `json:"db_status,omitempty"`
	APIStatus           protocol.BackendStatus `json:"api_status,omitempty"`
	QueriesExecuted     int64                  `json:"queries_executed"`
	APIRequestsExecuted int64                  `json:"api_requests_executed"`
	AgentUptimeSeconds  int64                  `json:"agent_uptime_seconds"`
	PendingRequests     int                    `json:"pending_requests"`
	Active              bool                   `json:"active"`
}

// Snapshot copies the session's current state.
func (s *Session) Snapshot() Info {
	pending := s.PendingCount()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:           s.ID,
		DatabaseID:          s.DatabaseID,
		TenantID:            s.TenantID,
		DatabaseName:        s.DatabaseName,
		AgentVersion:        s.AgentVersion,
		AgentHostname:       s.AgentHostname,
		AgentOS:             s.AgentOS,
		ConnectedAt:         s.ConnectedAt,
		LastHeartbeatAt:     s.lastHeartbeat,
		DBStatus:            s.dbStatus,
		APIStatus:           s.apiStatus,
		QueriesExecuted:     s.queriesExecuted,
		APIRequestsExecuted: s.apiRequestsExecuted,
		AgentUptimeSeconds:  s.agentUptimeSeconds,
		PendingRequests:     pending,
		Active:              s.active,
	}
}
