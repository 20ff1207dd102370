package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gatelink-io/gatelink/internal/protocol"
)

// fakeConn is an in-memory tunnel transport.
type fakeConn struct {
	inbound  chan []byte // frames the session will read
	outbound chan []byte // frames the session wrote
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case c.outbound <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// inject encodes a frame and feeds it to the session's read loop.
func (c *fakeConn) inject(t *testing.T, f protocol.Frame) {
	t.Helper()
	data, err := protocol.Encode(f)
	require.NoError(t, err)
	c.inbound <- data
}

func newTestSession(t *testing.T, conn Conn, id, databaseID string, clock clockwork.Clock) *Session {
	t.Helper()
	s := New(conn, Config{
		SessionID:    id,
		DatabaseID:   databaseID,
		TenantID:     "tenant-1",
		DatabaseName: "HR Production",
		AgentVersion: "1.0.0",
		Clock:        clock,
		Logger:       zaptest.NewLogger(t),
	})
	t.Cleanup(func() { s.Terminate("test cleanup") })
	return s
}

// runAgent replies to every query frame the session sends, in arrival order.
func runAgent(conn *fakeConn, handle func(req *protocol.QueryRequest) *protocol.QueryResponse) {
	go func() {
		for {
			var data []byte
			select {
			case data = <-conn.outbound:
			case <-conn.closed:
				return
			}
			frame, err := protocol.Decode(data)
			if err != nil {
				continue
			}
			req, ok := frame.(*protocol.QueryRequest)
			if !ok {
				continue
			}
			resp := handle(req)
			if resp == nil {
				continue
			}
			resp.RequestID = req.RequestID
			raw, err := protocol.Encode(resp)
			if err != nil {
				continue
			}
			select {
			case conn.inbound <- raw:
			case <-conn.closed:
				return
			}
		}
	}()
}

func TestRequestCorrelatesResponse(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", nil)
	go s.Run()

	runAgent(conn, func(req *protocol.QueryRequest) *protocol.QueryResponse {
		return &protocol.QueryResponse{
			Status:   protocol.StatusSuccess,
			Columns:  []string{"x"},
			Rows:     []protocol.Row{{"x": float64(1)}},
			RowCount: 1,
		}
	})

	resp, err := s.Request(context.Background(), &protocol.QueryRequest{
		SQLQuery: "SELECT 1 AS x",
		Timeout:  5,
		MaxRows:  10,
	}, 5*time.Second)
	require.NoError(t, err)

	qr, ok := resp.(*protocol.QueryResponse)
	require.True(t, ok)
	assert.Equal(t, protocol.StatusSuccess, qr.Status)
	assert.Equal(t, []string{"x"}, qr.Columns)
	assert.Equal(t, []protocol.Row{{"x": float64(1)}}, qr.Rows)
	assert.Equal(t, 1, qr.RowCount)
	assert.NotEmpty(t, qr.RequestID)

	require.Eventually(t, func() bool { return s.PendingCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestRequestTimeoutDropsLateResponse(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", clock)
	go s.Run()

	// Capture the outbound request but do not answer it yet.
	requestID := make(chan string, 1)
	go func() {
		data := <-conn.outbound
		if frame, err := protocol.Decode(data); err == nil {
			if req, ok := frame.(*protocol.QueryRequest); ok {
				requestID <- req.RequestID
			}
		}
	}()

	type result struct {
		resp protocol.Response
		err  error
	}
	results := make(chan result, 1)
	go func() {
		resp, err := s.Request(context.Background(), &protocol.QueryRequest{
			SQLQuery: "SELECT SLOW()",
			Timeout:  1,
		}, time.Second)
		results <- result{resp, err}
	}()

	id := <-requestID
	clock.BlockUntil(1)
	clock.Advance(time.Second + timeoutGrace + time.Millisecond)

	res := <-results
	require.ErrorIs(t, res.err, ErrRequestTimeout)
	require.Nil(t, res.resp)
	require.Eventually(t, func() bool { return s.PendingCount() == 0 },
		time.Second, 10*time.Millisecond)

	// The response shows up late: it must be dropped without disturbing the
	// session or any later request.
	conn.inject(t, &protocol.QueryResponse{RequestID: id, Status: protocol.StatusSuccess})

	runAgent(conn, func(req *protocol.QueryRequest) *protocol.QueryResponse {
		return &protocol.QueryResponse{Status: protocol.StatusSuccess, RowCount: 0}
	})
	resp, err := s.Request(context.Background(), &protocol.QueryRequest{SQLQuery: "SELECT 1"}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, resp.(*protocol.QueryResponse).Status)
	assert.True(t, s.Active())
}

func TestTerminateFailsPendingRequests(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", nil)
	go s.Run()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func(n int) {
			_, err := s.Request(context.Background(), &protocol.QueryRequest{
				SQLQuery: fmt.Sprintf("SELECT %d", n),
			}, time.Minute)
			errs <- err
		}(i)
	}

	require.Eventually(t, func() bool { return s.PendingCount() == 3 },
		time.Second, 10*time.Millisecond)

	s.Terminate("unit test")

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, <-errs, ErrSessionClosed)
	}
	assert.False(t, s.Active())
	assert.Zero(t, s.PendingCount())

	// New requests on a dead session fail immediately.
	_, err := s.Request(context.Background(), &protocol.QueryRequest{SQLQuery: "SELECT 1"}, time.Second)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestSendOrderMatchesCallOrder(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", nil)
	go s.Run()

	const n = 10
	received := make([]string, 0, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for len(received) < n {
			data := <-conn.outbound
			frame, err := protocol.Decode(data)
			if err != nil {
				return
			}
			req, ok := frame.(*protocol.QueryRequest)
			if !ok {
				continue
			}
			received = append(received, req.SQLQuery)
			raw, _ := protocol.Encode(&protocol.QueryResponse{
				RequestID: req.RequestID,
				Status:    protocol.StatusSuccess,
			})
			conn.inbound <- raw
		}
	}()

	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sql := fmt.Sprintf("SELECT %d", i)
		want = append(want, sql)
		_, err := s.Request(context.Background(), &protocol.QueryRequest{SQLQuery: sql}, time.Minute)
		require.NoError(t, err)
	}

	<-done
	assert.Equal(t, want, received)
}

func TestHeartbeatRefreshesLivenessAndAcks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", clock)
	go s.Run()

	connectedAt := s.LastHeartbeat()
	clock.Advance(10 * time.Second)

	conn.inject(t, &protocol.Heartbeat{
		SessionID:           "s-1",
		DBStatus:            protocol.BackendConnected,
		APIStatus:           protocol.BackendError,
		QueriesExecuted:     42,
		APIRequestsExecuted: 7,
		UptimeSeconds:       3600,
	})

	var ack *protocol.HeartbeatAck
	require.Eventually(t, func() bool {
		select {
		case data := <-conn.outbound:
			frame, err := protocol.Decode(data)
			if err != nil {
				return false
			}
			a, ok := frame.(*protocol.HeartbeatAck)
			ack = a
			return ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, "s-1", ack.SessionID)
	assert.True(t, ack.ServerTime.Equal(clock.Now()))
	assert.True(t, s.LastHeartbeat().After(connectedAt))

	info := s.Snapshot()
	assert.Equal(t, protocol.BackendConnected, info.DBStatus)
	assert.Equal(t, protocol.BackendError, info.APIStatus)
	assert.Equal(t, int64(42), info.QueriesExecuted)
	assert.Equal(t, int64(7), info.APIRequestsExecuted)
	assert.Equal(t, int64(3600), info.AgentUptimeSeconds)
}

func TestUnknownFrameKeepsSessionActive(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", nil)
	go s.Run()

	conn.inbound <- []byte(`{"type":"BOGUS","timestamp":"2026-03-14T09:26:53.589Z"}`)

	data := <-conn.outbound
	frame, err := protocol.Decode(data)
	require.NoError(t, err)
	errFrame, ok := frame.(*protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidMessage, errFrame.ErrorCode)
	assert.Contains(t, errFrame.ErrorMessage, "BOGUS")

	assert.True(t, s.Active())

	// The session keeps processing frames afterwards.
	runAgent(conn, func(req *protocol.QueryRequest) *protocol.QueryResponse {
		return &protocol.QueryResponse{Status: protocol.StatusSuccess}
	})
	_, err = s.Request(context.Background(), &protocol.QueryRequest{SQLQuery: "SELECT 1"}, time.Minute)
	require.NoError(t, err)
}

func TestMalformedFrameAnswersWithRequestID(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", nil)
	go s.Run()

	conn.inbound <- []byte(`{"type":"QUERY_RESPONSE","request_id":"req-7","row_count":"lots"}`)

	data := <-conn.outbound
	frame, err := protocol.Decode(data)
	require.NoError(t, err)
	errFrame, ok := frame.(*protocol.ErrorFrame)
	require.True(t, ok)
	assert.Equal(t, protocol.CodeInvalidMessage, errFrame.ErrorCode)
	assert.Equal(t, "req-7", errFrame.RequestID)
	assert.True(t, s.Active())
}

func TestDisconnectFrameTerminates(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", nil)
	go s.Run()

	conn.inject(t, &protocol.Disconnect{SessionID: "s-1", Reason: "agent shutting down"})

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not terminate on disconnect frame")
	}
	assert.False(t, s.Active())
}

func TestDuplicateResponseCompletesOnce(t *testing.T) {
	conn := newFakeConn()
	s := newTestSession(t, conn, "s-1", "db-1", nil)
	go s.Run()

	requestID := make(chan string, 1)
	go func() {
		data := <-conn.outbound
		if frame, err := protocol.Decode(data); err == nil {
			if req, ok := frame.(*protocol.QueryRequest); ok {
				requestID <- req.RequestID
			}
		}
	}()

	results := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), &protocol.QueryRequest{SQLQuery: "SELECT 1"}, time.Minute)
		results <- err
	}()

	id := <-requestID
	conn.inject(t, &protocol.QueryResponse{RequestID: id, Status: protocol.StatusSuccess})
	conn.inject(t, &protocol.QueryResponse{RequestID: id, Status: protocol.StatusError})

	require.NoError(t, <-results)
	assert.True(t, s.Active())
	assert.Zero(t, s.PendingCount())
}
