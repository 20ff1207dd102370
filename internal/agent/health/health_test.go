package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gatelink-io/gatelink/internal/protocol"
)

type fakePinger struct {
	mu         sync.Mutex
	configured bool
	err        error
	pings      int
}

func (f *fakePinger) Configured() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configured
}

func (f *fakePinger) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.err
}

func (f *fakePinger) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePinger) pingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pings
}

type fakeEndpoint struct {
	mu   sync.Mutex
	base string
}

func (f *fakeEndpoint) BaseURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.base
}

func (f *fakeEndpoint) SetBaseURL(base string) {
	f.mu.Lock()
	f.base = base
	f.mu.Unlock()
}

type statusUpdate struct {
	status protocol.BackendStatus
	msg    string
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []statusUpdate
}

func (f *fakeNotifier) NotifyDBStatus(status protocol.BackendStatus, msg string) {
	f.mu.Lock()
	f.updates = append(f.updates, statusUpdate{status, msg})
	f.mu.Unlock()
}

func (f *fakeNotifier) all() []statusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]statusUpdate(nil), f.updates...)
}

func TestProbeReportsBothBackends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	pinger := &fakePinger{configured: true}
	endpoint := &fakeEndpoint{base: srv.URL}
	notifier := &fakeNotifier{}

	m := New(Config{DB: pinger, API: endpoint, Logger: zaptest.NewLogger(t)})
	m.Probe(context.Background(), notifier)

	assert.Equal(t, Status{
		DB:  protocol.BackendConnected,
		API: protocol.BackendConnected,
	}, m.Status())

	updates := notifier.all()
	require.Len(t, updates, 1)
	assert.Equal(t, protocol.BackendConnected, updates[0].status)
	assert.Empty(t, updates[0].msg)
}

func TestProbeUnconfiguredBackends(t *testing.T) {
	notifier := &fakeNotifier{}
	m := New(Config{
		DB:     &fakePinger{configured: false},
		API:    &fakeEndpoint{},
		Logger: zaptest.NewLogger(t),
	})

	m.Probe(context.Background(), notifier)

	assert.Equal(t, Status{
		DB:  protocol.BackendDisconnected,
		API: protocol.BackendDisconnected,
	}, m.Status())
	assert.Empty(t, notifier.all(), "no change from the initial disconnected state")
}

func TestProbeNotifiesOnlyOnDBChange(t *testing.T) {
	pinger := &fakePinger{configured: true}
	notifier := &fakeNotifier{}
	m := New(Config{DB: pinger, Logger: zaptest.NewLogger(t)})

	ctx := context.Background()
	m.Probe(ctx, notifier)
	m.Probe(ctx, notifier)
	require.Len(t, notifier.all(), 1, "steady state must not renotify")

	pinger.setErr(errors.New("login failed for user"))
	m.Probe(ctx, notifier)

	updates := notifier.all()
	require.Len(t, updates, 2)
	assert.Equal(t, protocol.BackendError, updates[1].status)
	assert.Contains(t, updates[1].msg, "login failed")
	assert.Equal(t, protocol.BackendError, m.Status().DB)
}

func TestDiscoveryAdoptsLocalResponder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	endpoint := &fakeEndpoint{}
	m := New(Config{
		API:            endpoint,
		DiscoveryPorts: []int{port},
		Logger:         zaptest.NewLogger(t),
	})

	m.Probe(context.Background(), nil)

	assert.Equal(t, protocol.BackendConnected, m.Status().API)
	assert.Equal(t, "http://127.0.0.1:"+u.Port(), endpoint.BaseURL())
}

func TestDiscoveryGivesUpQuietly(t *testing.T) {
	endpoint := &fakeEndpoint{}
	m := New(Config{
		API:            endpoint,
		DiscoveryPorts: []int{1}, // nothing listens there
		ProbeTimeout:   500 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})

	m.Probe(context.Background(), nil)

	assert.Equal(t, protocol.BackendDisconnected, m.Status().API)
	assert.Empty(t, endpoint.BaseURL())
}

func TestRunProbesOnTicks(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pinger := &fakePinger{configured: true}
	m := New(Config{
		DB:       pinger,
		Interval: 30 * time.Second,
		Logger:   zaptest.NewLogger(t),
		Clock:    clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx, nil)
	}()

	// One probe at startup, then one per tick.
	require.Eventually(t, func() bool { return pinger.pingCount() >= 1 },
		time.Second, 10*time.Millisecond)
	clock.BlockUntil(1)

	clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return pinger.pingCount() >= 2 },
		time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
