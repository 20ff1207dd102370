// Package health tracks the agent's local backends so heartbeats can report
// db_status and api_status without probing inline.
//
// A Monitor probes the local database (PingContext) and the local API (one
// GET against the base URL) on a fixed cadence, each probe under its own
// small budget. Results are cached; the connection manager reads the cache
// when it builds a heartbeat. A database status change is additionally
// pushed out-of-band through the Notifier so the gateway learns about
// outages between heartbeats.
//
// When no base URL is configured the monitor probes the conventional local
// ports for a /health endpoint and adopts the first responder.
package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/protocol"
)

const (
	defaultInterval     = 30 * time.Second
	defaultProbeTimeout = 2 * time.Second
)

// Status is one snapshot of both local backends.
type Status struct {
	DB  protocol.BackendStatus
	API protocol.BackendStatus
}

// DBPinger answers local database probes. Implemented by the SQL executor.
type DBPinger interface {
	Configured() bool
	Ping(ctx context.Context) error
}

// Endpoint is the local API surface the monitor probes and, after
// discovery, configures. Implemented by the API executor.
type Endpoint interface {
	BaseURL() string
	SetBaseURL(string)
}

// Notifier receives out-of-band database status changes. Implemented by the
// connection manager; passed at Run time because the manager is built after
// the monitor.
type Notifier interface {
	NotifyDBStatus(status protocol.BackendStatus, errorMessage string)
}

// Config wires a Monitor.
type Config struct {
	DB             DBPinger
	API            Endpoint
	DiscoveryPorts []int

	Interval     time.Duration // default 30s
	ProbeTimeout time.Duration // default 2s

	Logger *zap.Logger
	Clock  clockwork.Clock
}

// Monitor caches the health of the agent's local backends.
type Monitor struct {
	db           DBPinger
	api          Endpoint
	ports        []int
	interval     time.Duration
	probeTimeout time.Duration
	client       *http.Client
	logger       *zap.Logger
	clock        clockwork.Clock

	mu     sync.RWMutex
	status Status
}

// New builds a Monitor. Both backends start as disconnected until the first
// probe.
func New(cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Monitor{
		db:           cfg.DB,
		api:          cfg.API,
		ports:        cfg.DiscoveryPorts,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
		client:       &http.Client{},
		logger:       cfg.Logger.Named("health"),
		clock:        cfg.Clock,
		status: Status{
			DB:  protocol.BackendDisconnected,
			API: protocol.BackendDisconnected,
		},
	}
}

// Status returns the last probe results.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Run probes immediately and then on every tick until ctx ends. notifier may
// be nil; probing still refreshes the cache.
func (m *Monitor) Run(ctx context.Context, notifier Notifier) {
	m.Probe(ctx, notifier)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			m.Probe(ctx, notifier)
		}
	}
}

// Probe refreshes both cached statuses once and pushes a notification when
// the database status changed.
func (m *Monitor) Probe(ctx context.Context, notifier Notifier) {
	dbStatus, dbErr := m.probeDB(ctx)
	apiStatus := m.probeAPI(ctx)

	m.mu.Lock()
	prevDB := m.status.DB
	m.status = Status{DB: dbStatus, API: apiStatus}
	m.mu.Unlock()

	if prevDB != dbStatus {
		m.logger.Info("database status changed",
			zap.String("from", string(prevDB)),
			zap.String("to", string(dbStatus)),
			zap.Error(dbErr),
		)
		if notifier != nil {
			msg := ""
			if dbErr != nil {
				msg = dbErr.Error()
			}
			notifier.NotifyDBStatus(dbStatus, msg)
		}
	}
}

// probeDB distinguishes "no database configured" (disconnected) from
// "configured but failing" (error).
func (m *Monitor) probeDB(ctx context.Context) (protocol.BackendStatus, error) {
	if m.db == nil || !m.db.Configured() {
		return protocol.BackendDisconnected, nil
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	if err := m.db.Ping(probeCtx); err != nil {
		return protocol.BackendError, err
	}
	return protocol.BackendConnected, nil
}

// probeAPI reports transport-level reachability. Any HTTP response counts as
// connected; status codes are the executor's business.
func (m *Monitor) probeAPI(ctx context.Context) protocol.BackendStatus {
	if m.api == nil {
		return protocol.BackendDisconnected
	}

	base := m.api.BaseURL()
	if base == "" {
		base = m.discover(ctx)
		if base == "" {
			return protocol.BackendDisconnected
		}
		m.api.SetBaseURL(base)
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, base, nil)
	if err != nil {
		return protocol.BackendError
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return protocol.BackendError
	}
	resp.Body.Close()
	return protocol.BackendConnected
}

// discover probes the configured local ports for a /health endpoint. The
// whole scan shares one probe budget; a refused connection fails fast, so a
// handful of ports fits comfortably.
func (m *Monitor) discover(ctx context.Context) string {
	if len(m.ports) == 0 {
		return ""
	}
	budget, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	for _, port := range m.ports {
		base := fmt.Sprintf("http://127.0.0.1:%d", port)
		req, err := http.NewRequestWithContext(budget, http.MethodGet, base+"/health", nil)
		if err != nil {
			continue
		}
		resp, err := m.client.Do(req)
		if err != nil {
			if budget.Err() != nil {
				return ""
			}
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			m.logger.Info("local api discovered", zap.Int("port", port))
			return base
		}
	}
	return ""
}
