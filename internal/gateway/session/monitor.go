package session

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/metrics"
)

// Monitor periodically expires sessions that stopped heartbeating. Its
// cadence should be at most half the heartbeat period.
type Monitor struct {
	registry *Registry
	interval time.Duration
	cron     gocron.Scheduler
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewMonitor creates a liveness monitor for the registry. Call Start to
// begin sweeping.
func NewMonitor(registry *Registry, interval time.Duration, logger *zap.Logger, m *metrics.Metrics) (*Monitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("session: create monitor scheduler: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		cron:     cron,
		logger:   logger.Named("liveness"),
		metrics:  m,
	}, nil
}

// Start schedules the sweep and starts the scheduler.
func (m *Monitor) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(m.Sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("session: schedule liveness sweep: %w", err)
	}
	m.cron.Start()
	m.logger.Info("liveness monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("stale_after", m.registry.StaleAfter()),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("session: monitor shutdown: %w", err)
	}
	m.logger.Info("liveness monitor stopped")
	return nil
}

// Sweep terminates every stale session once. Exposed so operations that need
// an immediate pass (and tests) do not wait for the next tick.
func (m *Monitor) Sweep() {
	for _, s := range m.registry.Expire() {
		m.logger.Warn("session stale, terminating",
			zap.String("session_id", s.ID),
			zap.String("database_id", s.DatabaseID),
			zap.Time("last_heartbeat_at", s.LastHeartbeat()),
		)
		s.Terminate("heartbeat stale")
		m.metrics.SessionExpired()
	}
}
