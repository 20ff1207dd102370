package session

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gatelink-io/gatelink/internal/gateway/metrics"
)

// DefaultStaleAfter is the staleness threshold applied when none is
// configured: three missed heartbeats at the default cadence.
const DefaultStaleAfter = 90 * time.Second

// Registry is the single source of truth for which database is reachable
// through which session. All mutation happens under one lock; termination of
// displaced sessions happens outside it.
type Registry struct {
	staleAfter time.Duration
	clock      clockwork.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu   sync.RWMutex
	byDB map[string]*Session
	byID map[string]*Session
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	// StaleAfter hides sessions from Lookup once their last heartbeat is
	// older than this. Zero means DefaultStaleAfter.
	StaleAfter time.Duration

	Logger  *zap.Logger
	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	staleAfter := cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Registry{
		staleAfter: staleAfter,
		clock:      clock,
		logger:     logger.Named("registry"),
		metrics:    cfg.Metrics,
		byDB:       make(map[string]*Session),
		byID:       make(map[string]*Session),
	}
}

// StaleAfter returns the configured staleness threshold.
func (r *Registry) StaleAfter() time.Duration { return r.staleAfter }

// Install makes s the one active session for its database. Any previous
// session for the same database is deactivated under the registry lock and
// terminated after it is released, so no two active sessions for one
// database are ever visible.
func (r *Registry) Install(s *Session) {
	r.mu.Lock()
	old := r.byDB[s.DatabaseID]
	if old != nil {
		old.Deactivate()
		delete(r.byID, old.ID)
	}
	r.byDB[s.DatabaseID] = s
	r.byID[s.ID] = s
	active := len(r.byDB)
	r.mu.Unlock()

	if old != nil {
		r.logger.Info("replacing session for database",
			zap.String("database_id", s.DatabaseID),
			zap.String("old_session_id", old.ID),
			zap.String("new_session_id", s.ID),
		)
		old.Terminate("replaced by new connection")
		r.metrics.SessionReplaced()
	}
	r.metrics.SessionOpened()
	r.metrics.SetActiveSessions(active)
}

// Lookup returns the active, heartbeat-fresh session for a database. A
// session past the staleness threshold is invisible even while its socket
// is still open.
func (r *Registry) Lookup(databaseID string) (*Session, bool) {
	r.mu.RLock()
	s := r.byDB[databaseID]
	r.mu.RUnlock()

	if s == nil || !s.Active() {
		return nil, false
	}
	if r.clock.Since(s.LastHeartbeat()) > r.staleAfter {
		return nil, false
	}
	return s, true
}

// Remove drops a session by ID. Idempotent; unknown IDs are a no-op. The
// session itself is not terminated here.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	s, ok := r.byID[sessionID]
	if ok {
		delete(r.byID, sessionID)
		if cur := r.byDB[s.DatabaseID]; cur != nil && cur.ID == sessionID {
			delete(r.byDB, s.DatabaseID)
		}
	}
	active := len(r.byDB)
	r.mu.Unlock()

	if ok {
		r.metrics.SetActiveSessions(active)
	}
}

// Expire deactivates and unregisters every session whose last heartbeat is
// older than the staleness threshold, returning them for termination by the
// caller. The registry lock is never held while pending slots complete.
func (r *Registry) Expire() []*Session {
	now := r.clock.Now()

	r.mu.Lock()
	var stale []*Session
	for dbID, s := range r.byDB {
		if now.Sub(s.LastHeartbeat()) > r.staleAfter {
			s.Deactivate()
			delete(r.byDB, dbID)
			delete(r.byID, s.ID)
			stale = append(stale, s)
		}
	}
	active := len(r.byDB)
	r.mu.Unlock()

	if len(stale) > 0 {
		r.metrics.SetActiveSessions(active)
	}
	return stale
}

// Snapshot returns a point-in-time view of all registered sessions, ordered
// by database ID.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byDB))
	for _, s := range r.byDB {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Snapshot())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].DatabaseID < infos[j].DatabaseID })
	return infos
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byDB)
}
