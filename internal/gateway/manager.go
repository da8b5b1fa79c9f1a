package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/lucianhymer/asrgateway/internal/gatewayerr"
	"github.com/lucianhymer/asrgateway/internal/logger"
)

// ManagerConfig configures a SessionManager.
type ManagerConfig struct {
	MaxSessions int
	IdleTimeout time.Duration
	Deps        Deps
	Logger      *logger.ContextLogger
}

// Stats mirrors the manager-wide metrics §4.7 requires.
type Stats struct {
	ActiveSessions       int
	TotalOpened          uint64
	TotalMessages        uint64
	TotalTranscriptionMs int64
	UptimeSeconds        float64
}

// SessionManager accepts connections, enforces a concurrency cap, looks up
// sessions by id, and owns every Session's lifecycle. Inbound messages are
// dispatched onto a Session by the transport that received them, not by
// the manager. It is the only cross-goroutine shared structure; its session
// map is guarded by mu. Per-session state is touched only through the
// Session's own methods, which serialize internally.
type SessionManager struct {
	cfg ManagerConfig
	log *logger.ContextLogger

	mu          sync.Mutex
	sessions    map[string]*Session
	startedAt   time.Time
	totalOpened uint64
}

// NewManager creates a SessionManager.
func NewManager(cfg ManagerConfig) *SessionManager {
	if cfg.MaxSessions == 0 {
		cfg.MaxSessions = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	return &SessionManager{
		cfg:       cfg,
		log:       cfg.Logger,
		sessions:  make(map[string]*Session),
		startedAt: time.Now(),
	}
}

// Open registers a new session bound to transport, or rejects with
// AT_CAPACITY if the manager is already at its session cap.
func (m *SessionManager) Open(transport Transport) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		return nil, gatewayerr.New(gatewayerr.AtCapacity, "session manager at capacity")
	}

	id := uuid.New().String()
	sess := New(id, transport, m.cfg.Deps)
	m.sessions[id] = sess
	m.totalOpened++
	if m.log != nil {
		m.log.InfoWithFields("session opened", map[string]any{"session_id": id})
	}
	return sess, nil
}

// Get looks up a session by id.
func (m *SessionManager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Close cancels in-flight work and releases the session.
func (m *SessionManager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return sess.Close()
}

// CloseAll tears down every session, aggregating any close errors so one
// failing session doesn't hide the others.
func (m *SessionManager) CloseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := m.Close(id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Stats returns a snapshot of manager-wide metrics.
func (m *SessionManager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var totalMessages uint64
	var totalTranscriptionMs int64
	for _, s := range m.sessions {
		s.mu.Lock()
		totalMessages += s.totalMessages
		totalTranscriptionMs += s.totalTranscriptionMs
		s.mu.Unlock()
	}

	return Stats{
		ActiveSessions:       len(m.sessions),
		TotalOpened:          m.totalOpened,
		TotalMessages:        totalMessages,
		TotalTranscriptionMs: totalTranscriptionMs,
		UptimeSeconds:        time.Since(m.startedAt).Seconds(),
	}
}

// SweepIdleSessions closes any session whose idle duration has exceeded
// the configured idle timeout. Intended to be called periodically from a
// background goroutine owned by the caller (e.g. cmd/server).
func (m *SessionManager) SweepIdleSessions(ctx context.Context) {
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.IdleDuration() >= m.cfg.IdleTimeout {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if m.log != nil {
			m.log.InfoWithFields("closing idle session", map[string]any{"session_id": id})
		}
		_ = m.Close(id)
	}
}
