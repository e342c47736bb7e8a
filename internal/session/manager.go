package session

import (
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"replmux/internal/engine"
	"replmux/internal/metrics"
)

const defaultTranscriptSize = 200

// Executor runs session drain tasks. *ants.Pool satisfies it. Each session
// has at most one task in flight; a rejected task runs on its own goroutine.
type Executor interface {
	Submit(task func()) error
}

type goExecutor struct{}

func (goExecutor) Submit(task func()) error {
	go task()
	return nil
}

// Option configures a Manager.
type Option func(*Manager)

// WithExecutor sets the executor that evaluates queued commands. The default
// starts a goroutine per drain task.
func WithExecutor(exec Executor) Option {
	return func(m *Manager) {
		if exec != nil {
			m.exec = exec
		}
	}
}

// WithMaxSessions limits the number of live sessions. Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(m *Manager) {
		m.maxSessions = n
	}
}

// WithTranscriptSize sets how many notifications each session keeps.
func WithTranscriptSize(n int) Option {
	return func(m *Manager) {
		m.transcriptSize = n
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager is the registry of live sessions. It allocates session ids from a
// counter starting at 1; ids are never reused.
type Manager struct {
	mu       sync.Mutex
	sessions map[uint64]*Session
	lastID   uint64
	closed   bool

	factory        engine.Factory
	exec           Executor
	maxSessions    int
	transcriptSize int
	logger         *zap.Logger
}

// NewManager creates a session manager whose sessions use engines from factory.
func NewManager(factory engine.Factory, opts ...Option) *Manager {
	m := &Manager{
		sessions:       make(map[uint64]*Session),
		factory:        factory,
		exec:           goExecutor{},
		transcriptSize: defaultTranscriptSize,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewSession creates and registers a session.
func (m *Manager) NewSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrRegistryClosed
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, errors.Wrapf(ErrTooManySessions, "limit %d", m.maxSessions)
	}

	m.lastID++
	s, err := newSession(m.lastID, m)
	if err != nil {
		return nil, err
	}
	m.sessions[s.id] = s

	metrics.SessionsLive.Inc()
	metrics.SessionsCreated.Inc()
	m.logger.Info("session created", zap.Uint64("session", s.id))
	return s, nil
}

// GetSession returns a live session by id.
func (m *Manager) GetSession(id uint64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "session %d", id)
	}
	return s, nil
}

// ListSessions returns the ids of the live sessions in ascending order.
func (m *Manager) ListSessions() []uint64 {
	m.mu.Lock()
	ids := lo.Keys(m.sessions)
	m.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Closed reports whether Close has been called.
func (m *Manager) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Close refuses further sessions and closes every live one. Calling it again
// has no effect.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	// Sessions remove themselves while closing, so work on a snapshot.
	snapshot := lo.Values(m.sessions)
	m.mu.Unlock()

	for _, s := range snapshot {
		_ = s.Close()
	}
	m.logger.Info("registry closed", zap.Int("sessions", len(snapshot)))
	return nil
}

func (m *Manager) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		delete(m.sessions, id)
		metrics.SessionsLive.Dec()
	}
}
