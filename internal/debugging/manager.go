// apex-debug Session Manager
// Mints session identifiers, owns the set of live sessions, and
// enforces isolation and teardown.

package debugging

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"apex-debug/internal/apexerr"
	"apex-debug/internal/logging"
	"apex-debug/internal/metrics"
)

// Manager owns the mapping from session id to live session. Sessions
// never share process handles, inspector connections, or registries.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	onEvent  func(DebugEvent)
	log      *zap.Logger
}

// NewManager returns an empty manager. onEvent, when non-nil, receives
// every session's event stream (for the WebSocket hub).
func NewManager(onEvent func(DebugEvent)) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		onEvent:  onEvent,
		log:      logging.L(),
	}
}

// Create spawns a child under the inspector, waits for the initial
// pause, and registers the session.
func (m *Manager) Create(ctx context.Context, cfg SessionConfig) (*Session, error) {
	id := uuid.New().String()

	session, err := Start(ctx, id, cfg)
	if err != nil {
		metrics.Get().SessionStartFailures.WithLabelValues(string(apexerr.CodeOf(err))).Inc()
		return nil, err
	}

	session.SetHooks(func(s *Session) {
		m.mu.Lock()
		delete(m.sessions, s.ID)
		m.mu.Unlock()
	}, m.onEvent)

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	m.log.Info("debug session started",
		zap.String("session", id),
		zap.String("command", cfg.Command),
		zap.Strings("args", cfg.Args))
	return session, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, apexerr.New(apexerr.CodeSessionNotFound, "no session %q", id)
	}
	return session, nil
}

// List returns the ids of live sessions.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Remove stops a session and drops it from the manager.
func (m *Manager) Remove(ctx context.Context, id string) error {
	session, err := m.Get(id)
	if err != nil {
		return err
	}
	session.Stop(ctx)
	return nil
}

// CleanupAll destroys every live session concurrently. Used on
// shutdown; never fails.
func (m *Manager) CleanupAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			s.Stop(gctx)
			return nil
		})
	}
	_ = g.Wait()
}
