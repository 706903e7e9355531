package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lumenlearn/voicekit/internal/shared"
)

// Manager owns the live engines, keyed by session id.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Engine
	log      *slog.Logger
}

func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Engine),
		log:      log.With("component", "session_manager"),
	}
}

// Create builds and starts an engine for the config's session.
func (m *Manager) Create(ctx context.Context, cfg Config) (*Engine, error) {
	engine, err := New(cfg)
	if err != nil {
		return nil, err
	}
	if err := engine.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[engine.Session().ID] = engine
	m.mu.Unlock()

	m.log.Info("session created", "session_id", engine.Session().ID, "user_id", cfg.Session.UserID)
	return engine, nil
}

func (m *Manager) Get(sessionID string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	engine, ok := m.sessions[sessionID]
	return engine, ok
}

// Remove ends the session and forgets it.
func (m *Manager) Remove(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	engine, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return shared.ErrNotFound
	}
	err := engine.End(ctx, "removed")
	m.log.Info("session removed", "session_id", sessionID)
	return err
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Close ends every session.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	engines := make([]*Engine, 0, len(m.sessions))
	for _, e := range m.sessions {
		engines = append(engines, e)
	}
	m.sessions = make(map[string]*Engine)
	m.mu.Unlock()

	var firstErr error
	for _, e := range engines {
		if err := e.End(ctx, "shutdown"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
