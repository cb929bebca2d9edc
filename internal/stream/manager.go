// Package stream tracks the lifecycle of active playback sessions — each
// one a running adaptive-streaming engine instance driving one manifest —
// and is the registry the control/debug API (internal/control) queries.
// Adapted from a live-ingest stream registry: same create/remove/list
// shape, retargeted from push-ingest sessions keyed by
// stream key to pull-playback sessions keyed by a minted session id, with
// a debug-snapshot hook the control API can call without the registry
// itself knowing anything about engine internals.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DebugSnapshot returns a JSON-serializable snapshot of a session's
// current engine state, for the control API's per-session debug endpoint.
type DebugSnapshot func() map[string]any

// Session is one active playback session.
type Session struct {
	ID        string
	Key       string // caller-supplied identifier, typically the manifest URL
	StartedAt time.Time

	cancel context.CancelFunc
	debug  DebugSnapshot
}

// Debug returns this session's current debug snapshot. Safe to call
// concurrently with the session's engine goroutines; debug is expected to
// read its own state under its own locking.
func (s *Session) Debug() map[string]any {
	if s.debug == nil {
		return map[string]any{"id": s.ID, "key": s.Key, "startedAt": s.StartedAt}
	}
	snap := s.debug()
	snap["id"] = s.ID
	snap["key"] = s.Key
	snap["startedAt"] = s.StartedAt
	return snap
}

// Stop cancels this session's engine context.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Manager manages the lifecycle of active playback sessions.
type Manager struct {
	log      *slog.Logger
	mu       sync.RWMutex
	sessions map[string]*Session
	byKey    map[string]string // key -> session id, rejects duplicate keys
}

// NewManager creates a new session manager. If log is nil, slog.Default()
// is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log.With("component", "stream-manager"),
		sessions: make(map[string]*Session),
		byKey:    make(map[string]string),
	}
}

// Create registers a new playback session for key. Returns the session and
// true if created, or nil and false if a session for this key is already
// active. cancel and debug may be nil and supplied later is not supported;
// pass no-ops if the engine isn't wired up yet.
func (m *Manager) Create(key string, cancel context.CancelFunc, debug DebugSnapshot) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byKey[key]; ok {
		m.log.Warn("session already exists for key, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Session{
		ID:        uuid.New().String(),
		Key:       key,
		StartedAt: time.Now(),
		cancel:    cancel,
		debug:     debug,
	}

	m.sessions[s.ID] = s
	m.byKey[key] = s.ID
	m.log.Info("playback session created", "id", s.ID, "key", key)
	return s, true
}

// Get resolves a session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove stops and unregisters the session with id, if any.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
		delete(m.byKey, s.Key)
	}
	m.mu.Unlock()

	if ok {
		s.Stop()
		m.log.Info("playback session removed", "id", id, "key", s.Key)
	}
}

// List returns all active sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}
