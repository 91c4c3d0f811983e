package server

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
)

// SessionManager tracks live sessions and enforces the session limit.
type SessionManager struct {
	// Sessions map protected by RWMutex
	sessions map[string]*Session
	mu       sync.RWMutex

	// Limits
	maxSessions int
	closed      bool // Set by Shutdown; protected by mu

	// Metrics
	totalCreated atomic.Uint64
	totalClosed  atomic.Uint64
	peakSessions int

	// Callbacks
	onSessionCreate func(*Session)
	onSessionClose  func(*Session)

	logger *slog.Logger
}

// NewSessionManager creates a SessionManager. maxSessions <= 0 means no limit.
func NewSessionManager(maxSessions int, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		logger:      logger.With("component", "session_manager"),
	}
}

// Register adds a session. It returns ErrMaxSessionsReached when the limit
// is reached and ErrServerShutdown after Shutdown.
func (sm *SessionManager) Register(s *Session) error {
	sm.mu.Lock()
	if sm.closed {
		sm.mu.Unlock()
		return ErrServerShutdown
	}
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.mu.Unlock()
		return ErrMaxSessionsReached
	}
	sm.sessions[s.ID()] = s
	sm.totalCreated.Add(1)
	if len(sm.sessions) > sm.peakSessions {
		sm.peakSessions = len(sm.sessions)
	}
	active := len(sm.sessions)
	onCreate := sm.onSessionCreate
	sm.mu.Unlock()

	if onCreate != nil {
		onCreate(s)
	}
	sm.logger.Debug("session registered", "session_id", s.ID(), "active_sessions", active)
	return nil
}

// Remove forgets a session. It is a no-op for unknown IDs.
func (sm *SessionManager) Remove(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	if ok {
		delete(sm.sessions, id)
	}
	onClose := sm.onSessionClose
	sm.mu.Unlock()

	if !ok {
		return
	}
	sm.totalClosed.Add(1)
	if onClose != nil {
		onClose(s)
	}
}

// Get returns a session by ID, or nil if not found.
func (sm *SessionManager) Get(id string) *Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[id]
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Shutdown closes every session with ErrServerShutdown and waits until they
// have released their resources or ctx is done. Later Register calls fail.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.Unlock()

	for _, s := range sessions {
		s.closeWithCause(ErrServerShutdown)
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			sm.logger.Warn("session manager shutdown interrupted",
				"pending_sessions", sm.Count(),
				"error", ctx.Err())
			return ctx.Err()
		}
		sm.Remove(s.ID())
	}

	sm.logger.Info("session manager shutdown", "closed_sessions", len(sessions))
	return nil
}

// Stats returns aggregated session statistics.
func (sm *SessionManager) Stats() ManagerStats {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	peak := sm.peakSessions
	sm.mu.RUnlock()

	stats := ManagerStats{
		Active:       len(sessions),
		TotalCreated: sm.totalCreated.Load(),
		TotalClosed:  sm.totalClosed.Load(),
		Peak:         peak,
	}
	for _, s := range sessions {
		stats.Queued += s.outbox.Len()
	}
	return stats
}

// ManagerStats contains aggregated session manager statistics.
type ManagerStats struct {
	Active       int    `json:"active"`
	TotalCreated uint64 `json:"total_created"`
	TotalClosed  uint64 `json:"total_closed"`
	Peak         int    `json:"peak"`
	Queued       int    `json:"queued"`
}

// ForEach iterates over sessions in ID order until fn returns false.
func (sm *SessionManager) ForEach(fn func(*Session) bool) {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })
	for _, s := range sessions {
		if !fn(s) {
			break
		}
	}
}

// SetOnSessionCreate sets the callback for session registration.
func (sm *SessionManager) SetOnSessionCreate(fn func(*Session)) {
	sm.mu.Lock()
	sm.onSessionCreate = fn
	sm.mu.Unlock()
}

// SetOnSessionClose sets the callback for session removal.
func (sm *SessionManager) SetOnSessionClose(fn func(*Session)) {
	sm.mu.Lock()
	sm.onSessionClose = fn
	sm.mu.Unlock()
}
