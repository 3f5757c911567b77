package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the authoritative lifecycle state of a session. It is mutated
// only by the turn state machine that owns the session.
type State string

const (
	StateCreated    State = "created"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateClosed     State = "closed"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrClosed        = errors.New("session closed")
	ErrTransportBusy = errors.New("session already has a live transport")
)

type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	State          State     `json:"state"`
	Connected      bool      `json:"connected"`
	ActiveTurnID   string    `json:"active_turn_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager is the in-process session store. The id-to-session map is the
// only cross-session shared state; per-session fields are guarded by the
// same lock but only ever written by the session's own control loop.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	onExpire    func(*Session)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
	}
}

// SetExpireHook registers the callback invoked once per expired session.
// The state machine consumes this to release transport resources; the
// store never calls into the state machine directly.
func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(userID string) *Session {
	if userID == "" {
		userID = "anonymous"
	}
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		State:          StateCreated,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// AcquireTransport claims the session's single transport slot. A session
// owns exactly one live audio connection; a second attach is refused
// until the first one releases.
func (m *Manager) AcquireTransport(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateClosed {
		return ErrClosed
	}
	if s.Connected {
		return ErrTransportBusy
	}
	s.Connected = true
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// ReleaseTransport frees the transport slot. Idempotent.
func (m *Manager) ReleaseTransport(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.Connected = false
	}
}

// SetState records a transition decided by the state machine. Closed is
// terminal; any attempt to leave it is refused.
func (m *Manager) SetState(sessionID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == StateClosed && state != StateClosed {
		return ErrClosed
	}
	s.State = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) EndTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.ActiveTurnID == turnID {
		s.ActiveTurnID = ""
	}
	return nil
}

// Close transitions the session to closed. It is idempotent: closing an
// already-closed or unknown session returns the session (or ErrNotFound)
// without further effect.
func (m *Manager) Close(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.State != StateClosed {
		s.State = StateClosed
		s.Connected = false
		s.ActiveTurnID = ""
		s.LastActivityAt = time.Now().UTC()
	}
	return clone(s), nil
}

// StartReaper scans for idle sessions and closes them, emitting the
// expire hook exactly once per session.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State != StateClosed {
			count++
		}
	}
	return count
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.State == StateClosed {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.idleTimeout {
			continue
		}
		s.State = StateClosed
		s.Connected = false
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
