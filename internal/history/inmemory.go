package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history in-process for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	messages map[string][]Message
	calls    map[string][]ToolCall
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		messages: make(map[string][]Message),
		calls:    make(map[string][]ToolCall),
	}
}

func (s *InMemoryStore) SaveMessage(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func (s *InMemoryStore) Messages(_ context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.messages[sessionID]
	return tail(arr, limit), nil
}

func (s *InMemoryStore) SaveToolCall(_ context.Context, call ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.ID == "" {
		call.ID = uuid.NewString()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}
	s.calls[call.SessionID] = append(s.calls[call.SessionID], call)
	return nil
}

func (s *InMemoryStore) ToolCalls(_ context.Context, sessionID string, limit int) ([]ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.calls[sessionID]
	return tail(arr, limit), nil
}

func (s *InMemoryStore) Close() error { return nil }

func tail[T any](arr []T, limit int) []T {
	if len(arr) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]T, limit)
	copy(out, arr[len(arr)-limit:])
	return out
}
