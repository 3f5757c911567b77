package history

import (
	"context"
	"time"
)

// Message is one persisted conversational turn half (user or assistant).
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToolCall is one persisted connector invocation with its outcome.
type ToolCall struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Tool      string            `json:"tool"`
	Params    map[string]string `json:"params,omitempty"`
	Status    string            `json:"status"`
	LatencyMS int64             `json:"latency_ms"`
	Detail    string            `json:"detail,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Store persists per-session conversation history and tool-call records.
type Store interface {
	SaveMessage(ctx context.Context, msg Message) error
	Messages(ctx context.Context, sessionID string, limit int) ([]Message, error)
	SaveToolCall(ctx context.Context, call ToolCall) error
	ToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCall, error)
	Close() error
}
