package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies JSON websocket payload variants. Audio travels
// as raw binary websocket frames in both directions and never appears
// inside a JSON envelope.
type MessageType string

const (
	TypeClientControl MessageType = "client_control"
	TypeTranscript    MessageType = "transcript"
	TypeToolCallStart MessageType = "tool_call_start"
	TypeToolCallEnd   MessageType = "tool_call_end"
	TypeTurnEnd       MessageType = "turn_end"
	TypeSystemEvent   MessageType = "system_event"
	TypeErrorEvent    MessageType = "error_event"
)

// Client control actions.
const (
	ActionEndUtterance = "end_utterance"
	ActionClose        = "close"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// AudioFrame is one inbound PCM frame or one outbound synthesized frame.
// It is written to the transport as a single binary message so the client
// never observes a partial frame.
type AudioFrame struct {
	SessionID string
	TurnID    string
	Seq       int
	Data      []byte
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

type Transcript struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
}

type ToolCallStart struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	TurnID    string            `json:"turn_id"`
	Tool      string            `json:"tool"`
	Params    map[string]string `json:"params,omitempty"`
}

type ToolCallEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Tool      string      `json:"tool"`
	Status    string      `json:"status"`
	LatencyMS int64       `json:"latency_ms"`
	Detail    string      `json:"detail,omitempty"`
}

type TurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Reason    string      `json:"reason"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes an inbound text (JSON) websocket message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Action == "" {
			return nil, errors.New("invalid client_control: missing action")
		}
		switch msg.Action {
		case ActionEndUtterance, ActionClose:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf reports the message type for outbound JSON payloads.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ClientControl:
		return m.Type, true
	case Transcript:
		return m.Type, true
	case ToolCallStart:
		return m.Type, true
	case ToolCallEnd:
		return m.Type, true
	case TurnEnd:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
