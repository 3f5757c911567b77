package session

import "time"

// StartRequest is the payload of the session bootstrap call.
type StartRequest struct {
	UserID string `json:"user_id"`
}

// StartResponse returns created session metadata plus the transport endpoint.
type StartResponse struct {
	SessionID    string    `json:"session_id"`
	WebsocketURL string    `json:"websocket_url"`
	UserID       string    `json:"user_id"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	IdleTTLMS    int64     `json:"idle_ttl_ms"`
}
