package connector

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Tool identifies one external workspace integration.
type Tool string

const (
	ToolNone     Tool = "none"
	ToolMail     Tool = "mail"
	ToolCalendar Tool = "calendar"
	ToolChat     Tool = "chat"
)

// ParseTool maps the understanding service's tool label onto the known
// set. Unknown labels map to ToolNone so a hallucinated tool name never
// reaches a connector.
func ParseTool(s string) (Tool, bool) {
	switch Tool(strings.ToLower(strings.TrimSpace(s))) {
	case ToolMail:
		return ToolMail, true
	case ToolCalendar:
		return ToolCalendar, true
	case ToolChat:
		return ToolChat, true
	case ToolNone, "":
		return ToolNone, true
	default:
		return ToolNone, false
	}
}

// ErrAction is the recoverable connector failure class: the turn proceeds
// with an explanatory spoken response instead of failing the session.
var ErrAction = errors.New("action failed")

// Invocation is a single call to an external workspace tool. Credentials
// are never held here; CredentialRef is an opaque reference resolved by
// the connector side.
type Invocation struct {
	Tool          Tool
	CredentialRef string
	Params        map[string]string
}

// Result is the outcome of one dispatch.
type Result struct {
	Content   string
	LatencyMS int64
}

// Dispatcher invokes the matching external connector. One external call
// per dispatch; retry policy, if any, belongs to the connector itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv Invocation) (Result, error)
}

// CredentialResolver maps a user to a per-tool credential reference. The
// actual token exchange happens inside the connector boundary.
type CredentialResolver interface {
	Resolve(ctx context.Context, userID string, tool Tool) (string, error)
}

// StaticResolver issues deterministic opaque references; real resolution
// is the credential collaborator's job.
type StaticResolver struct{}

func (StaticResolver) Resolve(_ context.Context, userID string, tool Tool) (string, error) {
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("credref:%s:%s", userID, tool), nil
}
