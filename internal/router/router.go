package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/robin-voice/robin-backend/internal/connector"
	"github.com/robin-voice/robin-backend/internal/speech"
)

// Intent is the routed interpretation of one utterance. Reply is always
// present; Tool is ToolNone for pure conversation.
type Intent struct {
	Tool   connector.Tool
	Params map[string]string
	Reply  string
}

// Outcome is the result of acting on an intent. Spoken is the text the
// session speaks back; ToolResult is empty when no tool was invoked.
type Outcome struct {
	Spoken     string
	ToolUsed   connector.Tool
	ToolResult string
	LatencyMS  int64
}

// Router turns transcripts into intents and dispatches tool intents to
// the connector boundary. It performs no retries; a failed dispatch
// surfaces as connector.ErrAction for the turn loop to explain.
type Router struct {
	bridge      speech.Bridge
	dispatcher  connector.Dispatcher
	credentials connector.CredentialResolver
}

func New(bridge speech.Bridge, dispatcher connector.Dispatcher, credentials connector.CredentialResolver) *Router {
	if credentials == nil {
		credentials = connector.StaticResolver{}
	}
	return &Router{
		bridge:      bridge,
		dispatcher:  dispatcher,
		credentials: credentials,
	}
}

// Route asks the understanding service what the transcript means. An
// unknown tool label degrades to conversation rather than failing the
// turn.
func (r *Router) Route(ctx context.Context, transcript string) (Intent, error) {
	und, err := r.bridge.Understand(ctx, transcript)
	if err != nil {
		return Intent{}, err
	}

	tool, known := connector.ParseTool(und.Tool)
	if !known {
		tool = connector.ToolNone
	}

	reply := strings.TrimSpace(und.Reply)
	if reply == "" && tool == connector.ToolNone {
		reply = "I did not catch that. Could you say it again?"
	}

	return Intent{
		Tool:   tool,
		Params: und.Params,
		Reply:  reply,
	}, nil
}

// Act dispatches the intent's tool, if any, and composes the spoken
// response. Conversation intents pass straight through.
func (r *Router) Act(ctx context.Context, userID string, intent Intent) (Outcome, error) {
	if intent.Tool == connector.ToolNone {
		return Outcome{Spoken: intent.Reply, ToolUsed: connector.ToolNone}, nil
	}

	ref, err := r.credentials.Resolve(ctx, userID, intent.Tool)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: resolve credentials: %v", connector.ErrAction, err)
	}

	res, err := r.dispatcher.Dispatch(ctx, connector.Invocation{
		Tool:          intent.Tool,
		CredentialRef: ref,
		Params:        intent.Params,
	})
	if err != nil {
		return Outcome{ToolUsed: intent.Tool}, err
	}

	spoken := intent.Reply
	if spoken == "" {
		spoken = res.Content
	}
	if spoken == "" {
		spoken = fmt.Sprintf("Done. Your %s request went through.", intent.Tool)
	}

	return Outcome{
		Spoken:     spoken,
		ToolUsed:   intent.Tool,
		ToolResult: res.Content,
		LatencyMS:  res.LatencyMS,
	}, nil
}
