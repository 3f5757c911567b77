package turn

import (
	"errors"
	"fmt"

	"github.com/robin-voice/robin-backend/internal/session"
)

// Event is one stimulus applied to the session state machine.
type Event string

const (
	// EventAttach fires when the audio connection is established.
	EventAttach Event = "attach"
	// EventUtterance fires when ingest finalizes a span of user speech.
	EventUtterance Event = "utterance"
	// EventBargeIn fires when an utterance finalizes while a response is
	// still playing. The response is cancelled and the session returns
	// to listening; the interrupting utterance then starts its own turn.
	EventBargeIn Event = "barge_in"
	// EventResponseStart fires when the first response audio is ready.
	EventResponseStart Event = "response_start"
	// EventResponseDone fires when the response stream finished or was
	// cut short, returning the session to listening.
	EventResponseDone Event = "response_done"
	// EventRecover fires after a recoverable provider or connector
	// failure has been explained to the user.
	EventRecover Event = "recover"
	// EventClose fires on explicit end, idle expiry, or an unrecoverable
	// failure. Terminal.
	EventClose Event = "close"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var transitions = map[session.State]map[Event]session.State{
	session.StateCreated: {
		EventAttach: session.StateListening,
		EventClose:  session.StateClosed,
	},
	session.StateListening: {
		EventUtterance: session.StateProcessing,
		EventClose:     session.StateClosed,
	},
	session.StateProcessing: {
		EventResponseStart: session.StateSpeaking,
		EventRecover:       session.StateListening,
		EventClose:         session.StateClosed,
	},
	session.StateSpeaking: {
		EventBargeIn:      session.StateListening,
		EventResponseDone: session.StateListening,
		EventRecover:      session.StateListening,
		EventClose:        session.StateClosed,
	},
	session.StateClosed: {},
}

// Next returns the state reached by applying ev in state. Every pair not
// present in the table is rejected; closed accepts nothing.
func Next(state session.State, ev Event) (session.State, error) {
	if to, ok := transitions[state][ev]; ok {
		return to, nil
	}
	return state, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, state, ev)
}
