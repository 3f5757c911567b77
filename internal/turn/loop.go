package turn

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/robin-voice/robin-backend/internal/connector"
	"github.com/robin-voice/robin-backend/internal/history"
	"github.com/robin-voice/robin-backend/internal/ingest"
	"github.com/robin-voice/robin-backend/internal/observability"
	"github.com/robin-voice/robin-backend/internal/policy"
	"github.com/robin-voice/robin-backend/internal/protocol"
	"github.com/robin-voice/robin-backend/internal/router"
	"github.com/robin-voice/robin-backend/internal/session"
	"github.com/robin-voice/robin-backend/internal/speech"
	"github.com/robin-voice/robin-backend/internal/streamer"
)

const (
	historySaveTimeout = 2 * time.Second

	apologyTranscription = "Sorry, I could not make that out. Could you say it again?"
	apologyAction        = "Sorry, I could not complete that action. Let's try again in a moment."
)

// Loop orchestrates one audio connection: it consumes inbound frames and
// control messages, drives the session state machine, and runs at most
// one turn at a time. A finalized utterance arriving while a response is
// playing cancels that response first (barge-in).
type Loop struct {
	sessions   *session.Manager
	pipeline   *ingest.Pipeline
	bridge     speech.Bridge
	route      *router.Router
	store      history.Store
	metrics    *observability.Metrics
	sampleRate int
}

func NewLoop(
	sessions *session.Manager,
	pipeline *ingest.Pipeline,
	bridge speech.Bridge,
	route *router.Router,
	store history.Store,
	metrics *observability.Metrics,
	sampleRate int,
) *Loop {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &Loop{
		sessions:   sessions,
		pipeline:   pipeline,
		bridge:     bridge,
		route:      route,
		store:      store,
		metrics:    metrics,
		sampleRate: sampleRate,
	}
}

// advance applies ev to the session's state machine and persists the new
// state. The session manager is the single source of truth for state.
func (l *Loop) advance(sessionID string, ev Event) (session.State, error) {
	s, err := l.sessions.Get(sessionID)
	if err != nil {
		return "", err
	}
	next, err := Next(s.State, ev)
	if err != nil {
		return s.State, err
	}
	if next == s.State {
		return next, nil
	}
	if next == session.StateClosed {
		if _, err := l.sessions.Close(sessionID); err != nil {
			return "", err
		}
		return session.StateClosed, nil
	}
	if err := l.sessions.SetState(sessionID, next); err != nil {
		return "", err
	}
	return next, nil
}

// Run services one websocket connection until the client disconnects,
// the session closes, or ctx is cancelled. Inbound carries
// protocol.AudioFrame and protocol.ClientControl values; outbound
// receives protocol.AudioFrame plus the JSON event types.
func (l *Loop) Run(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	switch s.State {
	case session.StateClosed:
		return session.ErrClosed
	case session.StateCreated:
		if _, err := l.advance(s.ID, EventAttach); err != nil {
			return err
		}
		l.metrics.SessionEvents.WithLabelValues("attached").Inc()
	}

	utterances, err := l.pipeline.Attach(s.ID)
	if err != nil {
		return err
	}
	defer l.pipeline.Detach(s.ID)

	var (
		turnCancel context.CancelFunc
		turnDone   chan struct{}
		turnID     string
	)

	// cancelActiveTurn stops the in-flight turn and waits for its
	// goroutine to unwind. Idempotent: a second cancel for the same
	// turn is a no-op.
	cancelActiveTurn := func(reason string) {
		if turnCancel == nil {
			return
		}
		// A turn that already finished emitted its own terminal turn_end.
		finished := false
		select {
		case <-turnDone:
			finished = true
		default:
		}
		turnCancel()
		<-turnDone
		turnCancel = nil
		turnDone = nil
		_ = l.sessions.EndTurn(s.ID, turnID)
		if finished {
			return
		}
		l.send(ctx, outbound, protocol.TurnEnd{
			Type:      protocol.TypeTurnEnd,
			SessionID: s.ID,
			TurnID:    turnID,
			Reason:    reason,
		})
	}

	closeSession := func(detail string) {
		cancelActiveTurn("session_closed")
		if _, err := l.advance(s.ID, EventClose); err == nil {
			l.metrics.SessionEvents.WithLabelValues("closed").Inc()
		}
		l.send(ctx, outbound, protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: s.ID,
			Code:      "session_closed",
			Detail:    detail,
		})
	}

	for {
		select {
		case <-ctx.Done():
			closeSession("connection lost")
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				// Transport gone. A session cannot outlive its only
				// connection.
				closeSession("transport disconnected")
				return nil
			}
			cur, err := l.sessions.Get(s.ID)
			if err != nil || cur.State == session.StateClosed {
				closeSession("session expired")
				return nil
			}
			_ = l.sessions.Touch(s.ID)

			switch m := msg.(type) {
			case protocol.AudioFrame:
				l.submitFrame(ctx, s.ID, m.Data, outbound)

			case protocol.ClientControl:
				switch m.Action {
				case protocol.ActionEndUtterance:
					if err := l.pipeline.Finalize(s.ID); err != nil {
						if errors.Is(err, ingest.ErrOverrun) {
							l.metrics.IngestOverruns.Inc()
						} else {
							l.metrics.InvalidStateDrops.WithLabelValues("end_utterance").Inc()
						}
					}
				case protocol.ActionClose:
					closeSession("client requested close")
					return nil
				}
			}

		case utt := <-utterances:
			cur, err := l.sessions.Get(s.ID)
			if err != nil {
				closeSession("session expired")
				return nil
			}
			if cur.State == session.StateSpeaking && turnCancel != nil {
				l.metrics.BargeIns.Inc()
				cancelActiveTurn("barge_in")
				// No-op when the turn finished between the state read
				// and the cancel; the utterance still starts a turn.
				_, _ = l.advance(s.ID, EventBargeIn)
			}
			if _, err := l.advance(s.ID, EventUtterance); err != nil {
				l.metrics.InvalidStateDrops.WithLabelValues("utterance").Inc()
				continue
			}

			turnID = uuid.NewString()
			if err := l.sessions.StartTurn(s.ID, turnID); err != nil {
				closeSession("session expired")
				return nil
			}
			l.metrics.UtteranceDuration.Observe(float64(utt.Duration.Milliseconds()))

			turnCtx, cancel := context.WithCancel(ctx)
			done := make(chan struct{})
			turnCancel = cancel
			turnDone = done
			go func(id string, u ingest.Utterance) {
				defer close(done)
				l.runTurn(turnCtx, s, id, u, outbound)
			}(turnID, utt)

		case <-turnDone:
			if turnCancel != nil {
				turnCancel()
				turnCancel = nil
			}
			_ = l.sessions.EndTurn(s.ID, turnID)
			cur, err := l.sessions.Get(s.ID)
			if err != nil || cur.State == session.StateClosed {
				closeSession("turn failed")
				return nil
			}
			turnDone = nil
		}
	}
}

// submitFrame pushes one PCM frame into ingest, translating back-pressure
// and state rejections into client-visible signals.
func (l *Loop) submitFrame(ctx context.Context, sessionID string, data []byte, outbound chan<- any) {
	err := l.pipeline.Submit(sessionID, data)
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrOverrun):
		l.metrics.IngestOverruns.Inc()
		l.send(ctx, outbound, protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: sessionID,
			Code:      "buffer_overrun",
			Detail:    "audio buffer full, pause sending frames",
		})
	case errors.Is(err, ingest.ErrInvalidState):
		l.metrics.InvalidStateDrops.WithLabelValues("audio_frame").Inc()
	default:
		l.send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "ingest_failed",
			Source:    "ingest",
			Retryable: true,
			Detail:    err.Error(),
		})
	}
}

// runTurn executes one utterance end to end: transcribe, route, act,
// speak. It owns the processing and speaking states for its turn and
// always leaves the session listening unless the failure was fatal.
func (l *Loop) runTurn(ctx context.Context, s *session.Session, turnID string, utt ingest.Utterance, outbound chan<- any) {
	finalized := time.Now()

	transcript, err := l.bridge.Transcribe(ctx, utt.Frames, l.sampleRate)
	if err != nil {
		l.recoverTurn(ctx, s.ID, turnID, "stt", "transcription_failed", apologyTranscription, err, outbound)
		return
	}
	l.send(ctx, outbound, protocol.Transcript{
		Type:       protocol.TypeTranscript,
		SessionID:  s.ID,
		TurnID:     turnID,
		Text:       transcript.Text,
		Confidence: transcript.Confidence,
	})
	l.saveMessage(s.ID, "user", transcript.Text)

	intent, err := l.route.Route(ctx, transcript.Text)
	if err != nil {
		l.recoverTurn(ctx, s.ID, turnID, "nlu", "understanding_failed", apologyTranscription, err, outbound)
		return
	}

	spoken := intent.Reply
	if intent.Tool != connector.ToolNone {
		redactedParams, _ := policy.RedactParams(intent.Params)
		l.send(ctx, outbound, protocol.ToolCallStart{
			Type:      protocol.TypeToolCallStart,
			SessionID: s.ID,
			TurnID:    turnID,
			Tool:      string(intent.Tool),
			Params:    redactedParams,
		})

		outcome, actErr := l.route.Act(ctx, s.UserID, intent)
		status := "ok"
		detail := ""
		if actErr != nil {
			status = "error"
			detail = actErr.Error()
		}
		l.metrics.ObserveToolCallLatency(string(intent.Tool), time.Duration(outcome.LatencyMS)*time.Millisecond)
		l.saveToolCall(history.ToolCall{
			SessionID: s.ID,
			Tool:      string(intent.Tool),
			Params:    redactedParams,
			Status:    status,
			LatencyMS: outcome.LatencyMS,
			Detail:    detail,
		})
		l.send(ctx, outbound, protocol.ToolCallEnd{
			Type:      protocol.TypeToolCallEnd,
			SessionID: s.ID,
			TurnID:    turnID,
			Tool:      string(intent.Tool),
			Status:    status,
			LatencyMS: outcome.LatencyMS,
			Detail:    detail,
		})
		if actErr != nil {
			if ctx.Err() != nil {
				return
			}
			l.recoverTurn(ctx, s.ID, turnID, "connector", "action_failed", apologyAction, actErr, outbound)
			return
		}
		spoken = outcome.Spoken
	}

	if _, err := l.advance(s.ID, EventResponseStart); err != nil {
		// Barge-in or close raced us out of processing; nothing to speak.
		return
	}

	if err := l.speak(ctx, s.ID, turnID, spoken, finalized, outbound); err != nil {
		if ctx.Err() != nil {
			return
		}
		l.recoverTurn(ctx, s.ID, turnID, "tts", "synthesis_failed", "", err, outbound)
		return
	}
	l.saveMessage(s.ID, "assistant", spoken)

	if _, err := l.advance(s.ID, EventResponseDone); err != nil {
		return
	}
	l.send(ctx, outbound, protocol.TurnEnd{
		Type:      protocol.TypeTurnEnd,
		SessionID: s.ID,
		TurnID:    turnID,
		Reason:    "completed",
	})
	l.metrics.SessionEvents.WithLabelValues("turn_completed").Inc()
}

// speak synthesizes text and relays the audio. The first-frame latency is
// measured from utterance finalization, which is the responsiveness the
// user actually perceives.
func (l *Loop) speak(ctx context.Context, sessionID, turnID, text string, finalized time.Time, outbound chan<- any) error {
	stream, err := l.bridge.Synthesize(ctx, text)
	if err != nil {
		return err
	}
	rel := streamer.New()
	rel.OnFirstFrame = func() {
		l.metrics.ObserveFirstAudioLatency(time.Since(finalized))
	}
	_, err = rel.Stream(ctx, sessionID, turnID, stream, outbound)
	return err
}

// recoverTurn handles the recoverable failure classes: the user hears an
// explanation and the session returns to listening. Cancellation is not
// recovery and is handled by the caller.
func (l *Loop) recoverTurn(ctx context.Context, sessionID, turnID, source, code, apology string, cause error, outbound chan<- any) {
	if ctx.Err() != nil {
		return
	}
	l.metrics.ProviderErrors.WithLabelValues(source, code).Inc()
	l.send(ctx, outbound, protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: true,
		Detail:    cause.Error(),
	})

	if apology != "" {
		if _, err := l.advance(sessionID, EventResponseStart); err == nil {
			if err := l.speak(ctx, sessionID, turnID, apology, time.Now(), outbound); err == nil {
				l.saveMessage(sessionID, "assistant", apology)
			}
		}
	}

	if _, err := l.advance(sessionID, EventRecover); err != nil {
		return
	}
	l.send(ctx, outbound, protocol.TurnEnd{
		Type:      protocol.TypeTurnEnd,
		SessionID: sessionID,
		TurnID:    turnID,
		Reason:    "error",
	})
	l.metrics.SessionEvents.WithLabelValues("turn_recovered").Inc()
}

// saveMessage persists one conversation half with PII scrubbed. History
// writes never block or fail the turn.
func (l *Loop) saveMessage(sessionID, role, text string) {
	if l.store == nil {
		return
	}
	redacted, changed := policy.RedactPII(text)
	ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
	defer cancel()
	_ = l.store.SaveMessage(ctx, history.Message{
		SessionID:   sessionID,
		Role:        role,
		Text:        redacted,
		PIIRedacted: changed,
	})
}

func (l *Loop) saveToolCall(call history.ToolCall) {
	if l.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
	defer cancel()
	_ = l.store.SaveToolCall(ctx, call)
}

// send delivers one outbound event, giving up when the connection's
// context ends so a stalled writer cannot wedge the loop.
func (l *Loop) send(ctx context.Context, outbound chan<- any, msg any) {
	if t, ok := protocol.TypeOf(msg); ok {
		l.metrics.WSMessages.WithLabelValues("out", string(t)).Inc()
	}
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}
