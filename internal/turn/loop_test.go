package turn

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/robin-voice/robin-backend/internal/connector"
	"github.com/robin-voice/robin-backend/internal/history"
	"github.com/robin-voice/robin-backend/internal/ingest"
	"github.com/robin-voice/robin-backend/internal/observability"
	"github.com/robin-voice/robin-backend/internal/protocol"
	"github.com/robin-voice/robin-backend/internal/router"
	"github.com/robin-voice/robin-backend/internal/session"
	"github.com/robin-voice/robin-backend/internal/speech"
)

// voicedFrame is 20ms of loud PCM16 at 16kHz, well above the energy gate.
func voicedFrame() []byte {
	buf := make([]byte, 640)
	for i := 0; i < len(buf); i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(int16(3276)))
	}
	return buf
}

type fixture struct {
	sessions *session.Manager
	bridge   *speech.MockBridge
	disp     *connector.MockDispatcher
	store    *history.InMemoryStore
	loop     *Loop
	sess     *session.Session
	inbound  chan any
	outbound chan any
	runErr   chan error
}

func newFixture(t *testing.T, maxFrames int) *fixture {
	t.Helper()

	sessions := session.NewManager(time.Minute)
	pipeline := ingest.New(sessions, ingest.Config{
		SampleRate:   16000,
		SilenceRMS:   0.008,
		SilenceHold:  10 * time.Second, // never auto-finalize in tests
		MinUtterance: 40 * time.Millisecond,
		MaxFrames:    maxFrames,
	})
	bridge := speech.NewMockBridge()
	disp := connector.NewMockDispatcher()
	store := history.NewInMemoryStore()
	metrics := observability.NewMetrics("robintest")

	f := &fixture{
		sessions: sessions,
		bridge:   bridge,
		disp:     disp,
		store:    store,
		loop:     NewLoop(sessions, pipeline, bridge, router.New(bridge, disp, nil), store, metrics, 16000),
		sess:     sessions.Create("u1"),
		inbound:  make(chan any, 64),
		outbound: make(chan any, 256),
		runErr:   make(chan error, 1),
	}
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		f.runErr <- f.loop.Run(ctx, f.sess, f.inbound, f.outbound)
	}()
}

func (f *fixture) speak(t *testing.T, frames int) {
	t.Helper()
	for i := 0; i < frames; i++ {
		f.inbound <- protocol.AudioFrame{SessionID: f.sess.ID, Data: voicedFrame()}
	}
}

func (f *fixture) endUtterance() {
	f.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: f.sess.ID,
		Action:    protocol.ActionEndUtterance,
	}
}

// collectTurn drains outbound until the next turn_end event.
func (f *fixture) collectTurn(t *testing.T) []any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var msgs []any
	for {
		select {
		case m := <-f.outbound:
			msgs = append(msgs, m)
			if _, ok := m.(protocol.TurnEnd); ok {
				return msgs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for turn_end after %d messages: %#v", len(msgs), msgs)
		}
	}
}

func (f *fixture) state(t *testing.T) session.State {
	t.Helper()
	s, err := f.sessions.Get(f.sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s.State
}

func waitState(t *testing.T, f *fixture, want session.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.state(t) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached state %s, stuck in %s", want, f.state(t))
}

func TestConversationTurnOrdering(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t)

	f.speak(t, 5)
	f.endUtterance()

	msgs := f.collectTurn(t)

	transcriptIdx, firstFrameIdx, lastFrameIdx := -1, -1, -1
	for i, m := range msgs {
		switch v := m.(type) {
		case protocol.Transcript:
			transcriptIdx = i
			if v.Text == "" {
				t.Fatal("transcript event has empty text")
			}
		case protocol.AudioFrame:
			if firstFrameIdx < 0 {
				firstFrameIdx = i
			}
			lastFrameIdx = i
		}
	}
	if transcriptIdx < 0 || firstFrameIdx < 0 {
		t.Fatalf("missing transcript or audio in %#v", msgs)
	}
	if transcriptIdx > firstFrameIdx {
		t.Fatal("transcript must be emitted before response audio")
	}
	end, ok := msgs[len(msgs)-1].(protocol.TurnEnd)
	if !ok || end.Reason != "completed" {
		t.Fatalf("expected completed turn_end last, got %#v", msgs[len(msgs)-1])
	}
	if lastFrameIdx > len(msgs)-2 {
		t.Fatal("audio frame after turn_end")
	}

	waitState(t, f, session.StateListening)

	if calls := f.disp.Calls(); len(calls) != 0 {
		t.Fatalf("conversation turn must not dispatch tools, got %d calls", len(calls))
	}
	messages, err := f.store.Messages(context.Background(), f.sess.ID, 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Fatalf("expected user then assistant history, got %#v", messages)
	}
}

func TestCalendarToolTurn(t *testing.T) {
	f := newFixture(t, 200)
	f.bridge.TranscriptText = "schedule standup with bob@example.com at nine"
	f.bridge.Tool = "calendar"
	f.bridge.Params = map[string]string{"title": "standup", "attendee": "bob@example.com"}
	f.bridge.Reply = "Booked your standup."
	f.disp.Results = map[connector.Tool]string{connector.ToolCalendar: "event created"}
	f.start(t)

	f.speak(t, 5)
	f.endUtterance()

	msgs := f.collectTurn(t)

	var start *protocol.ToolCallStart
	var end *protocol.ToolCallEnd
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.ToolCallStart:
			start = &v
		case protocol.ToolCallEnd:
			end = &v
		}
	}
	if start == nil || end == nil {
		t.Fatalf("missing tool call events in %#v", msgs)
	}
	if start.Tool != "calendar" || end.Status != "ok" {
		t.Fatalf("unexpected tool events: start=%#v end=%#v", start, end)
	}
	if strings.Contains(start.Params["attendee"], "bob@example.com") {
		t.Fatal("tool_call_start leaked an unredacted email")
	}

	// The connector itself must still receive the real parameters.
	calls := f.disp.Calls()
	if len(calls) != 1 || calls[0].Params["attendee"] != "bob@example.com" {
		t.Fatalf("dispatcher received wrong params: %#v", calls)
	}

	waitState(t, f, session.StateListening)

	recorded, err := f.store.ToolCalls(context.Background(), f.sess.ID, 10)
	if err != nil {
		t.Fatalf("ToolCalls: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Status != "ok" {
		t.Fatalf("expected one ok tool call, got %#v", recorded)
	}
	if strings.Contains(recorded[0].Params["attendee"], "bob@example.com") {
		t.Fatal("persisted tool call leaked an unredacted email")
	}

	messages, err := f.store.Messages(context.Background(), f.sess.ID, 10)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %#v", messages)
	}
	if strings.Contains(messages[0].Text, "bob@example.com") {
		t.Fatal("persisted transcript leaked an unredacted email")
	}
	if !messages[0].PIIRedacted {
		t.Fatal("user message should be flagged as redacted")
	}
}

func TestBargeInCancelsResponse(t *testing.T) {
	f := newFixture(t, 200)
	f.bridge.SynthFrames = [][]byte{[]byte("f0"), []byte("f1"), []byte("f2"), []byte("f3")}
	f.bridge.FrameGate = make(chan struct{})
	f.start(t)

	f.speak(t, 5)
	f.endUtterance()

	// First turn: let exactly two response frames through, holding the rest.
	deadline := time.After(3 * time.Second)
	var firstTurnID string
	framesSeen, gateSent := 0, 0
	for framesSeen < 2 {
		gate := f.bridge.FrameGate
		if gateSent >= 2 {
			gate = nil
		}
		select {
		case gate <- struct{}{}:
			gateSent++
		case m := <-f.outbound:
			if frame, ok := m.(protocol.AudioFrame); ok {
				firstTurnID = frame.TurnID
				framesSeen++
			}
		case <-deadline:
			t.Fatal("timed out waiting for first response frames")
		}
	}
	waitState(t, f, session.StateSpeaking)

	// User talks over the response.
	f.speak(t, 5)
	f.endUtterance()

	// The interrupted turn ends with barge_in before the next transcript.
	var sawBargeIn bool
	for !sawBargeIn {
		select {
		case m := <-f.outbound:
			if end, ok := m.(protocol.TurnEnd); ok {
				if end.Reason != "barge_in" {
					t.Fatalf("expected barge_in turn_end, got %#v", end)
				}
				if end.TurnID != firstTurnID {
					t.Fatalf("barge_in ended wrong turn: %s vs %s", end.TurnID, firstTurnID)
				}
				sawBargeIn = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for barge_in turn_end")
		}
	}

	// Release the gate freely for the second turn's synthesis.
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		for {
			select {
			case f.bridge.FrameGate <- struct{}{}:
			case <-stop:
				return
			}
		}
	}()

	msgs := f.collectTurn(t)
	end, ok := msgs[len(msgs)-1].(protocol.TurnEnd)
	if !ok || end.Reason != "completed" {
		t.Fatalf("expected completed second turn, got %#v", msgs[len(msgs)-1])
	}
	if end.TurnID == firstTurnID {
		t.Fatal("second turn reused the interrupted turn id")
	}
	for _, m := range msgs {
		if frame, ok := m.(protocol.AudioFrame); ok && frame.TurnID == firstTurnID {
			t.Fatal("audio from the interrupted turn leaked after barge_in")
		}
	}
	waitState(t, f, session.StateListening)
}

func TestTranscriptionErrorRecovers(t *testing.T) {
	f := newFixture(t, 200)
	f.bridge.TranscribeErr = fmt.Errorf("%w: upstream 503", speech.ErrTranscription)
	f.start(t)

	f.speak(t, 5)
	f.endUtterance()

	msgs := f.collectTurn(t)

	var errEvent *protocol.ErrorEvent
	sawApologyAudio := false
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.ErrorEvent:
			errEvent = &v
		case protocol.AudioFrame:
			sawApologyAudio = true
		case protocol.Transcript:
			t.Fatal("failed transcription must not emit a transcript event")
		}
	}
	if errEvent == nil || errEvent.Code != "transcription_failed" || !errEvent.Retryable {
		t.Fatalf("expected retryable transcription_failed error event, got %#v", errEvent)
	}
	if !sawApologyAudio {
		t.Fatal("expected a spoken explanation after the failure")
	}
	if end := msgs[len(msgs)-1].(protocol.TurnEnd); end.Reason != "error" {
		t.Fatalf("expected error turn_end, got %#v", end)
	}
	waitState(t, f, session.StateListening)

	// The session must keep working after recovery.
	f.bridge.TranscribeErr = nil
	f.speak(t, 5)
	f.endUtterance()

	msgs = f.collectTurn(t)
	if end := msgs[len(msgs)-1].(protocol.TurnEnd); end.Reason != "completed" {
		t.Fatalf("expected completed turn after recovery, got %#v", end)
	}
}

func TestActionErrorSpeaksApology(t *testing.T) {
	f := newFixture(t, 200)
	f.bridge.Tool = "mail"
	f.bridge.Params = map[string]string{"to": "ops"}
	f.bridge.Reply = "Sending that now."
	f.disp.Err = fmt.Errorf("%w: mailbox unavailable", connector.ErrAction)
	f.start(t)

	f.speak(t, 5)
	f.endUtterance()

	msgs := f.collectTurn(t)

	var end *protocol.ToolCallEnd
	var errEvent *protocol.ErrorEvent
	for _, m := range msgs {
		switch v := m.(type) {
		case protocol.ToolCallEnd:
			end = &v
		case protocol.ErrorEvent:
			errEvent = &v
		}
	}
	if end == nil || end.Status != "error" {
		t.Fatalf("expected failed tool_call_end, got %#v", end)
	}
	if errEvent == nil || errEvent.Code != "action_failed" || errEvent.Source != "connector" {
		t.Fatalf("expected action_failed error event, got %#v", errEvent)
	}
	if turnEnd := msgs[len(msgs)-1].(protocol.TurnEnd); turnEnd.Reason != "error" {
		t.Fatalf("expected error turn_end, got %#v", turnEnd)
	}
	waitState(t, f, session.StateListening)

	spoken := f.bridge.SynthesizedTexts()
	if len(spoken) != 1 || spoken[0] != apologyAction {
		t.Fatalf("expected the apology to be spoken, got %#v", spoken)
	}

	recorded, err := f.store.ToolCalls(context.Background(), f.sess.ID, 10)
	if err != nil {
		t.Fatalf("ToolCalls: %v", err)
	}
	if len(recorded) != 1 || recorded[0].Status != "error" {
		t.Fatalf("expected one failed tool call record, got %#v", recorded)
	}
}

func TestClientCloseEndsSession(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t)

	f.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: f.sess.ID,
		Action:    protocol.ActionClose,
	}

	select {
	case err := <-f.runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}
	if f.state(t) != session.StateClosed {
		t.Fatalf("expected closed session, got %s", f.state(t))
	}

	// Reconnecting to a closed session must be refused.
	err := f.loop.Run(context.Background(), mustGet(t, f), f.inbound, f.outbound)
	if !errors.Is(err, session.ErrClosed) {
		t.Fatalf("expected ErrClosed on reconnect, got %v", err)
	}
}

func TestTransportDisconnectClosesSession(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t)
	waitState(t, f, session.StateListening)

	close(f.inbound)

	select {
	case err := <-f.runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the transport dropped")
	}
	if f.state(t) != session.StateClosed {
		t.Fatalf("expected closed session after disconnect, got %s", f.state(t))
	}
}

func TestContextCancelClosesSession(t *testing.T) {
	f := newFixture(t, 200)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		f.runErr <- f.loop.Run(ctx, f.sess, f.inbound, f.outbound)
	}()
	waitState(t, f, session.StateListening)

	cancel()

	select {
	case err := <-f.runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if f.state(t) != session.StateClosed {
		t.Fatalf("expected closed session after cancel, got %s", f.state(t))
	}
}

func TestCloseAfterCompletedTurnEmitsNoExtraTurnEnd(t *testing.T) {
	f := newFixture(t, 200)
	f.start(t)

	f.speak(t, 5)
	f.endUtterance()
	f.collectTurn(t)

	f.inbound <- protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: f.sess.ID,
		Action:    protocol.ActionClose,
	}
	select {
	case err := <-f.runErr:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after close")
	}

	// The finished turn already announced its own end; closing must not
	// announce it again.
	for {
		select {
		case m := <-f.outbound:
			if end, ok := m.(protocol.TurnEnd); ok {
				t.Fatalf("unexpected extra turn_end %#v", end)
			}
		default:
			return
		}
	}
}

func mustGet(t *testing.T, f *fixture) *session.Session {
	t.Helper()
	s, err := f.sessions.Get(f.sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return s
}

func TestOverrunRequestsPause(t *testing.T) {
	f := newFixture(t, 3)
	f.start(t)

	f.speak(t, 5)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-f.outbound:
			if evt, ok := m.(protocol.SystemEvent); ok {
				if evt.Code != "buffer_overrun" {
					t.Fatalf("unexpected system event %#v", evt)
				}
				waitState(t, f, session.StateListening)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for buffer_overrun event")
		}
	}
}

func TestRunRejectsUnknownSession(t *testing.T) {
	f := newFixture(t, 200)
	ghost := &session.Session{ID: "ghost", State: session.StateCreated}

	err := f.loop.Run(context.Background(), ghost, f.inbound, f.outbound)
	if err == nil {
		t.Fatal("expected an error for an unmanaged session")
	}
}
