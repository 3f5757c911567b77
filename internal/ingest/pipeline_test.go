package ingest

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/robin-voice/robin-backend/internal/session"
)

// 20ms of PCM16 at 16kHz.
const testFrameSamples = 320

func voicedFrame(seq int) []byte {
	frame := make([]byte, testFrameSamples*2)
	for i := 0; i < testFrameSamples; i++ {
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(int16(3276)))
	}
	// Tag the frame so ordering is observable.
	binary.LittleEndian.PutUint16(frame, uint16(int16(seq)))
	return frame
}

func silentFrame() []byte {
	return make([]byte, testFrameSamples*2)
}

func newTestPipeline(t *testing.T) (*Pipeline, *session.Manager, *session.Session, <-chan Utterance) {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	s := sessions.Create("u1")
	if err := sessions.SetState(s.ID, session.StateListening); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	p := New(sessions, Config{
		SampleRate:   16000,
		SilenceRMS:   0.008,
		SilenceHold:  100 * time.Millisecond,
		MinUtterance: 100 * time.Millisecond,
		MaxFrames:    200,
	})
	ready, err := p.Attach(s.ID)
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return p, sessions, s, ready
}

func TestSubmitUnknownSession(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	p := New(sessions, Config{})
	if err := p.Submit("missing", voicedFrame(0)); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Submit() error = %v, want ErrUnknownSession", err)
	}
	if _, err := p.Attach("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("Attach() error = %v, want ErrUnknownSession", err)
	}
}

func TestSubmitInvalidState(t *testing.T) {
	p, sessions, s, _ := newTestPipeline(t)
	if err := sessions.SetState(s.ID, session.StateProcessing); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	if err := p.Submit(s.ID, voicedFrame(0)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Submit() error = %v, want ErrInvalidState", err)
	}
}

func TestSilenceFinalizesUtteranceInOrder(t *testing.T) {
	p, _, s, ready := newTestPipeline(t)

	for i := 0; i < 50; i++ {
		if err := p.Submit(s.ID, voicedFrame(i)); err != nil {
			t.Fatalf("Submit(voiced %d) error = %v", i, err)
		}
	}
	// 5 silent frames = 100ms = the configured hold.
	for i := 0; i < 5; i++ {
		if err := p.Submit(s.ID, silentFrame()); err != nil {
			t.Fatalf("Submit(silent %d) error = %v", i, err)
		}
	}

	select {
	case utt := <-ready:
		if utt.Trigger != TriggerSilence {
			t.Fatalf("Trigger = %q, want %q", utt.Trigger, TriggerSilence)
		}
		if len(utt.Frames) != 55 {
			t.Fatalf("frame count = %d, want 55", len(utt.Frames))
		}
		for i := 0; i < 50; i++ {
			seq := int16(binary.LittleEndian.Uint16(utt.Frames[i]))
			if int(seq) != i {
				t.Fatalf("frame %d carries seq %d; ordering violated", i, seq)
			}
		}
	default:
		t.Fatalf("expected a finalized utterance")
	}
}

func TestShortNoiseIsDiscarded(t *testing.T) {
	p, _, s, ready := newTestPipeline(t)

	// 2 voiced frames (40ms) is below the 100ms minimum utterance.
	for i := 0; i < 2; i++ {
		if err := p.Submit(s.ID, voicedFrame(i)); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	for i := 0; i < 6; i++ {
		if err := p.Submit(s.ID, silentFrame()); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	select {
	case utt := <-ready:
		t.Fatalf("unexpected utterance with %d frames", len(utt.Frames))
	default:
	}
}

func TestOverrunOnBoundedBuffer(t *testing.T) {
	sessions := session.NewManager(time.Minute)
	s := sessions.Create("u1")
	if err := sessions.SetState(s.ID, session.StateListening); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	p := New(sessions, Config{MaxFrames: 10, SilenceHold: time.Hour})
	if _, err := p.Attach(s.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := p.Submit(s.ID, voicedFrame(i)); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}
	if err := p.Submit(s.ID, voicedFrame(10)); !errors.Is(err, ErrOverrun) {
		t.Fatalf("Submit() error = %v, want ErrOverrun", err)
	}
}

func TestExplicitFinalize(t *testing.T) {
	p, _, s, ready := newTestPipeline(t)

	// Explicit end marker finalizes even an all-silent short buffer.
	if err := p.Finalize(s.ID); err != nil {
		t.Fatalf("Finalize(empty) error = %v", err)
	}
	select {
	case <-ready:
		t.Fatalf("empty finalize should emit nothing")
	default:
	}

	if err := p.Submit(s.ID, voicedFrame(0)); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := p.Finalize(s.ID); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	select {
	case utt := <-ready:
		if utt.Trigger != TriggerClientEnd {
			t.Fatalf("Trigger = %q, want %q", utt.Trigger, TriggerClientEnd)
		}
		if len(utt.Frames) != 1 {
			t.Fatalf("frame count = %d, want 1", len(utt.Frames))
		}
	default:
		t.Fatalf("expected a finalized utterance")
	}
}
