package ingest

import (
	"errors"
	"sync"
	"time"

	"github.com/robin-voice/robin-backend/internal/session"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrInvalidState   = errors.New("session state does not accept audio")
	ErrOverrun        = errors.New("utterance buffer overrun")
)

// Trigger records why an utterance was finalized.
const (
	TriggerSilence   = "silence"
	TriggerClientEnd = "client_end"
)

// Utterance is one finalized span of user speech, frames in the exact
// order they were submitted.
type Utterance struct {
	SessionID string
	Frames    [][]byte
	Duration  time.Duration
	Trigger   string
}

type Config struct {
	SampleRate   int
	SilenceRMS   float64
	SilenceHold  time.Duration
	MinUtterance time.Duration
	MaxFrames    int
}

// Pipeline buffers inbound PCM frames per session and detects utterance
// boundaries. Each attached session gets its own bounded buffer and ready
// channel; the pipeline owns no goroutines.
type Pipeline struct {
	sessions *session.Manager
	cfg      Config

	mu      sync.Mutex
	streams map[string]*stream
}

type stream struct {
	frames [][]byte
	vad    *vadState
	ready  chan Utterance
}

func New(sessions *session.Manager, cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.SilenceRMS <= 0 {
		cfg.SilenceRMS = 0.008
	}
	if cfg.SilenceHold <= 0 {
		cfg.SilenceHold = 600 * time.Millisecond
	}
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = 1500
	}
	return &Pipeline{
		sessions: sessions,
		cfg:      cfg,
		streams:  make(map[string]*stream),
	}
}

// Attach allocates the session's utterance buffer and returns the channel
// on which finalized utterances are delivered.
func (p *Pipeline) Attach(sessionID string) (<-chan Utterance, error) {
	if _, err := p.sessions.Get(sessionID); err != nil {
		return nil, ErrUnknownSession
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.streams[sessionID]; ok {
		return st.ready, nil
	}
	st := &stream{
		vad:   newVADState(p.cfg.SilenceRMS),
		ready: make(chan Utterance, 4),
	}
	p.streams[sessionID] = st
	return st.ready, nil
}

// Detach discards the session's buffer. Idempotent.
func (p *Pipeline) Detach(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.streams, sessionID)
}

// Submit appends one PCM frame to the session's current utterance buffer
// and runs end-of-speech detection. Frames are accepted while the session
// is listening or speaking (the latter feeds barge-in); any other state is
// an ErrInvalidState rejection that leaves the buffer untouched.
func (p *Pipeline) Submit(sessionID string, frame []byte) error {
	s, err := p.sessions.Get(sessionID)
	if err != nil {
		return ErrUnknownSession
	}
	if s.State != session.StateListening && s.State != session.StateSpeaking {
		return ErrInvalidState
	}

	p.mu.Lock()
	st, ok := p.streams[sessionID]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	if len(st.frames) >= p.cfg.MaxFrames {
		return ErrOverrun
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)
	st.frames = append(st.frames, buf)

	trailing := st.vad.observe(buf, p.cfg.SampleRate)
	if !st.vad.voiced || trailing < p.cfg.SilenceHold {
		return nil
	}
	if st.vad.speechDuration() < p.cfg.MinUtterance {
		// Too short to be speech; drop the noise and keep listening.
		st.frames = st.frames[:0]
		st.vad.reset()
		return nil
	}
	return p.finalize(sessionID, st, TriggerSilence)
}

// Finalize forces end-of-utterance on the client's explicit end marker.
// An empty buffer is a no-op.
func (p *Pipeline) Finalize(sessionID string) error {
	p.mu.Lock()
	st, ok := p.streams[sessionID]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if len(st.frames) == 0 {
		return nil
	}
	return p.finalize(sessionID, st, TriggerClientEnd)
}

func (p *Pipeline) finalize(sessionID string, st *stream, trigger string) error {
	utt := Utterance{
		SessionID: sessionID,
		Frames:    st.frames,
		Duration:  st.vad.totalDur,
		Trigger:   trigger,
	}
	st.frames = nil
	st.vad.reset()

	select {
	case st.ready <- utt:
		return nil
	default:
		// Ready queue saturated: the control loop is not draining
		// utterances fast enough. Treat as back-pressure.
		return ErrOverrun
	}
}
