package speech

import (
	"context"
	"sync"
)

// MockBridge is a deterministic in-process provider used for tests and
// for running the backend without a cloud speech service. Zero values
// give canned conversational behavior; tests override the fields.
type MockBridge struct {
	TranscriptText string
	Confidence     float64
	TranscribeErr  error

	Tool          string
	Params        map[string]string
	Reply         string
	UnderstandErr error

	SynthFrames   [][]byte
	SynthesizeErr error

	// FrameGate, when non-nil, is received from before each synthesized
	// frame so tests can pace production and trigger barge-in mid-stream.
	FrameGate chan struct{}

	mu          sync.Mutex
	transcribes int
	synthesized []string
}

func NewMockBridge() *MockBridge { return &MockBridge{} }

func (m *MockBridge) Transcribe(_ context.Context, frames [][]byte, _ int) (Transcript, error) {
	m.mu.Lock()
	m.transcribes++
	m.mu.Unlock()
	if m.TranscribeErr != nil {
		return Transcript{}, m.TranscribeErr
	}
	text := m.TranscriptText
	if text == "" {
		if len(frames) == 0 {
			return Transcript{}, nil
		}
		text = "simulated voice input"
	}
	conf := m.Confidence
	if conf == 0 {
		conf = 0.9
	}
	return Transcript{Text: text, Confidence: conf}, nil
}

func (m *MockBridge) Understand(_ context.Context, text string) (Understanding, error) {
	if m.UnderstandErr != nil {
		return Understanding{}, m.UnderstandErr
	}
	reply := m.Reply
	if reply == "" && m.Tool == "" {
		reply = "I heard: " + text
	}
	return Understanding{Tool: m.Tool, Params: m.Params, Reply: reply}, nil
}

func (m *MockBridge) Synthesize(ctx context.Context, text string) (FrameStream, error) {
	if m.SynthesizeErr != nil {
		return nil, m.SynthesizeErr
	}
	m.mu.Lock()
	m.synthesized = append(m.synthesized, text)
	m.mu.Unlock()

	frames := m.SynthFrames
	if frames == nil {
		frames = [][]byte{[]byte(text)}
	}

	st := &mockFrameStream{frames: make(chan []byte, len(frames)), done: make(chan struct{})}
	go func() {
		defer close(st.frames)
		for _, f := range frames {
			if m.FrameGate != nil {
				select {
				case <-m.FrameGate:
				case <-ctx.Done():
					return
				case <-st.done:
					return
				}
			}
			select {
			case st.frames <- f:
			case <-ctx.Done():
				return
			case <-st.done:
				return
			}
		}
	}()
	return st, nil
}

// SynthesizedTexts reports every text handed to Synthesize, in order.
func (m *MockBridge) SynthesizedTexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.synthesized))
	copy(out, m.synthesized)
	return out
}

// TranscribeCalls reports how many utterances were transcribed.
func (m *MockBridge) TranscribeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcribes
}

type mockFrameStream struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *mockFrameStream) Frames() <-chan []byte { return s.frames }
func (s *mockFrameStream) Err() error            { return nil }
func (s *mockFrameStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
