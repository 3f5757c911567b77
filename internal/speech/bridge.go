package speech

import (
	"context"
	"errors"
)

// Sentinel errors corresponding to the two recoverable collaborator
// failure classes. Callers recover within the turn loop rather than
// failing the session.
var (
	ErrTranscription = errors.New("transcription failed")
	ErrUnderstanding = errors.New("understanding failed")
	ErrSynthesis     = errors.New("synthesis failed")
)

// Transcript is the text result of one finalized utterance.
type Transcript struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Understanding is the model's interpretation of a transcript: which
// workspace tool (if any) to invoke, its parameters, and a direct spoken
// reply for the no-action path.
type Understanding struct {
	Tool   string            `json:"tool"`
	Params map[string]string `json:"params,omitempty"`
	Reply  string            `json:"reply"`
}

// FrameStream is a lazy, finite, ordered sequence of synthesized audio
// frames. Close stops further frame production; producers check
// cancellation between frames, never mid-frame.
type FrameStream interface {
	Frames() <-chan []byte
	Err() error
	Close() error
}

// Bridge is the boundary to the external speech understanding and
// generation service. Any provider satisfying it is substitutable, which
// is how the deterministic mock powers orchestration tests.
type Bridge interface {
	Transcribe(ctx context.Context, frames [][]byte, sampleRate int) (Transcript, error)
	Understand(ctx context.Context, text string) (Understanding, error)
	Synthesize(ctx context.Context, text string) (FrameStream, error)
}
