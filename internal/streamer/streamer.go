package streamer

import (
	"context"

	"github.com/robin-voice/robin-backend/internal/protocol"
	"github.com/robin-voice/robin-backend/internal/speech"
)

// Streamer relays synthesized audio to a session's outbound channel.
// Frames are forwarded whole and in provider order; cancellation between
// frames is how barge-in cuts a response short.
type Streamer struct {
	// OnFirstFrame, when set, fires once per stream before the first
	// frame is forwarded. Used for first-audio latency measurement.
	OnFirstFrame func()
}

func New() *Streamer { return &Streamer{} }

// Stream drains src into outbound as sequenced AudioFrame values. It
// returns the number of frames sent and the context error when the turn
// was cancelled mid-stream. The source stream is always closed.
func (s *Streamer) Stream(ctx context.Context, sessionID, turnID string, src speech.FrameStream, outbound chan<- any) (int, error) {
	defer src.Close()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case data, ok := <-src.Frames():
			if !ok {
				return sent, src.Err()
			}
			if sent == 0 && s.OnFirstFrame != nil {
				s.OnFirstFrame()
			}
			frame := protocol.AudioFrame{
				SessionID: sessionID,
				TurnID:    turnID,
				Seq:       sent,
				Data:      data,
			}
			select {
			case <-ctx.Done():
				return sent, ctx.Err()
			case outbound <- frame:
				sent++
			}
		}
	}
}
