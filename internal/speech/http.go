package speech

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robin-voice/robin-backend/internal/reliability"
)

// HTTPBridge talks to a cloud speech service over plain HTTP: JSON for
// transcription and understanding, NDJSON streaming for synthesis.
type HTTPBridge struct {
	baseURL string
	apiKey  string
	voiceID string
	client  *http.Client
}

type HTTPConfig struct {
	BaseURL string
	APIKey  string
	VoiceID string
	Timeout time.Duration
}

func NewHTTPBridge(cfg HTTPConfig) *HTTPBridge {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPBridge{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		voiceID: strings.TrimSpace(cfg.VoiceID),
		client:  &http.Client{Timeout: timeout},
	}
}

type transcribeRequest struct {
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
	Format      string `json:"format"`
}

func (b *HTTPBridge) Transcribe(ctx context.Context, frames [][]byte, sampleRate int) (Transcript, error) {
	wav := encodeWAVPCM16(frames, sampleRate)
	req := transcribeRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(wav),
		SampleRate:  sampleRate,
		Format:      "wav",
	}

	var out Transcript
	if err := b.postJSON(ctx, "/v1/transcriptions", req, &out); err != nil {
		return Transcript{}, fmt.Errorf("%w: %v", ErrTranscription, err)
	}
	return out, nil
}

func (b *HTTPBridge) Understand(ctx context.Context, text string) (Understanding, error) {
	var out Understanding
	if err := b.postJSON(ctx, "/v1/understand", map[string]string{"text": text}, &out); err != nil {
		return Understanding{}, fmt.Errorf("%w: %v", ErrUnderstanding, err)
	}
	return out, nil
}

type synthesizeRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
}

// Synthesize starts a streaming synthesis request and returns a lazy
// frame stream; the first frame is available before the full response is
// generated. Closing the stream aborts the request.
func (b *HTTPBridge) Synthesize(ctx context.Context, text string) (FrameStream, error) {
	payload, err := json.Marshal(synthesizeRequest{Text: text, VoiceID: b.voiceID})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrSynthesis, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, b.baseURL+"/v1/synthesize", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: create request: %v", ErrSynthesis, err)
	}
	b.setHeaders(req)

	res, err := b.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: send request: %v", ErrSynthesis, err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: status %d (retryable=%v): %s",
			ErrSynthesis, res.StatusCode, reliability.IsRetryableHTTPStatus(res.StatusCode), string(body))
	}

	st := &httpFrameStream{
		frames: make(chan []byte, 8),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go st.consume(res.Body)
	return st, nil
}

func (b *HTTPBridge) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	b.setHeaders(req)

	res, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return fmt.Errorf("status %d (retryable=%v): %s",
			res.StatusCode, reliability.IsRetryableHTTPStatus(res.StatusCode), string(body))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (b *HTTPBridge) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

type synthesisChunk struct {
	AudioBase64 string `json:"audio_base64"`
}

type httpFrameStream struct {
	frames chan []byte
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *httpFrameStream) consume(body io.ReadCloser) {
	defer close(s.frames)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk synthesisChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			s.setErr(fmt.Errorf("%w: decode chunk: %v", ErrSynthesis, err))
			return
		}
		if chunk.AudioBase64 == "" {
			continue
		}
		frame, err := base64.StdEncoding.DecodeString(chunk.AudioBase64)
		if err != nil {
			s.setErr(fmt.Errorf("%w: decode audio: %v", ErrSynthesis, err))
			return
		}
		select {
		case s.frames <- frame:
		case <-s.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !s.isClosed() {
		s.setErr(fmt.Errorf("%w: stream read: %v", ErrSynthesis, err))
	}
}

func (s *httpFrameStream) Frames() <-chan []byte { return s.frames }

func (s *httpFrameStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *httpFrameStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
	s.cancel()
	return nil
}

func (s *httpFrameStream) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *httpFrameStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
