package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robin-voice/robin-backend/internal/protocol"
	"github.com/robin-voice/robin-backend/internal/session"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 2 << 20
)

// handleAudioWS upgrades the audio connection and bridges it to the turn
// loop. Binary websocket messages are PCM frames; text messages are JSON
// control payloads. Outbound audio leaves as binary, events as JSON.
func (s *Server) handleAudioWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if err := s.sessions.AcquireTransport(sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrTransportBusy):
			respondError(w, http.StatusConflict, "transport_busy", "session already has a live audio connection")
		case errors.Is(err, session.ErrClosed):
			respondError(w, http.StatusConflict, "session_closed", "session is closed")
		default:
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		}
		return
	}
	defer s.sessions.ReleaseTransport(sessionID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 256)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		_ = s.orchestrator.Run(ctx, sess, inbound, outbound)
		// The session is over. Closing the socket unblocks the reader so
		// a client that keeps streaming cannot pin the handler.
		cancel()
		_ = conn.Close()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if frame, isAudio := msg.(protocol.AudioFrame); isAudio {
					if err := conn.WriteMessage(websocket.BinaryMessage, frame.Data); err != nil {
						cancel()
						return
					}
					continue
				}
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var parsed any
		switch msgType {
		case websocket.BinaryMessage:
			parsed = protocol.AudioFrame{SessionID: sessionID, Data: data}
			s.metrics.WSMessages.WithLabelValues("in", "audio_frame").Inc()
		case websocket.TextMessage:
			parsed, err = protocol.ParseClientMessage(data)
			if err != nil {
				errEvent := protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "invalid_client_message",
					Source:    "transport",
					Retryable: false,
					Detail:    err.Error(),
				}
				select {
				case outbound <- errEvent:
				default:
					// Writer saturated; drop rather than block the reader.
				}
				continue
			}
			if t, ok := protocol.TypeOf(parsed); ok {
				s.metrics.WSMessages.WithLabelValues("in", string(t)).Inc()
			}
		default:
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	// Close the inbound channel before cancelling so the turn loop sees
	// the disconnect and ends the session rather than a bare ctx error.
	close(inbound)
	<-runDone
	cancel()
	<-writerDone
	_ = s.cache.Delete(context.Background(), activeCacheKey(sessionID))
	s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
}
