package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/querymt/qmt/internal/domain"
)

// sseHeartbeatInterval mirrors the teacher's SSE implementation: a
// periodic comment line keeps intermediary proxies from closing an
// otherwise idle connection.
const sseHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE, using a ResponseController
// so flushing survives middleware wrappers the plain http.Flusher
// interface sometimes doesn't see through.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("rpc: streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: http.NewResponseController(w)}, nil
}

func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprint(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// sessionUpdateNotification is the session/update envelope: the
// notification method name plus the translated Update payload, scoped to
// the session it came from so a client multiplexing several sessions
// over one stream can tell them apart.
type sessionUpdateNotification struct {
	Method    string          `json:"method"`
	SessionID domain.PublicID `json:"sessionID"`
	Params    Update          `json:"params"`
}

// handleSSE streams session/update notifications for the session named
// by the "sessionID" query parameter, or every tracked session if it is
// omitted. Durable history already observed via session/load is not
// replayed here; a client that needs catch-up calls session/load first
// and only then opens this stream, accepting the same small
// replay-then-live duplication window eventbus.Sink's own doc comment
// describes.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	filter := domain.PublicID(r.URL.Query().Get("sessionID"))

	events := make(chan domain.AgentEvent, 32)
	var unsubscribe func()
	if filter != "" {
		unsubscribe = s.sink.SubscribeSession(filter, func(ev domain.AgentEvent) {
			select {
			case events <- ev:
			default:
				s.log.Warn().Str("sessionID", string(ev.SessionID)).Msg("rpc: SSE event dropped, channel full")
			}
		})
	} else {
		unsubscribe = s.sink.Subscribe(func(ev domain.AgentEvent) {
			select {
			case events <- ev:
			default:
				s.log.Warn().Str("sessionID", string(ev.SessionID)).Msg("rpc: SSE event dropped, channel full")
			}
		})
	}
	defer unsubscribe()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			upd, ok := TranslateEvent(ev)
			if !ok {
				continue
			}
			notif := sessionUpdateNotification{Method: "session/update", SessionID: ev.SessionID, Params: upd}
			if err := sse.writeEvent("message", notif); err != nil {
				return
			}
		case <-ticker.C:
			sse.writeHeartbeat()
		}
	}
}
