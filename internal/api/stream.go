package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kylemclaren/claude-routines/internal/stream"
)

// keepAlive is the interval of SSE comment frames that stop proxies from closing idle streams
const keepAlive = 15 * time.Second

// StreamExecution handles GET /api/v1/executions/{id}/stream
func (s *Server) StreamExecution(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	since, err := resumeFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	sub, err := s.streams.SubscribeExecution(r.Context(), ownerFrom(r), id, since)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.serveSSE(w, r, sub)
}

// StreamOwner handles GET /api/v1/stream
func (s *Server) StreamOwner(w http.ResponseWriter, r *http.Request) {
	since, err := resumeFrom(r)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	sub, err := s.streams.SubscribeOwner(r.Context(), ownerFrom(r), since)
	if err != nil {
		s.errorResponse(w, r, err)
		return
	}
	s.serveSSE(w, r, sub)
}

// resumeFrom prefers the browser's Last-Event-ID over the since parameter
func resumeFrom(r *http.Request) (int64, error) {
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			return 0, errInvalidQuery
		}
		return id, nil
	}
	return queryInt(r, "since")
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, sub *stream.Subscription) {
	defer s.streams.Unsubscribe(sub)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonResponse(w, http.StatusInternalServerError, ErrorResponse{Error: "Streaming unsupported", Code: "internal"})
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.WithError(err).WithField("subscription", sub.ID).Debugf("SSE client went away")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev stream.Event) error {
	switch ev.Type {
	case stream.EventLog:
		data, err := json.Marshal(ev.Line)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "id: %d\nevent: log\ndata: %s\n\n", ev.Line.ID, data)
		return err
	case stream.EventComplete:
		data, err := json.Marshal(ev.Completion)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "event: complete\ndata: %s\n\n", data)
		return err
	}
	return nil
}
