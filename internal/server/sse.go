package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"slipway/internal/events"
	"slipway/internal/security"
)

const (
	// SSEBufferSize is the per-client event buffer. A client that lags
	// more than this many events behind starts losing them.
	SSEBufferSize = 256

	// SSEKeepAliveInterval spaces the comment lines that keep idle
	// connections alive through proxies.
	SSEKeepAliveInterval = 15 * time.Second
)

// HandleEvents streams task lifecycle events as server-sent events.
// Optional ?task= and ?project= query parameters narrow the stream.
// The connection stays open until the client disconnects.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	taskFilter := r.URL.Query().Get("task")
	projectFilter := r.URL.Query().Get("project")
	if projectFilter != "" {
		if err := security.ValidateProjectName(projectFilter); err != nil {
			s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid project name: %v", err)})
			return
		}
	}

	// Long-lived streams must outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.Logger.Warn("Failed to clear write deadline for event stream", "error", err)
	}

	ch, cancel := s.Bus.Subscribe(SSEBufferSize)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(SSEKeepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, open := <-ch:
			if !open {
				return
			}
			if taskFilter != "" && evt.TaskID != taskFilter {
				continue
			}
			if projectFilter != "" && evt.Project != projectFilter {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE emits one event in text/event-stream framing.
func writeSSE(w io.Writer, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data)
	return err
}
