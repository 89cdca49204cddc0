package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Mindburn-Labs/docket/pkg/notify"
)

// handleEvents streams engine events over SSE. Each subscriber sees only
// events on cases they own; admins see everything, including unowned
// system events like reaper alerts.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "Streaming Unsupported", "The connection does not support server-sent events")
		return
	}
	principal, ok := PrincipalFrom(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}

	events, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			if !visibleTo(principal, ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("dropping unencodable event", "kind", ev.Kind, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data)
			flusher.Flush()
		}
	}
}

// visibleTo applies the ownership filter. Events without an owner are
// operator-level and go to admins only.
func visibleTo(p Principal, ev notify.Event) bool {
	if p.Admin() {
		return true
	}
	return ev.OwnerID != "" && ev.OwnerID == p.UserID
}
