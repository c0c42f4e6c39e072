package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const alertKeepAlive = 25 * time.Second

// handleAlerts streams suspicious reveal alerts as Server-Sent Events. The
// broker backlog is replayed first.
func (a *API) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if a.svc.Alerts == nil {
		unavailable(w, r, "alert stream")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ch := a.svc.Alerts.Subscribe(ctx)

	_, _ = w.Write([]byte(": stream started\n\n"))
	for _, alert := range a.svc.Alerts.Recent() {
		writeEvent(w, alert)
	}
	flusher.Flush()

	ticker := time.NewTicker(alertKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case alert, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, alert)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: alert\ndata: %s\n\n", payload)
}
