package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmt/backend/internal/bus"
	"github.com/tmt/backend/internal/domain"
)

const (
	sseHeartbeat = 5 * time.Second
	sseBacklog   = 24 * time.Hour
)

// EventLister supplies the backlog replayed to a freshly connected stream.
type EventLister interface {
	ListRecent(ctx context.Context, since time.Time) ([]*domain.GeoEvent, error)
}

// SSEHandler streams live-map envelopes over Server-Sent Events. On connect
// it replays the last day of stored events so the map renders immediately,
// then relays the livemap room.
type SSEHandler struct {
	bus    *bus.Bus
	events EventLister
	logger *slog.Logger
}

// NewSSEHandler builds the stream handler.
func NewSSEHandler(b *bus.Bus, events EventLister, logger *slog.Logger) *SSEHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{bus: b, events: events, logger: logger.With("component", "sse")}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub, err := h.bus.Subscribe(r.Context(), bus.RoomLivemap)
	if err != nil {
		http.Error(w, "subscribe failed", http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	// Replay before live traffic so the client never renders an empty map.
	backlog, err := h.events.ListRecent(r.Context(), time.Now().Add(-sseBacklog))
	if err != nil {
		h.logger.Warn("backlog load failed", "error", err)
	}
	for _, ev := range backlog {
		if !writeSSE(w, "map_event", bus.MapEventFromGeo(ev)) {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			if !writeSSE(w, env.Kind, json.RawMessage(env.Payload)) {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return true
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err == nil
}
