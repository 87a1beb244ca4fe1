package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/contextkit-core/internal/stream"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const subscriberBuffer = 256

// lastEventID reads the replay position from the Last-Event-ID header or
// the lastEventId query parameter.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// eventFeed subscribes first and then replays retained events after
// afterID, so nothing published in between is lost. Live events already
// covered by the replay are skipped by the caller via the returned id.
func (h *Handler) eventFeed(afterID int64) (<-chan stream.Event, func(), []stream.Event) {
	ch, unsubscribe := h.svc.Subscribe(subscriberBuffer)
	var missed []stream.Event
	if afterID > 0 {
		missed = h.svc.EventsSince(afterID)
	}
	return ch, unsubscribe, missed
}

func matchSession(ev stream.Event, sessionID string) bool {
	return sessionID == "" || ev.SessionID == "" || ev.SessionID == sessionID
}

// HandleEvents streams hub events as server-sent events. Clients
// reconnecting with Last-Event-ID receive the retained events they missed.
// ?sessionId= narrows the feed to one session plus global events.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		JSON(w, http.StatusInternalServerError, map[string]any{"error": map[string]string{
			"code": "STREAMING_UNSUPPORTED", "message": "streaming not supported",
		}})
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	afterID := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", h.retryDelay.Milliseconds()); err != nil {
		h.logger.Warn("Failed to write SSE retry header", "error", err)
		return
	}

	events, unsubscribe, missed := h.eventFeed(afterID)
	defer unsubscribe()

	h.logger.Info("Event stream connected", "session_id", sessionID, "last_event_id", afterID, "replayed", len(missed))

	sent := afterID
	for _, ev := range missed {
		if !matchSession(ev, sessionID) {
			continue
		}
		if err := writeEvent(w, ev); err != nil {
			h.logger.Warn("Failed to replay SSE event", "error", err)
			return
		}
		sent = ev.ID
	}
	if err := writeSSE(w, "connected", fmt.Sprintf(`{"status":"connected","lastEventId":%d}`, sent)); err != nil {
		h.logger.Warn("Failed to write SSE connected event", "error", err)
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.keepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Info("Event stream disconnected", "session_id", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ID <= sent || !matchSession(ev, sessionID) {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("SSE write failed", "error", err)
				return
			}
			sent = ev.ID
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				h.logger.Debug("SSE keepalive failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, ev stream.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.ID, err)
	}
	return writeSSEWithID(w, ev.ID, ev.Type, string(data))
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// HandleWebSocket mirrors the event feed over a WebSocket. Each hub event
// is one JSON text message. Incoming messages are ignored.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	sessionID := r.URL.Query().Get("sessionId")
	afterID := lastEventID(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx := ws.CloseRead(r.Context())
	events, unsubscribe, missed := h.eventFeed(afterID)
	defer unsubscribe()

	h.logger.Info("WebSocket event feed connected", "session_id", sessionID, "replayed", len(missed))

	sent := afterID
	for _, ev := range missed {
		if !matchSession(ev, sessionID) {
			continue
		}
		if err := h.writeWS(ctx, ws, ev); err != nil {
			return
		}
		sent = ev.ID
	}

	keepalive := time.NewTicker(h.keepAlive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("WebSocket event feed closed", "session_id", sessionID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ID <= sent || !matchSession(ev, sessionID) {
				continue
			}
			if err := h.writeWS(ctx, ws, ev); err != nil {
				return
			}
			sent = ev.ID
		case <-keepalive.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.keepAlive)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Debug("WebSocket ping failed", "error", err)
				return
			}
		}
	}
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, ev stream.Event) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(writeCtx, ws, ev); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			h.logger.Warn("WebSocket write error", "error", err)
		}
		return err
	}
	return nil
}
