package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/guildpoints/pointsd/internal/app/feed"
	"github.com/guildpoints/pointsd/internal/app/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// API key auth already ran; browser origins are not restricted here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// feedSSE streams notifications as server-sent events. On connect the
// client gets a stats snapshot and a connected ack, then one event and one
// stats message per accepted mutation.
func (h *Handler) feedSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	// Subscribe before the snapshot so nothing published in between is lost.
	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)
	metrics.FeedSubscriberJoined()
	defer metrics.FeedSubscriberLeft()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, n := range h.connectNotifications(r) {
		h.writeSSE(w, n)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case n, open := <-sub.C():
			if !open {
				return
			}
			h.writeSSE(w, n)
			flusher.Flush()
		}
	}
}

func (h *Handler) writeSSE(w http.ResponseWriter, n feed.Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		h.log.WithError(err).Error("marshal feed notification")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// feedWS serves the same stream over a websocket.
func (h *Handler) feedWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.hub.Subscribe()
	defer h.hub.Unsubscribe(sub)
	metrics.FeedSubscriberJoined()
	defer metrics.FeedSubscriberLeft()

	for _, n := range h.connectNotifications(r) {
		if err := h.writeWS(conn, n); err != nil {
			return
		}
	}

	// Read pump: the client sends nothing meaningful, but reads surface
	// close frames and dead peers.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case n, open := <-sub.C():
			if !open {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := h.writeWS(conn, n); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeWS(conn *websocket.Conn, n feed.Notification) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(n)
}

// connectNotifications builds the greeting every new subscriber receives:
// a stats snapshot followed by a connected ack.
func (h *Handler) connectNotifications(r *http.Request) []feed.Notification {
	out := make([]feed.Notification, 0, 2)
	if st, err := h.ledger.Stats(r.Context()); err == nil {
		out = append(out, feed.Notification{Type: feed.TypeStats, Data: st})
	} else {
		h.log.WithError(err).Warn("stats snapshot unavailable on feed connect")
	}
	return append(out, feed.Notification{Type: feed.TypeConnected})
}
