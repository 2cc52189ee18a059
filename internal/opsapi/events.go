package opsapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	logx "pumpd/pkg/logx"
)

const (
	maxEventStreams = 32
	streamBuffer    = 64
	writeWait       = 5 * time.Second
	pingEvery       = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access is gated by the bearer token, not the origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wireEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// events streams bus events as JSON text frames. ?type=<t> (repeatable)
// filters by event type.
func (h *handler) events(w http.ResponseWriter, r *http.Request) {
	if h.b.Events == nil {
		unavailable(w, "event bus")
		return
	}
	if h.streams.Add(1) > maxEventStreams {
		h.streams.Add(-1)
		writeError(w, http.StatusTooManyRequests, "too many event streams")
		return
	}
	defer h.streams.Add(-1)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.log.Debug("event stream upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	events, unsub := h.b.Events.Subscribe(streamBuffer, r.URL.Query()["type"]...)
	defer unsub()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(wireEvent{Type: e.Type, Time: e.Time, Data: e.Data}); err != nil {
				h.log.Debug("event stream write failed", logx.Err(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
