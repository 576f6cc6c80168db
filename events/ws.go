package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Message is the WebSocket envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SnapshotFunc returns the current active recordings sent to a client on connect.
type SnapshotFunc func() any

// WSHandler upgrades connections and streams hub events to them.
type WSHandler struct {
	Hub      *Hub
	Snapshot SnapshotFunc
	Upgrader websocket.Upgrader
}

// NewWSHandler returns a handler with permissive origin checks for the bundled UI.
func NewWSHandler(hub *Hub, snapshot SnapshotFunc) *WSHandler {
	return &WSHandler{
		Hub:      hub,
		Snapshot: snapshot,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", slog.Any("err", err), slog.String("component", "events_ws"))
		return
	}
	// Subscribe before taking the snapshot so no transition falls between them.
	sub := h.Hub.Subscribe()

	var first *Message
	if h.Snapshot != nil {
		data, err := json.Marshal(h.Snapshot())
		if err == nil {
			first = &Message{Event: "snapshot", Data: data}
		}
	}
	go writePump(conn, sub, first)
	readPump(conn, sub)
}

// readPump discards client messages and tears the subscription down on disconnect.
func readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		_ = conn.Close()
	}()
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(conn *websocket.Conn, sub *Subscription, first *Message) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	if first != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(first); err != nil {
			return
		}
	}
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync"))
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(Message{Event: string(ev.Type), Data: data}); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
