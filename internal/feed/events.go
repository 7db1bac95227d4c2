package feed

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"conductor/internal/orchestrator"
)

const writeDeadline = 10 * time.Second

// streamMessage is one websocket frame: either the opening snapshot or a
// registry event.
type streamMessage struct {
	Type     string              `json:"type"`
	Snapshot *Snapshot           `json:"snapshot,omitempty"`
	Event    *orchestrator.Event `json:"event,omitempty"`
}

// handleEvents upgrades to a websocket, sends the current snapshot, then
// relays registry events until the client goes away. The server binds to
// loopback, so origins are not restricted here.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := h.Engine.Subscribe()
	defer cancel()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	// The snapshot is taken after subscribing, so nothing between snapshot
	// and first event is lost.
	snap := h.snapshot()
	if err := writeMessage(conn, streamMessage{Type: "snapshot", Snapshot: &snap}); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				msg := streamMessage{Type: string(event.Type), Event: &event}
				if err := writeMessage(conn, msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeMessage(conn *websocket.Conn, msg streamMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
