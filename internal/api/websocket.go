package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/uwb.locator/internal/tracking"
)

const (
	// writeWait is how long to wait for a write to complete
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong response
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Viewers only send control frames.
	maxMessageSize = 4096
)

// serveWebsocket sends the current snapshot and then every published one.
func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	var (
		id      string
		updates <-chan tracking.Snapshot
	)
	if s.hub != nil {
		id, updates = s.hub.Subscribe()
		// The store snapshot sent first is at least as new as anything
		// already buffered.
		select {
		case <-updates:
		default:
		}
	}

	done := make(chan struct{})
	go s.writeSnapshots(conn, updates, done)
	readUntilClosed(conn)
	close(done)
	if s.hub != nil {
		s.hub.Unsubscribe(id)
	}
}

// readUntilClosed drains the connection so pongs and the close frame are
// processed. It returns once the peer goes away.
func readUntilClosed(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeSnapshots is the only goroutine writing to conn.
func (s *Server) writeSnapshots(conn *websocket.Conn, updates <-chan tracking.Snapshot, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(s.store.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case snap, ok := <-updates:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed.
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
