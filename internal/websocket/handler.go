package websocket

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The daemon serves no browser origin of its own; notification consumers
	// are trusted internal clients.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns an HTTP handler that upgrades the connection and keeps it
// registered in the hub until the peer goes away. The user is identified by
// the user_id query parameter (browsers cannot set headers on WebSocket
// connections).
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("websocket: upgrade failed: %v", err)
			return
		}

		client := h.Register(userID, conn)
		if client == nil {
			return
		}

		// Drain the connection; clients only listen, but reads surface closes.
		go func() {
			defer h.Unregister(userID, client)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
