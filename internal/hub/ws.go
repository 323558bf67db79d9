package hub

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Workers authenticate with the shared token; origin checks are a
	// browser concern and worker clients are not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebsocketHandler upgrades HTTP requests to worker transports and hands
// them to the hub.
func (h *Hub) WebsocketHandler(writeTimeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", slog.Any("error", err), slog.String("remote", r.RemoteAddr))
			return
		}
		if _, err := h.Accept(NewWSTransport(conn, writeTimeout)); err != nil {
			slog.Warn("worker handshake failed", slog.Any("error", err), slog.String("remote", r.RemoteAddr))
		}
	}
}

// Dial connects to a broker's worker endpoint and returns the client-side
// transport (used by the worker runtime and the federation client).
func Dial(url string, writeTimeout time.Duration) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSTransport(conn, writeTimeout), nil
}
