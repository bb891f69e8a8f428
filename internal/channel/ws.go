package channel

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

// WSMessage is the frame pushed to connected clients.
type WSMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// WSAdapter pushes result messages to browser clients over WebSocket. It is
// a channel adapter like any chat transport; the UI connects and receives
// broadcasts as they happen.
type WSAdapter struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]string // conn -> user id ("" if anonymous)
}

// NewWSAdapter creates a WebSocket push adapter.
func NewWSAdapter(logger *slog.Logger) *WSAdapter {
	return &WSAdapter{
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]string),
	}
}

// Name implements Adapter.
func (w *WSAdapter) Name() string { return "ws" }

// HandleWebSocket upgrades an incoming connection and tracks it until it
// closes. The optional "user" query parameter enables direct sends.
func (w *WSAdapter) HandleWebSocket(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	userID := r.URL.Query().Get("user")
	w.mu.Lock()
	w.conns[conn] = userID
	w.mu.Unlock()

	w.logger.Debug("websocket client connected", "user", userID)

	// Reader loop exists only to observe the close.
	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.conns, conn)
			w.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// SendMessage pushes text to every connected client.
func (w *WSAdapter) SendMessage(text string) error {
	return w.send(text, func(string) bool { return true })
}

// SendMessageToUser pushes text to clients connected as userID.
func (w *WSAdapter) SendMessageToUser(userID, text string) error {
	return w.send(text, func(u string) bool { return u == userID })
}

func (w *WSAdapter) send(text string, match func(userID string) bool) error {
	w.mu.Lock()
	targets := make([]*websocket.Conn, 0, len(w.conns))
	for conn, user := range w.conns {
		if match(user) {
			targets = append(targets, conn)
		}
	}
	w.mu.Unlock()

	msg := WSMessage{Type: "notification", Text: text}
	for _, conn := range targets {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			w.logger.Warn("websocket write failed", "error", err)
			w.mu.Lock()
			delete(w.conns, conn)
			w.mu.Unlock()
			conn.Close()
		}
	}
	return nil
}

// Disconnect implements Adapter, closing every client connection.
func (w *WSAdapter) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for conn := range w.conns {
		conn.Close()
		delete(w.conns, conn)
	}
	return nil
}
