package notify

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// HubConfig configures WebSocket hub behavior.
type HubConfig struct {
	// WriteTimeout is timeout for writing messages to a client.
	WriteTimeout time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
}

// DefaultHubConfig returns default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Message is one notification pushed to connected clients.
type Message struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// MessageTypeUnmatched signals how many movements the last pass left
// unmatched or ambiguous.
const MessageTypeUnmatched = "unmatched_movements"

// Hub broadcasts pass notifications to WebSocket subscribers. It implements
// Notifier; a slow or dead client is dropped rather than blocking a pass.
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader

	clients  map[*websocket.Conn]struct{}
	clientMu sync.Mutex

	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a hub. Callers mount ServeHTTP wherever they expose it.
func NewHub(config *HubConfig) *Hub {
	cfg := DefaultHubConfig()
	if config != nil {
		cfg = *config
	}
	h := &Hub{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*websocket.Conn]struct{}),
		done:    make(chan struct{}),
	}

	h.wg.Add(1)
	go h.pingLoop()

	return h
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the HTTP error.
	}

	h.clientMu.Lock()
	if h.closed {
		h.clientMu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	h.clientMu.Unlock()

	// Reader goroutine per client: we never expect inbound messages but
	// must consume control frames and detect disconnects.
	h.wg.Add(1)
	go h.readLoop(conn)
}

// UnmatchedMovements broadcasts the end-of-pass count.
func (h *Hub) UnmatchedMovements(count int) {
	h.broadcast(Message{Type: MessageTypeUnmatched, Count: count})
}

func (h *Hub) broadcast(msg Message) {
	h.clientMu.Lock()
	defer h.clientMu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Close drops every client and stops the ping loop.
func (h *Hub) Close() error {
	h.clientMu.Lock()
	if h.closed {
		h.clientMu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	for conn := range h.clients {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		delete(h.clients, conn)
	}
	h.clientMu.Unlock()

	h.wg.Wait()
	return nil
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.clientMu.Lock()
			if _, ok := h.clients[conn]; ok {
				conn.Close()
				delete(h.clients, conn)
			}
			h.clientMu.Unlock()
			return
		}
	}
}

// pingLoop sends periodic ping frames to keep connections alive.
func (h *Hub) pingLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.clientMu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.clientMu.Unlock()
		}
	}
}

var _ Notifier = (*Hub)(nil)
