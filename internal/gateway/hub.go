package gateway

import (
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub tracks connected WebSocket clients and fans finished-run summaries out
// to the ones watching the live feed.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	seq     int64

	// OnCount is called with the client count after every change.
	OnCount func(n int)
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]bool)}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnCount != nil {
		h.OnCount(count)
	}
}

// RemoveClient unregisters c and closes its send queue. Safe to call twice.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client disconnected (%d total)", count)
	if h.OnCount != nil {
		h.OnCount(count)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends data published on channel to every feed client. Slow
// clients whose queue is full miss the message.
func (h *Hub) Broadcast(channel string, data []byte) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	// Hand-built envelope; data is already JSON.
	buf := make([]byte, 0, len(channel)+len(data)+96)
	buf = append(buf, `{"type":"`+MsgRun+`","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, '}')

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.feed {
			continue
		}
		select {
		case c.send <- buf:
		default:
		}
	}
}

// Close disconnects every client, unblocking their handlers.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	deadline := time.Now().Add(time.Second)
	for c := range h.clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
		c.conn.Close()
	}
}
