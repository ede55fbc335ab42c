package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/proxypal/proxypal/internal/status"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = (wsPongWait * 9) / 10
	wsUpdateBuffer = 8
)

// Message types sent on the status stream.
const (
	MessageStatus = "status"
)

// Message is one frame of the status stream.
type Message struct {
	Type      string          `json:"type"`
	Data      status.Snapshot `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// streamClient is one connected status stream.
type streamClient struct {
	id   string
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// streamHub tracks connected clients so shutdown can close them.
type streamHub struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
}

func (h *streamHub) add(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients == nil {
		h.clients = make(map[*streamClient]struct{})
	}
	h.clients[c] = struct{}{}
}

func (h *streamHub) remove(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

func (h *streamHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *streamHub) closeAll() {
	h.mu.Lock()
	clients := make([]*streamClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// handleStatusStream upgrades to a websocket and pushes a snapshot after
// every registry change, starting with the current one.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] WebSocket upgrade error: %v", err)
		return
	}

	client := &streamClient{
		id:   uuid.NewString(),
		conn: conn,
		done: make(chan struct{}),
	}
	s.hub.add(client)
	log.Printf("[Server] Status stream %s connected (%d active)", client.id, s.hub.count())
	defer s.hub.remove(client)
	defer client.close()

	updates, cancel := s.svc.Subscribe(wsUpdateBuffer)
	defer cancel()

	go client.readPump()
	client.writePump(updates)
}

// readPump discards client frames and ends the stream when the peer goes
// away or stops answering pings.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[Server] WebSocket %s error: %v", c.id, err)
			}
			return
		}
	}
}

func (c *streamClient) writePump(updates <-chan status.Snapshot) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case snap, ok := <-updates:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			payload, err := json.Marshal(Message{Type: MessageStatus, Data: snap, Timestamp: time.Now().UTC()})
			if err != nil {
				log.Printf("[Server] Error marshaling status: %v", err)
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
