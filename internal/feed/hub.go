package feed

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ybc112/daojishi/internal/engine"
	"github.com/ybc112/daojishi/internal/logger"
)

const (
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
)

// Hub fans engine events out to websocket clients. Publishing never blocks:
// a client whose queue is full is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	buffer   int
	log      *logger.Entry

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs []Subscription

	closeOnce sync.Once
}

func (c *client) wants(topic, typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return matches(c.subs, topic, typ)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is public and read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		buffer:  buffer,
		log:     logger.GetLogger().WithComponent("feed"),
		clients: make(map[*client]struct{}),
	}
}

// HandleEvent publishes a committed engine event. It runs under the engine
// lock, so it only encodes and enqueues.
func (h *Hub) HandleEvent(ev engine.Event) {
	h.Publish(TopicEngine, ev.Name, ev.At, ev)
}

func (h *Hub) Publish(topic, typ string, at time.Time, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.WithError(err).WithField("type", typ).Warn("feed payload encode failed")
		return
	}
	msg, err := json.Marshal(Message{Topic: topic, Type: typ, Timestamp: at.UnixMilli(), Payload: raw})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.wants(topic, typ) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.log.WithField("remote", c.conn.RemoteAddr().String()).Warn("feed client too slow; disconnecting")
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
}

// ServeHTTP upgrades the request and streams events until the client goes
// away. Clients may send a subscribe request to filter by event type and a
// text "ping", answered with "pong".
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		typ, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			continue
		}
		if string(msg) == "ping" {
			h.enqueue(c, []byte("pong"))
			continue
		}
		var req subscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil || req.Action != "subscribe" {
			continue
		}
		c.mu.Lock()
		c.subs = req.Subscriptions
		c.mu.Unlock()
	}
}

func (h *Hub) enqueue(c *client, msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (h *Hub) writePump(c *client) {
	t := time.NewTicker(pingInterval)
	defer func() {
		t.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-t.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
