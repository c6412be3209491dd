package game

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"crashgame/internal/logger"
	"crashgame/internal/metrics"
)

const (
	writeWait   = 10 * time.Second
	clientQueue = 64
	hubQueue    = 256
	queueHub    = "hub"
	queueClient = "client"
)

// Conn is the part of a WebSocket connection the hub writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one subscriber. Writes go through its own queue so a slow
// socket never holds up the tick loop or other subscribers.
type Client struct {
	conn   Conn
	userID string
	out    chan []byte
	done   chan struct{}
	once   sync.Once
	hub    *Hub
}

// Hub fans table events out to the WebSocket clients of one table.
type Hub struct {
	table      string
	clients    map[*Client]struct{}
	broadcast  chan interface{}
	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once
	log        *zap.Logger
	mu         sync.RWMutex
}

func NewHub(table string) *Hub {
	return &Hub{
		table:      table,
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan interface{}, hubQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		log:        logger.Named("ws").With(zap.String("table", table)),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()
			metrics.WSClients.WithLabelValues(h.table).Set(0)
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WSClients.WithLabelValues(h.table).Set(float64(n))
			h.log.Info("client connected", zap.String("user_id", c.userID), zap.Int("total", n))

		case c := <-h.unregister:
			h.drop(c)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.log.Error("marshal broadcast", zap.Error(err))
				continue
			}
			var slow []*Client
			h.mu.RLock()
			for c := range h.clients {
				if !c.enqueue(data) {
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				metrics.WSDropped.WithLabelValues(h.table, queueClient).Inc()
				h.log.Warn("client queue full, disconnecting", zap.String("user_id", c.userID))
				h.drop(c)
			}
		}
	}
}

func (h *Hub) drop(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	metrics.WSClients.WithLabelValues(h.table).Set(float64(n))
	h.log.Info("client disconnected", zap.String("user_id", c.userID), zap.Int("total", n))
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Broadcast never blocks; a full queue drops the message.
func (h *Hub) Broadcast(message interface{}) {
	select {
	case h.broadcast <- message:
	default:
		metrics.WSDropped.WithLabelValues(h.table, queueHub).Inc()
		h.log.Warn("broadcast queue full, dropping message")
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RegisterClient starts the client's writer and hands it to the hub loop.
func (h *Hub) RegisterClient(conn Conn, userID string) *Client {
	c := &Client{
		conn:   conn,
		userID: userID,
		out:    make(chan []byte, clientQueue),
		done:   make(chan struct{}),
		hub:    h,
	}
	go c.writeLoop()
	select {
	case h.register <- c:
	case <-h.stop:
		c.close()
	}
	return c
}

func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stop:
	}
}

// Send queues one message for this client only.
func (c *Client) Send(message interface{}) {
	data, err := json.Marshal(message)
	if err != nil {
		c.hub.log.Error("marshal message", zap.Error(err))
		return
	}
	if !c.enqueue(data) {
		metrics.WSDropped.WithLabelValues(c.hub.table, queueClient).Inc()
	}
}

func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.log.Debug("write failed", zap.String("user_id", c.userID), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
