// Package ws bridges the keeper's redis event streams to dashboard
// WebSocket clients. Each client picks the streams it wants; the hub tails
// the streams and fans messages out.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256

	// pollInterval is how often the hub tails the redis streams.
	pollInterval = time.Second
)

// defaultStreams are the redis streams the hub tails.
var defaultStreams = []string{"positions", "prices"}

// StreamReader tails one redis stream from lastID forward.
type StreamReader interface {
	Read(ctx context.Context, stream, lastID string, count int) ([][]byte, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API key middleware in front of /ws is the access control.
		return true
	},
}

// client is a single WebSocket connection and its stream subscriptions.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool
	mu   sync.RWMutex
}

// subscribeMsg is the JSON message a client sends to change subscriptions.
type subscribeMsg struct {
	Action  string   `json:"action"` // "subscribe" or "unsubscribe"
	Streams []string `json:"streams"`
}

// envelope wraps every outgoing message with its source stream.
type envelope struct {
	Stream  string          `json:"stream"`
	Payload json.RawMessage `json:"payload"`
}

// broadcastMsg carries a message and its source stream through the hub.
type broadcastMsg struct {
	stream string
	data   []byte
}

// Hub manages connected clients and tails the event streams.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	reader     StreamReader
	streams    []string
	mu         sync.RWMutex
	logger     *slog.Logger
}

// NewHub creates a Hub tailing the default streams through reader.
func NewHub(reader StreamReader, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, sendBufferSize),
		register:   make(chan *client),
		unregister: make(chan *client),
		reader:     reader,
		streams:    defaultStreams,
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run processes registrations and broadcasts, and tails the streams, until
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()
	for _, stream := range h.streams {
		go h.tailStream(tailCtx, stream)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// HandleWS upgrades the connection and starts the client's pumps.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool, len(h.streams)),
	}
	// New clients start subscribed to everything.
	for _, stream := range h.streams {
		c.subs[stream] = true
	}

	h.register <- c
	go c.writePump()
	go c.readPump()
}

// tailStream polls one redis stream and feeds new entries into broadcast.
func (h *Hub) tailStream(ctx context.Context, stream string) {
	// Start from the current time so reconnecting clients only see new
	// entries, not the whole retained stream.
	lastID := streamIDNow()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		payloads, err := h.reader.Read(ctx, stream, lastID, 100)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("stream tail read failed",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, p := range payloads {
			select {
			case h.broadcast <- broadcastMsg{stream: stream, data: p}:
			default:
				// Broadcast queue full; drop rather than stall the tail.
			}
		}
		if len(payloads) > 0 {
			lastID = streamIDNow()
		}
	}
}

func (h *Hub) deliver(msg broadcastMsg) {
	out, err := json.Marshal(envelope{Stream: msg.stream, Payload: msg.data})
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.RLock()
		subscribed := c.subs[msg.stream]
		c.mu.RUnlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- out:
		default:
			// Slow client; drop the message instead of blocking the hub.
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, s := range msg.Streams {
				c.subs[s] = true
			}
		case "unsubscribe":
			for _, s := range msg.Streams {
				delete(c.subs, s)
			}
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// streamIDNow builds a redis stream ID at the current wall-clock time.
func streamIDNow() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10) + "-0"
}
