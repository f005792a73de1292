package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/skypro1111/omni-voice-service/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 8
)

// EventAnswerReady is published after every successful capture
const EventAnswerReady = "answer_ready"

// Event is one notification pushed to subscribers
type Event struct {
	Type         string    `json:"type" msgpack:"type"`
	RequestID    string    `json:"request_id" msgpack:"request_id"`
	InputURL     string    `json:"input_url" msgpack:"input_url"`
	AnswerURL    string    `json:"answer_url" msgpack:"answer_url"`
	TextResponse string    `json:"text_response" msgpack:"text_response"`
	SavedAtMS    int64     `json:"saved_at_ms" msgpack:"saved_at_ms"`
	InferenceMS  int64     `json:"inference_ms" msgpack:"inference_ms"`
	Timestamp    time.Time `json:"timestamp" msgpack:"timestamp"`
}

// client is one websocket subscriber
type client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	binary  bool // msgpack frames instead of JSON text
	address string
}

// Hub fans events out to websocket subscribers. Slow subscribers lose events
// rather than stall the publisher.
type Hub struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan Event
	done       chan struct{}
}

// NewHub creates a hub; metrics may be nil
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:  logger.With("component", "notify"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan Event, 16),
		done:       make(chan struct{}),
	}
}

// Run dispatches events until ctx is cancelled, then disconnects everyone
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.setClients()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			h.setClients()
			h.logger.Info("Subscriber connected", "remote", c.address, "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.setClients()
				h.logger.Info("Subscriber disconnected", "remote", c.address, "clients", len(h.clients))
			}

		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

func (h *Hub) deliver(ev Event) {
	if len(h.clients) == 0 {
		return
	}

	text, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode event", "error", err)
		return
	}
	var packed []byte

	for c := range h.clients {
		payload := text
		if c.binary {
			if packed == nil {
				if packed, err = msgpack.Marshal(ev); err != nil {
					h.logger.Error("Failed to pack event", "error", err)
					continue
				}
			}
			payload = packed
		}

		select {
		case c.send <- payload:
			if h.metrics != nil {
				h.metrics.RecordEventSent()
			}
		default:
			if h.metrics != nil {
				h.metrics.RecordEventDropped()
			}
			h.logger.Warn("Dropping event for slow subscriber", "remote", c.address, "type", ev.Type)
		}
	}
}

// Publish queues ev for delivery. It never blocks the caller for long: when
// the queue is full or the hub has stopped the event is dropped.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case h.broadcast <- ev:
	case <-h.done:
	default:
		if h.metrics != nil {
			h.metrics.RecordEventDropped()
		}
		h.logger.Warn("Event queue full, dropping event", "type", ev.Type)
	}
}

// ServeWS upgrades the request and subscribes the connection. The query
// parameter format=msgpack selects binary frames.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		binary:  r.URL.Query().Get("format") == "msgpack",
		address: r.RemoteAddr,
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) setClients() {
	if h.metrics != nil {
		h.metrics.SetWSClients(len(h.clients))
	}
}

// readPump only watches for the peer going away; subscribers send nothing.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("Subscriber read error", "remote", c.address, "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.binary {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				c.hub.logger.Debug("Subscriber write error", "remote", c.address, "error", err)
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
