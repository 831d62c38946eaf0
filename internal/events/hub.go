// Package events streams simulation and node lifecycle events to websocket
// subscribers.
package events

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/model"
)

// Type names an event.
type Type string

const (
	NodeRegistered     Type = "node_registered"
	NodeLost           Type = "node_lost"
	SimulationStarted  Type = "simulation_started"
	SimulationTerminal Type = "simulation_terminal"
	TestFinalized      Type = "test_finalized"
)

// Event is one lifecycle notification.
type Event struct {
	Type       Type                   `json:"type"`
	Time       time.Time              `json:"time"`
	Key        string                 `json:"key,omitempty"`
	Simulation model.SimulationID     `json:"sid,omitempty"`
	Node       model.SimulationNodeID `json:"snid,omitempty"`
	TestID     string                 `json:"test_id,omitempty"`
	State      string                 `json:"state,omitempty"`
	Cause      string                 `json:"cause,omitempty"`
}

const (
	defaultClientBuffer = 64
	writeTimeout        = 5 * time.Second
)

// Hub fans events out to websocket clients. Slow clients whose buffer is
// full lose events rather than stall publishers.
type Hub struct {
	log      logging.Logger
	upgrader websocket.Upgrader
	buffer   int

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub returns a hub with no subscribers.
func NewHub(log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		buffer:  defaultClientBuffer,
		clients: make(map[*client]struct{}),
	}
}

// Publish queues e for every connected client.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- e:
		default:
			h.log.Debug(context.Background(), "dropping event for slow subscriber",
				logging.String("event", string(e.Type)),
			)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(c)
	h.writeLoop(c)
}

// readLoop discards inbound frames and detects disconnects.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer func() {
		if err := c.conn.Close(); err != nil {
			h.log.Debug(context.Background(), "closing websocket", logging.Err(err))
		}
	}()
	for e := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(e); err != nil {
			h.remove(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
