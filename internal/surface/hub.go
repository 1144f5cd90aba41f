package surface

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "abm_surface_clients",
		Help: "Map clients currently connected to the surface hub",
	})
	hubMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "abm_surface_messages_total",
		Help: "Surface operations broadcast to map clients",
	}, []string{"op"})
	hubDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "abm_surface_clients_dropped_total",
		Help: "Map clients disconnected because their send buffer was full",
	})
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
)

// Message is one operation pushed to map clients.
type Message struct {
	Op     string      `json:"op"`
	Name   string      `json:"name"`
	Source *Source     `json:"source,omitempty"`
	Layer  *Descriptor `json:"layer,omitempty"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	closed bool // guarded by Hub.mu
}

// Hub is a Surface whose state lives in a Memory and whose every mutation is
// broadcast to connected websocket clients. New clients receive the current
// sources and layers before any live operation.
type Hub struct {
	*Memory

	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub returns a hub with no clients.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		Memory:  NewMemory(),
		logger:  logger.With("component", "surface"),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Mutations hold h.mu across the state change and the broadcast so a client
// joining concurrently sees each operation exactly once, either in its replay
// or live.

func (h *Hub) RemoveLayer(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Memory.RemoveLayer(name); err != nil {
		return err
	}
	h.broadcastLocked(Message{Op: OpRemoveLayer, Name: name})
	return nil
}

func (h *Hub) AddSource(src Source) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Memory.AddSource(src); err != nil {
		return err
	}
	h.broadcastLocked(Message{Op: OpAddSource, Name: src.ID, Source: &src})
	return nil
}

func (h *Hub) InstallLayer(d Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.Memory.InstallLayer(d); err != nil {
		return err
	}
	h.broadcastLocked(Message{Op: OpInstallLayer, Name: d.ID, Layer: &d})
	return nil
}

// ServeHTTP upgrades the request to a websocket and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}

	h.mu.Lock()
	srcs, layers := h.snapshot()
	for i := range srcs {
		h.enqueue(c, Message{Op: OpAddSource, Name: srcs[i].ID, Source: &srcs[i]})
	}
	for i := range layers {
		h.enqueue(c, Message{Op: OpInstallLayer, Name: layers[i].ID, Layer: &layers[i]})
	}
	if c.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	hubClients.Inc()
	h.logger.Info("map client connected", "remote", r.RemoteAddr, "layers", len(layers))

	go h.writeLoop(c)
	h.readLoop(c)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcastLocked(msg Message) {
	hubMessages.WithLabelValues(msg.Op).Inc()
	for c := range h.clients {
		h.enqueue(c, msg)
	}
}

// enqueue must be called with h.mu held.
func (h *Hub) enqueue(c *client, msg Message) {
	if c.closed {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encoding surface message", "op", msg.Op, "name", msg.Name, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		hubDropped.Inc()
		h.logger.Warn("map client too slow, disconnecting")
		h.dropLocked(c)
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) dropLocked(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		hubClients.Dec()
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for data := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug("websocket write failed", "error", err)
			h.drop(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop discards client input and returns when the connection closes.
func (h *Hub) readLoop(c *client) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}
