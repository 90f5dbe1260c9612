package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/superseed-odyssey/colony-engine/internal/metrics"
)

// Envelope is the wire frame for every server-push message.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// client is one WebSocket connection bound to a username.
type client struct {
	conn     *websocket.Conn
	username string
	send     chan []byte
	limiter  *rate.Limiter
}

// Hub tracks connections by username and fans out events. It implements
// events.Notifier so the engines never touch the transport. A user may hold
// several simultaneous connections (multiple tabs); Emit reaches all of
// them.
type Hub struct {
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	direct     chan directMsg

	mu      sync.RWMutex
	clients map[*client]bool
	byUser  map[string]map[*client]bool

	// OnMessage receives every inbound frame. Set before Run.
	OnMessage func(username string, data []byte)

	logger *slog.Logger
}

type directMsg struct {
	username string
	data     []byte
}

// Inbound frames allowed per second per connection, with a small burst.
const (
	msgRate  = 10
	msgBurst = 20
)

// NewHub creates the connection hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		direct:     make(chan directMsg, 256),
		clients:    make(map[*client]bool),
		byUser:     make(map[string]map[*client]bool),
		logger:     logger,
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			if h.byUser[c.username] == nil {
				h.byUser[c.username] = make(map[*client]bool)
			}
			h.byUser[c.username][c] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "username", c.username, "total", total)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				delete(h.byUser[c.username], c)
				if len(h.byUser[c.username]) == 0 {
					delete(h.byUser, c.username)
				}
				close(c.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow consumer; drop the frame rather than stall.
				}
			}
			h.mu.RUnlock()

		case dm := <-h.direct:
			h.mu.RLock()
			for c := range h.byUser[dm.username] {
				select {
				case c.send <- dm.data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Emit sends an event to every connection of one user. Offline users are a
// no-op.
func (h *Hub) Emit(username, event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("event marshal failed", "event", event, "err", err)
		return
	}
	select {
	case h.direct <- directMsg{username: username, data: payload}:
	default:
	}
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		h.logger.Error("event marshal failed", "event", event, "err", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS upgrades GET /api/v1/ws?username=... connections. The username
// binds the connection for addressed events.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	c := &client{
		conn:     conn,
		username: username,
		send:     make(chan []byte, 64),
		limiter:  rate.NewLimiter(msgRate, msgBurst),
	}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		if !c.limiter.Allow() {
			h.logger.Warn("ws message rate exceeded", "username", c.username)
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(c.username, data)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
