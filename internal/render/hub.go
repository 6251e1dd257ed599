package render

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hubClient is one connected websocket subscriber.
type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans published rows out to every connected websocket client through
// a register/unregister/broadcast select loop. Slow clients are dropped
// rather than allowed to stall the broadcast.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]bool

	broadcast  chan []byte
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
}

// NewHub builds an idle hub; call Run to start its broadcast goroutine.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[*hubClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
	}
}

// Run drives the hub's register/unregister/broadcast select loop until Stop
// is called.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		case <-h.done:
			return
		}
	}
}

// Stop terminates the hub's Run loop and closes every connected client.
func (h *Hub) Stop() {
	h.mu.Lock()
	for c := range h.clients {
		close(c.send)
		c.conn.Close()
		delete(h.clients, c)
	}
	h.mu.Unlock()
	close(h.done)
}

// Render implements Renderer: marshals the tick's rows and fans them out.
func (h *Hub) Render(rows []Row) {
	data, err := json.Marshal(struct {
		Rows []Row `json:"rows"`
	}{Rows: rows})
	if err != nil {
		h.log.Error().Err(err).Msg("marshal published rows")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn().Msg("render hub broadcast channel full, rows dropped")
	}
}

// ServeHTTP upgrades the request to a websocket and registers the new
// client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &hubClient{id: r.RemoteAddr, conn: conn, send: make(chan []byte, 32)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(h)
}

func (c *hubClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

func (c *hubClient) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
