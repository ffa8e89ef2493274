package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/kiln/internal/hmr"
	"github.com/conneroisu/kiln/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. A failed ping drops the client.
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	// Subprotocol the client runtime asks for.
	hmrProtocol = "kiln-hmr"
)

// Hub fans HMR payloads out to every connected browser.
type Hub struct {
	logger    logging.Logger
	origins   []string
	onClients func(n int)

	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// HubOptions configures a Hub.
type HubOptions struct {
	// OriginPatterns are accepted in addition to same-host origins. A pattern
	// with a scheme is matched against the whole origin, otherwise against
	// its host.
	OriginPatterns []string
	// OnClients is called with the client count after every change.
	OnClients func(n int)
	Logger    logging.Logger
}

// NewHub creates a hub. Run must be running for clients to be served.
func NewHub(opts HubOptions) *Hub {
	return &Hub{
		logger:     logging.OrNop(opts.Logger).WithComponent("hmr-hub"),
		origins:    opts.OriginPatterns,
		onClients:  opts.OnClients,
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		done:       make(chan struct{}),
		clients:    make(map[*client]struct{}),
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.closeAll()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug(ctx, "HMR client connected", "clients", n)
			h.notify(n)

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c]
			if ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			if ok {
				h.logger.Debug(ctx, "HMR client disconnected", "clients", n)
				h.notify(n)
			}

		case message := <-h.broadcast:
			var slow []*client
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()

			if len(slow) > 0 {
				h.mu.Lock()
				for _, c := range slow {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						close(c.send)
						c.conn.CloseNow()
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				h.notify(n)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		c.conn.CloseNow()
	}
	h.clients = make(map[*client]struct{})
	h.notify(0)
}

func (h *Hub) notify(n int) {
	if h.onClients != nil {
		h.onClients(n)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast implements hmr.Broadcaster.
func (h *Hub) Broadcast(ctx context.Context, p hmr.Payload) {
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.Error(ctx, err, "Failed to encode HMR payload", "type", p.Type)
		data = []byte(`{"type":"full-reload","path":"*"}`)
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	case <-ctx.Done():
	}
}

// ServeHTTP upgrades the request to the HMR websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{hmrProtocol},
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade rejected", "origin", r.Header.Get("Origin"))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{conn: conn, send: make(chan []byte, 256), hub: h}
	connected, _ := json.Marshal(hmr.Payload{Type: hmr.PayloadConnected})
	c.send <- connected

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go c.writePump()
	c.readPump()
}

// readPump drains the connection until it closes. Clients only send
// control frames.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
	}()

	ctx := context.Background()
	for {
		_, _, err := c.conn.Read(ctx)
		if err == nil {
			continue
		}
		status := websocket.CloseStatus(err)
		if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
			c.hub.logger.Debug(ctx, "HMR client read ended", "error", err)
		}
		return
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, message)
			cancel()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
