package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/orcbot-ai/orcbot/internal/events"
)

// wsClient is one connected websocket consumer.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans live bus events out to websocket clients. The stream is one-way:
// control operations go through the HTTP routes.
type hub struct {
	mu          sync.RWMutex
	clients     map[*wsClient]struct{}
	logger      *slog.Logger
	unsubscribe func()
}

func newHub(bus *events.Bus, logger *slog.Logger) *hub {
	h := &hub{
		clients: make(map[*wsClient]struct{}),
		logger:  logger,
	}
	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		data, err := json.Marshal(e)
		if err != nil {
			logger.Error("gateway: marshal ws event", "error", err)
			return
		}
		h.broadcast(data)
	})
	return h
}

func (h *hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Client too slow, skip.
		}
	}
}

func (h *hub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Info("gateway: ws client connected", "clients", len(h.clients))
}

func (h *hub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Info("gateway: ws client disconnected", "clients", len(h.clients))
	}
}

// ServeWS upgrades the connection and streams events until the client leaves.
func (h *hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // local loopback API
	})
	if err != nil {
		h.logger.Error("gateway: ws accept", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}
	h.register(client)

	ctx := r.Context()
	go h.writePump(ctx, client)
	h.readPump(ctx, client)
}

func (h *hub) writePump(ctx context.Context, c *wsClient) {
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// readPump drains inbound frames so pings and closes are processed.
func (h *hub) readPump(ctx context.Context, c *wsClient) {
	defer func() {
		h.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			return
		}
	}
}

// Close disconnects the hub from the bus and drops all clients.
func (h *hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
