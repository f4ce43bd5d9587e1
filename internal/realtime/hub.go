package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/syntrixbase/streamsub/internal/sse"
)

// Hub maintains the set of active clients and broadcasts frames to them.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Frames to fan out.
	broadcast chan sse.Event

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger

	runCtx   context.Context
	runCtxMu sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		broadcast:  make(chan sse.Event),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     logger.With("component", "hub"),
	}
}

// Run serves register, unregister and broadcast requests until ctx is done,
// then closes every client's queue.
func (h *Hub) Run(ctx context.Context) {
	h.setRunCtx(ctx)

	for {
		select {
		case <-ctx.Done():
			h.shutdownClients()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id, "kind", client.kind)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)
		case ev := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- ev:
				default:
					h.logger.Warn("client queue full, dropping message", "client_id", client.id, "event_id", ev.ID)
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Broadcast queues ev for every registered client. It returns false once
// the hub has stopped.
func (h *Hub) Broadcast(ev sse.Event) bool {
	select {
	case <-h.Done():
		return false
	default:
	}

	select {
	case h.broadcast <- ev:
		return true
	case <-h.Done():
		return false
	}
}

func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.Done():
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.Done():
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) setRunCtx(ctx context.Context) {
	h.runCtxMu.Lock()
	h.runCtx = ctx
	h.runCtxMu.Unlock()
}

// Done is closed when the run context ends. It is nil before Run starts.
func (h *Hub) Done() <-chan struct{} {
	h.runCtxMu.RLock()
	defer h.runCtxMu.RUnlock()
	if h.runCtx == nil {
		return nil
	}
	return h.runCtx.Done()
}

func (h *Hub) shutdownClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
