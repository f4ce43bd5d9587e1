package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/syntrixbase/streamsub/internal/sse"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Feed clients only listen.
	maxMessageSize = 512
)

// Client is a middleman between one SSE or WebSocket connection and the hub.
type Client struct {
	id   string
	kind string
	hub  *Hub

	// The websocket connection, nil for SSE clients.
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan sse.Event

	logger *slog.Logger
}

func newClient(hub *Hub, kind string, bufferSize int, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		kind:   kind,
		hub:    hub,
		send:   make(chan sse.Event, bufferSize),
		logger: logger.With("client_id", id, "kind", kind),
	}
}

// readPump drains the websocket connection so control frames are processed,
// and unregisters the client when the peer goes away.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("WebSocket connection closed", "error", err)
			} else {
				c.logger.Info("WebSocket connection closed")
			}
			return
		}
	}
}

// writePump is the only writer of the websocket connection.
func (c *Client) writePump(heartbeat time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	heartbeats, stop := newHeartbeat(heartbeat)
	defer func() {
		ticker.Stop()
		stop()
		c.conn.Close()
	}()
	for {
		select {
		case ev, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(ev.Data)); err != nil {
				return
			}

		case now := <-heartbeats:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte(heartbeatEvent(now).Data)); err != nil {
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

// newHeartbeat returns a ticker channel, or a nil channel when interval is
// zero, which disables heartbeats.
func newHeartbeat(interval time.Duration) (<-chan time.Time, func()) {
	if interval <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// ServeWs upgrades the request and streams every broadcast as a text message.
func ServeWs(hub *Hub, cfg Config, w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return checkAllowedOrigin(r.Header.Get("Origin"), r.Host, cfg) == nil
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(hub, "ws", cfg.BufferSize, logger)
	client.conn = conn
	if !hub.Register(client) {
		conn.Close()
		return
	}
	client.logger.Info("WebSocket connection established", "remote", r.RemoteAddr)

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump(cfg.HeartbeatInterval)
	go client.readPump()
}

// ServeSSE streams every broadcast as an SSE frame until the request ends.
func ServeSSE(hub *Hub, cfg Config, w http.ResponseWriter, r *http.Request, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	client := newClient(hub, "sse", cfg.BufferSize, logger)
	if !hub.Register(client) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	client.logger.Info("SSE connection established",
		"remote", r.RemoteAddr, "last_event_id", r.Header.Get("Last-Event-ID"))

	defer func() {
		hub.Unregister(client)
		client.logger.Info("SSE connection closed")
	}()

	// Send initial comment to establish connection
	if err := sse.WriteComment(w, "connected"); err != nil {
		return
	}
	flusher.Flush()

	heartbeats, stop := newHeartbeat(cfg.HeartbeatInterval)
	defer stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case now := <-heartbeats:
			if err := sse.WriteEvent(w, heartbeatEvent(now)); err != nil {
				client.logger.Warn("heartbeat error", "error", err)
				return
			}
			flusher.Flush()
		case ev, ok := <-client.send:
			if !ok {
				return
			}
			if err := sse.WriteEvent(w, ev); err != nil {
				client.logger.Warn("write error", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// checkAllowedOrigin accepts non-browser clients, same-host origins and the
// configured allow list.
func checkAllowedOrigin(origin, reqHost string, cfg Config) error {
	if origin == "" {
		return nil
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return errors.New("origin not allowed")
	}
	if strings.EqualFold(parsed.Host, reqHost) {
		return nil
	}

	trimmedOrigin := strings.TrimRight(origin, "/")
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "" {
			continue
		}
		if strings.EqualFold(strings.TrimRight(allowed, "/"), trimmedOrigin) {
			return nil
		}
	}

	return errors.New("origin not allowed")
}
