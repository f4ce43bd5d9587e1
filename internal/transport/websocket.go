package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"
	"github.com/syntrixbase/streamsub/internal/sse"
	"github.com/syntrixbase/streamsub/pkg/model"
	"go.uber.org/multierr"
)

const (
	// Maximum message size accepted from the peer.
	maxWebSocketMessageSize = 1 << 20

	// Time allowed to write the close message to the peer.
	closeWriteWait = time.Second
)

// WebSocketDialer opens streams over WebSocket. Every text or binary
// message is one frame whose payload is the message body.
type WebSocketDialer struct {
	config Config
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocketDialer creates a WebSocket dialer.
func NewWebSocketDialer(cfg Config, logger *slog.Logger) *WebSocketDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketDialer{
		config: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		logger: logger.With("component", "ws-transport"),
	}
}

// Dial performs the WebSocket handshake and starts the read pump.
func (d *WebSocketDialer) Dial(ctx context.Context, address string, opts DialOptions) (Stream, error) {
	header := buildHeader(d.config, d.logger)
	if opts.LastEventID != "" {
		header.Set("Last-Event-ID", opts.LastEventID)
	}

	conn, resp, err := d.dialer.DialContext(ctx, address, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: %d: %v", ErrUnexpectedStatus, resp.StatusCode, err)
		}
		return nil, err
	}
	conn.SetReadLimit(maxWebSocketMessageSize)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	s := newBaseStream(func() error {
		stop()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err := ignoreClosed(conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait)))
		return multierr.Append(err, ignoreClosed(conn.Close()))
	})
	d.logger.Debug("WebSocket stream opened", "address", address)

	go d.readPump(ctx, s, conn)
	return s, nil
}

// readPump is the only reader of conn.
func (d *WebSocketDialer) readPump(ctx context.Context, s *baseStream, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.finish(model.WrapError(ctx.Err()))
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.finish(nil)
			default:
				s.finish(err)
			}
			return
		}
		if !s.deliver(sse.Event{Data: string(data)}) {
			return
		}
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Compile-time check
var _ Dialer = (*WebSocketDialer)(nil)
