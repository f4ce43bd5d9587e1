package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"

	"github.com/syntrixbase/streamsub/internal/sse"
	"github.com/syntrixbase/streamsub/pkg/model"
)

// SSEDialer opens Server-Sent Events streams over HTTP.
type SSEDialer struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// NewSSEDialer creates an HTTP SSE dialer. client may be nil.
func NewSSEDialer(cfg Config, client *http.Client, logger *slog.Logger) *SSEDialer {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		// No overall timeout: the response body is the stream.
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: cfg.HandshakeTimeout}).DialContext,
				TLSHandshakeTimeout:   cfg.HandshakeTimeout,
				ResponseHeaderTimeout: cfg.HandshakeTimeout,
			},
		}
	}
	return &SSEDialer{
		config: cfg,
		client: client,
		logger: logger.With("component", "sse-transport"),
	}
}

// Dial issues the GET request and starts reading frames from the body.
// Non-200 responses and non event-stream content types are open failures.
func (d *SSEDialer) Dial(ctx context.Context, address string, opts DialOptions) (Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, address, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header = buildHeader(d.config, d.logger)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if opts.LastEventID != "" {
		req.Header.Set("Last-Event-ID", opts.LastEventID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType != "text/event-stream" {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedContentType, resp.Header.Get("Content-Type"))
	}

	s := newBaseStream(func() error {
		cancel()
		return resp.Body.Close()
	})
	d.logger.Debug("SSE stream opened", "address", address, "last_event_id", opts.LastEventID)

	go d.readLoop(streamCtx, s, resp.Body)
	return s, nil
}

func (d *SSEDialer) readLoop(ctx context.Context, s *baseStream, body io.Reader) {
	reader := sse.NewReader(body)
	for {
		ev, err := reader.Next()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.finish(model.WrapError(ctx.Err()))
			case errors.Is(err, io.EOF):
				s.finish(nil)
			default:
				s.finish(model.WrapError(err))
			}
			return
		}
		if !s.deliver(ev) {
			return
		}
	}
}

// Compile-time check
var _ Dialer = (*SSEDialer)(nil)
