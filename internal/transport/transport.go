// Package transport opens event streams. A Dialer turns an address into a
// Stream of SSE frames; the Registry picks a Dialer by URL scheme and
// resolves relative addresses against a base URL.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/syntrixbase/streamsub/internal/sse"
)

var (
	// ErrUnsupportedScheme is returned when no dialer is registered for an address scheme
	ErrUnsupportedScheme = errors.New("unsupported address scheme")
	// ErrUnexpectedStatus is returned when the server rejects the stream request
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrUnexpectedContentType is returned when the server does not answer with an event stream
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrRelativeAddress is returned when a relative address is dialed without a base URL
	ErrRelativeAddress = errors.New("relative address without base url")
)

// DialOptions carries per-attempt dial parameters.
type DialOptions struct {
	// LastEventID is sent to servers that support resuming a stream.
	LastEventID string
}

// Stream is one live connection delivering frames.
//
// Events is never closed; Done is closed when the stream ends for any
// reason, after which Err reports why (nil for a clean end of stream).
type Stream interface {
	Events() <-chan sse.Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens streams. A returned error is a synchronous open failure.
type Dialer interface {
	Dial(ctx context.Context, address string, opts DialOptions) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, address string, opts DialOptions) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, address string, opts DialOptions) (Stream, error) {
	return f(ctx, address, opts)
}

// Registry dispatches to a Dialer by URL scheme.
type Registry struct {
	base *url.URL

	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewRegistry creates an empty registry. baseURL may be empty, in which
// case only absolute addresses can be dialed.
func NewRegistry(baseURL string) (*Registry, error) {
	r := &Registry{dialers: make(map[string]Dialer)}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
		}
		if !u.IsAbs() {
			return nil, fmt.Errorf("base url %q must be absolute", baseURL)
		}
		r.base = u
	}
	return r, nil
}

// NewDefaultRegistry registers the SSE, WebSocket and NATS dialers.
func NewDefaultRegistry(cfg Config, logger *slog.Logger) (*Registry, error) {
	r, err := NewRegistry(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	sseDialer := NewSSEDialer(cfg, nil, logger)
	wsDialer := NewWebSocketDialer(cfg, logger)
	r.Register("http", sseDialer)
	r.Register("https", sseDialer)
	r.Register("ws", wsDialer)
	r.Register("wss", wsDialer)
	r.Register("nats", NewNATSDialer(cfg, logger))
	return r, nil
}

// Register installs d for scheme, replacing any previous dialer.
func (r *Registry) Register(scheme string, d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[strings.ToLower(scheme)] = d
}

// Resolve turns address into an absolute URL.
func (r *Registry) Resolve(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if u.IsAbs() {
		return u, nil
	}
	if r.base == nil {
		return nil, fmt.Errorf("%w: %s", ErrRelativeAddress, address)
	}
	return r.base.ResolveReference(u), nil
}

// Dial resolves address and hands it to the dialer registered for its scheme.
func (r *Registry) Dial(ctx context.Context, address string, opts DialOptions) (Stream, error) {
	u, err := r.Resolve(address)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	d, ok := r.dialers[strings.ToLower(u.Scheme)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	return d.Dial(ctx, u.String(), opts)
}

// Compile-time check
var _ Dialer = (*Registry)(nil)
