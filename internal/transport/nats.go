package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/syntrixbase/streamsub/internal/sse"
)

// NATSDialer subscribes to a NATS subject. Addresses look like
// nats://host:4222/orders.created?queue=workers; path segments are joined
// with "." to form the subject.
//
// The NATS client's own reconnect logic is disabled: a lost connection
// ends the stream and the caller decides when to dial again.
type NATSDialer struct {
	config Config
	logger *slog.Logger
}

// NewNATSDialer creates a NATS dialer.
func NewNATSDialer(cfg Config, logger *slog.Logger) *NATSDialer {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSDialer{
		config: cfg,
		logger: logger.With("component", "nats-transport"),
	}
}

// ParseNATSAddress splits a nats:// address into server URL, subject and queue group.
func ParseNATSAddress(address string) (server, subject, queue string, err error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid nats address %q: %w", address, err)
	}
	subject = strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", ".")
	if subject == "" {
		return "", "", "", fmt.Errorf("nats address %q has no subject", address)
	}
	queue = u.Query().Get("queue")

	serverURL := url.URL{Scheme: u.Scheme, User: u.User, Host: u.Host}
	return serverURL.String(), subject, queue, nil
}

// Dial connects to the server and subscribes to the subject.
func (d *NATSDialer) Dial(ctx context.Context, address string, _ DialOptions) (Stream, error) {
	server, subject, queue, err := ParseNATSAddress(address)
	if err != nil {
		return nil, err
	}

	ended := make(chan error, 1)

	options := []nats.Option{
		nats.Name(d.config.ClientName),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			select {
			case ended <- err:
			default:
			}
		}),
	}
	if d.config.HandshakeTimeout > 0 {
		options = append(options, nats.Timeout(d.config.HandshakeTimeout))
	}
	if d.config.Token != "" {
		options = append(options, nats.Token(d.config.Token))
	}

	nc, err := nats.Connect(server, options...)
	if err != nil {
		return nil, err
	}

	s := newBaseStream(nil)
	handler := func(m *nats.Msg) {
		ev := sse.Event{Data: string(m.Data)}
		if m.Header != nil {
			ev.ID = m.Header.Get(nats.MsgIdHdr)
		}
		s.deliver(ev)
	}

	var sub *nats.Subscription
	if queue != "" {
		sub, err = nc.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	s.closeFn = func() error {
		err := sub.Unsubscribe()
		nc.Close()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			return nil
		}
		return err
	}
	d.logger.Debug("NATS subscription opened", "server", server, "subject", subject, "queue", queue)

	go func() {
		select {
		case err := <-ended:
			if err == nil {
				err = nats.ErrConnectionClosed
			}
			s.finish(err)
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()
	return s, nil
}

// Compile-time check
var _ Dialer = (*NATSDialer)(nil)
