package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/streamsub/internal/subscription"
	"github.com/syntrixbase/streamsub/internal/transport"
	"github.com/syntrixbase/streamsub/pkg/model"
	"golang.org/x/sync/errgroup"
)

func newTailCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tail [address...]",
		Short: "Print messages from one or more streams as JSON lines",
		Long: `Subscribe to each address and print every retained message as one JSON
line on stdout. Connection state changes are logged to stderr. With several
addresses each line is wrapped as {"address": ..., "message": ...}.

Addresses are http(s):// SSE endpoints, ws(s):// WebSocket endpoints or
nats://host:port/subject. Relative addresses resolve against --base-url.
Without arguments the configured subscription.address is used.`,
		Example: `  streamsub tail http://localhost:8080/events
  streamsub tail --base-url http://localhost:8080 /events ws://localhost:8080/ws
  streamsub tail --filter 'msg.level == "error"' nats://localhost:4222/logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.DurationVar(&opts.reconnectDelay, "reconnect-delay", subscription.DefaultReconnectDelay, "wait between a failure and the next attempt")
	flags.IntVar(&opts.maxMessages, "max-messages", subscription.DefaultMaxMessages, "messages retained per subscription")
	flags.StringVar(&opts.filter, "filter", "", "CEL expression over msg; only matching messages are printed")
	return cmd
}

var errNoAddress = errors.New("no address given and subscription.address is empty")

func runTail(cmd *cobra.Command, opts *options, args []string) error {
	cfg := opts.cfg

	addresses := args
	if len(addresses) == 0 && subscription.NormalizeAddress(cfg.Subscription.Address) != "" {
		addresses = []string{cfg.Subscription.Address}
	}
	if len(addresses) == 0 {
		return errNoAddress
	}

	logger := slog.Default()
	registry, err := transport.NewDefaultRegistry(cfg.Transport, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &lineWriter{w: cmd.OutOrStdout(), wrap: len(addresses) > 1}
	g, gctx := errgroup.WithContext(ctx)
	for _, address := range addresses {
		subCfg := cfg.Subscription
		subCfg.Address = address
		subCfg.Enabled = subscription.Bool(true)
		g.Go(func() error {
			return tailOne(gctx, registry, subCfg, out, logger)
		})
	}
	return g.Wait()
}

// tailOne runs one Manager until ctx is done, printing each newly retained
// message once.
func tailOne(ctx context.Context, dialer transport.Dialer, cfg subscription.Config, out *lineWriter, logger *slog.Logger) error {
	m := subscription.NewManager(dialer, logger)
	defer m.Close()
	if err := m.Update(cfg); err != nil {
		return err
	}

	logger = logger.With("address", cfg.Address, "subscription_id", m.ID())
	var printed uint64
	state := subscription.StateIdle
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-m.Changes():
			if !ok {
				return nil
			}
		}

		snap := m.Snapshot()
		if snap.State != state {
			logger.Info("subscription state", "from", state.String(), "to", snap.State.String(), "error", snap.Err)
			state = snap.State
		}

		if snap.Received < printed {
			printed = 0
		}
		fresh := snap.Received - printed
		if fresh > uint64(len(snap.Messages)) {
			fresh = uint64(len(snap.Messages))
		}
		for _, msg := range snap.Messages[len(snap.Messages)-int(fresh):] {
			if err := out.write(cfg.Address, msg); err != nil {
				return err
			}
		}
		printed = snap.Received
	}
}

// lineWriter serializes JSON lines from concurrent subscriptions.
type lineWriter struct {
	mu   sync.Mutex
	w    io.Writer
	wrap bool
}

func (l *lineWriter) write(address string, msg model.Message) error {
	var v interface{} = msg
	if l.wrap {
		v = struct {
			Address string        `json:"address"`
			Message model.Message `json:"message"`
		}{address, msg}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return json.NewEncoder(l.w).Encode(v)
}
