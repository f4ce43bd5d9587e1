package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/streamsub/internal/realtime"
	"go.uber.org/multierr"
)

func newServeCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a feed server to subscribe to",
		Long: `Serve an event feed until SIGINT or SIGTERM.

  GET  /events   SSE stream
  GET  /ws       WebSocket stream
  POST /publish  broadcast a JSON message with a string "type" field
  GET  /health   status and client count

Every client also receives {"type":"heartbeat"} messages at
feed.heartbeat_interval.`,
		Example: `  streamsub serve --listen :8080
  curl -d '{"type":"log","msg":"hello"}' localhost:8080/publish`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.listen, "listen", realtime.DefaultConfig().Listen, "HTTP listen address")
	return cmd
}

func runServe(ctx context.Context, opts *options) error {
	cfg := opts.cfg.Feed
	srv := realtime.NewServer(cfg, slog.Default())

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := srv.Start(ctx)
	slog.Info("Shutting down feed server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return multierr.Append(err, srv.Stop(shutdownCtx))
}
