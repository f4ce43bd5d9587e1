// Command streamsub subscribes to event streams and prints what arrives, or
// serves a small feed to subscribe to.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/syntrixbase/streamsub/internal/config"
	"github.com/syntrixbase/streamsub/internal/logging"
)

// options holds flag values shared by all commands.
type options struct {
	configDir string
	baseURL   string
	token     string
	logLevel  string

	// tail
	reconnectDelay time.Duration
	maxMessages    int
	filter         string

	// serve
	listen string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "streamsub",
		Short:         "Subscribe to event streams that reconnect on their own",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return logging.Initialize(cfg.Logging)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return logging.Shutdown()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configDir, "config", config.DefaultDir, "directory holding config.yml and config.local.yml")
	flags.StringVar(&opts.baseURL, "base-url", "", "base URL for relative addresses")
	flags.StringVar(&opts.token, "token", "", "bearer token sent when connecting")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")

	root.AddCommand(newTailCmd(opts), newServeCmd(opts))
	return root
}

// load reads the configuration and applies flags, which take precedence
// over files and environment.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.configDir)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.Transport.BaseURL = o.baseURL
	}
	if flags.Changed("token") {
		cfg.Transport.Token = o.token
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
		cfg.Logging.Console.Level = o.logLevel
		cfg.Logging.File.Level = o.logLevel
	}
	if flags.Lookup("reconnect-delay") != nil && flags.Changed("reconnect-delay") {
		cfg.Subscription.ReconnectDelay = o.reconnectDelay
	}
	if flags.Lookup("max-messages") != nil && flags.Changed("max-messages") {
		cfg.Subscription.MaxMessages = o.maxMessages
	}
	if flags.Lookup("filter") != nil && flags.Changed("filter") {
		cfg.Subscription.Filter = o.filter
	}
	if flags.Lookup("listen") != nil && flags.Changed("listen") {
		cfg.Feed.Listen = o.listen
	}

	for _, v := range []interface{ Validate() error }{&cfg.Subscription, &cfg.Transport, &cfg.Logging, &cfg.Feed} {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("configuration error: %w", err)
		}
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("streamsub failed", "error", err)
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
