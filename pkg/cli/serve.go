package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/getmockd/pubsubd/pkg/broker"
	"github.com/getmockd/pubsubd/pkg/logging"
	"github.com/getmockd/pubsubd/pkg/relay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker",
	Long: `Start the broker and serve WebSocket clients until interrupted.

The broker also serves /healthz and, unless --metrics-path is empty,
Prometheus metrics. With --relay-url, published payloads are relayed
through Redis to every broker sharing the same prefix.`,
	Example: `  pubsubd serve
  pubsubd serve --addr :8080 --path /pubsub
  pubsubd serve --relay-url redis://localhost:6379/0 --debug`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveFlags *serverFlags

func init() {
	serveFlags = addServerFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveFlags)
	if err != nil {
		return err
	}

	logCfg := cfg.Logging()
	logCfg.Output = cmd.ErrOrStderr()
	logger, closeLog, err := logging.Open(logCfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := []broker.Option{
		broker.WithLogger(logger),
		broker.WithMetrics(reg),
	}
	if cfg.Relay.Enabled {
		r, err := relay.NewRedis(ctx, cfg.Relay.Redis(), relay.WithRedisLogger(logger.With("component", "relay")))
		if err != nil {
			return fmt.Errorf("connect relay: %w", err)
		}
		opts = append(opts, broker.WithRelay(r))
	}

	srv := broker.NewServer(cfg.Broker(), opts...)
	if err := srv.ListenAndServe(ctx, cfg.Addr); err != nil {
		return err
	}
	logger.Info("broker stopped")
	return nil
}
