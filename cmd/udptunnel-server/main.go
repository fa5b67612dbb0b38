// udptunnel-server multiplexes many TCP connections over a single UDP
// flow, relaying bytes to whatever host:port each tunnel's HELLO names.
package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/udptunnel/udptunnel-server/internal/config"
	"github.com/udptunnel/udptunnel-server/internal/events"
	"github.com/udptunnel/udptunnel-server/internal/logging"
	"github.com/udptunnel/udptunnel-server/internal/metrics"
	"github.com/udptunnel/udptunnel-server/internal/tunserver"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		logLevel     string
		eventsOutput string
		metricsAddr  string
		ipv6         bool
	)

	cmd := &cobra.Command{
		Use:     "udptunnel-server [host] <port>",
		Short:   "Multiplex TCP connections over a single UDP tunnel",
		Version: Version,
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host, port, err := parseListenArgs(args, ipv6)
			if err != nil {
				return err
			}
			return run(cmd.Context(), host, port, logLevel, eventsOutput, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&logLevel, "log", "info", "Log level: error|warn|info|debug|trace")
	cmd.Flags().StringVar(&eventsOutput, "events-output", "", "Write JSON Line events to: stdout, stderr, or a file path")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus /metrics on (disabled if empty)")
	cmd.Flags().BoolVarP(&ipv6, "ipv6", "6", false, "With only a port given, bind the IPv6 wildcard (::) instead of 0.0.0.0; a given host is bound as it resolves")

	return cmd
}

// parseListenArgs accepts either "port" (binding every local address) or
// "host port", matching the original command line's [host] port shape.
func parseListenArgs(args []string, ipv6 bool) (host, port string, err error) {
	if len(args) == 1 {
		host = "::"
		if !ipv6 {
			host = "0.0.0.0"
		}
		return host, args[0], nil
	}
	return args[0], args[1], nil
}

func run(ctx context.Context, host, port, logLevelStr, eventsOutput, metricsAddr string) error {
	level, err := logging.ParseLevel(logLevelStr)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(level)

	emitter, err := createEmitter(eventsOutput)
	if err != nil {
		return fmt.Errorf("creating event emitter: %w", err)
	}
	defer emitter.Close()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		return fmt.Errorf("resolving listen address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("binding UDP socket: %w", err)
	}

	logger.Info("udptunnel-server %s listening on %s", Version, conn.LocalAddr())
	if eventsOutput != "" {
		logger.Info("events output: %s", eventsOutput)
	}

	if cfg.MetricsAddr != "" {
		go func() {
			logger.Info("metrics listening on %s", cfg.MetricsAddr)
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logger.Error("metrics server stopped: %v", err)
			}
		}()
	}

	srv := tunserver.New(conn, cfg, logger, emitter)
	return srv.Run(ctx)
}

// createEmitter builds the event emitter for output, one of: "" (no-op),
// "stdout", "stderr", or a file path to append JSON Lines to. Emission is
// async: Emit is called straight from the dispatch goroutine's hot path
// (internal/tunserver), and a slow or blocked writer must never stall it.
func createEmitter(output string) (events.Emitter, error) {
	switch output {
	case "":
		return events.NopEmitter{}, nil
	case "stdout":
		return events.NewAsyncJSONLineWriter(os.Stdout), nil
	case "stderr":
		return events.NewAsyncJSONLineWriter(os.Stderr), nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening events file %q: %w", output, err)
		}
		return events.NewAsyncJSONLineWriter(f), nil
	}
}
