package main

import (
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ReshiAdavan/Bastion/metrics"
	"github.com/ReshiAdavan/Bastion/raft"
	"github.com/ReshiAdavan/Bastion/transport"
)

func main() {
	var metricsAddr string

	root := &cobra.Command{
		Use:   "bastion <port> <id> <peer>...",
		Short: "Replicated key-value store replica",
		Long: "Bastion runs one replica of a Raft-replicated key-value store. It connects\n" +
			"to the simulator relay over UDP on localhost:<port>, identifies itself as\n" +
			"<id>, and coordinates with the listed peer IDs.",
		Args: cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid relay port %q: %w", args[0], err)
			}
			return run(port, args[1], args[2:], metricsAddr)
		},
		SilenceUsage: true,
	}
	root.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (disabled when empty)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(port int, id string, peers []string, metricsAddr string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	conn, err := transport.Dial(port)
	if err != nil {
		return err
	}
	defer conn.Close()

	reg := prometheus.NewRegistry()
	set := metrics.New(reg)
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	replica := raft.New(raft.Config{
		ID:      id,
		Peers:   peers,
		Logger:  logger,
		Metrics: set,
	}, conn)
	replica.Run()
	return nil
}

// newLogger builds the stdout event log: human-readable, one line per event,
// flushed as it goes.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
