package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomkit/loomkit/pkg/broker"
	"github.com/loomkit/loomkit/pkg/entitystore"
	"github.com/loomkit/loomkit/pkg/log"
	"github.com/loomkit/loomkit/pkg/metrics"
	"github.com/loomkit/loomkit/pkg/pipeline"
	"github.com/loomkit/loomkit/pkg/resourceaccess"
	"github.com/loomkit/loomkit/pkg/typeindex"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "resourced",
	Short: "loomkit resource process - owns one revisioned entity store and serves it over ResourceAccess",
	Long: `resourced is the resource-side half of a loomkit instance: it owns a
single revisioned entity store and index set on disk, applies mutation
commands through the pipeline, and serves queries and live updates to
facade consumers over a Unix-domain ResourceAccess socket.`,
	Version: Version,
	RunE:    runResourced,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"resourced version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().String("instance-id", "default", "Instance identifier, used to label metrics and logs")
	rootCmd.Flags().String("storage-root", "./loomkit-data", "Directory holding this instance's bbolt database")
	rootCmd.Flags().String("socket-path", "./loomkit-data/resourced.sock", "Unix-domain socket ResourceAccess listens on")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the Prometheus /metrics endpoint")
	rootCmd.Flags().Bool("enable-pprof", false, "Enable pprof profiling endpoints on the metrics server")
	rootCmd.Flags().Duration("cleanup-interval", 5*time.Minute, "Interval between revision-compaction passes")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runResourced(cmd *cobra.Command, args []string) error {
	instanceID, _ := cmd.Flags().GetString("instance-id")
	storageRoot, _ := cmd.Flags().GetString("storage-root")
	socketPath, _ := cmd.Flags().GetString("socket-path")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	pprofEnabled, _ := cmd.Flags().GetBool("enable-pprof")
	cleanupInterval, _ := cmd.Flags().GetDuration("cleanup-interval")

	logger := log.WithInstance(instanceID)

	if err := os.MkdirAll(storageRoot, 0o755); err != nil {
		return fmt.Errorf("create storage root: %w", err)
	}

	store, err := entitystore.Open(storageRoot, instanceID)
	if err != nil {
		return fmt.Errorf("open entity store: %w", err)
	}
	defer store.Close()

	registry := typeindex.NewRegistry()
	typeindex.ConfigureAll(registry)

	revisions := broker.New[uint64](64, 32)
	revisions.Start()
	defer revisions.Stop()

	notifications := broker.New[resourceaccess.Notification](64, 32)
	notifications.Start()
	defer notifications.Stop()

	p := pipeline.New(store, registry, revisions)

	cleanup := pipeline.NewCleanup(instanceID, store, cleanupInterval)
	cleanup.Start()
	defer cleanup.Stop()

	collector := metrics.NewCollector(instanceID, store)
	collector.Start()
	defer collector.Stop()

	handler := &resourceHandler{store: store, pipeline: p, registry: registry}

	server, err := resourceaccess.NewServer(socketPath, handler, revisions, notifications)
	if err != nil {
		return fmt.Errorf("bind resourceaccess socket: %w", err)
	}
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := server.Serve(ctx); err != nil {
			serveErrCh <- err
		}
	}()
	logger.Info().Str("socket", socketPath).Msg("resourceaccess listening")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		if pprofEnabled {
			mux.Handle("/debug/pprof/", http.DefaultServeMux)
		}
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")
	if pprofEnabled {
		logger.Info().Str("addr", metricsAddr).Msg("pprof endpoints enabled under /debug/pprof")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-serveErrCh:
		logger.Error().Err(err).Msg("resourceaccess server error")
	}

	cancel()
	logger.Info().Msg("shutdown complete")
	return nil
}
