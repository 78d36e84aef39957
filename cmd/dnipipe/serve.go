package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridata/dnipipe/pkg/api"
	"github.com/veridata/dnipipe/pkg/config"
	"github.com/veridata/dnipipe/pkg/events"
	"github.com/veridata/dnipipe/pkg/log"
	"github.com/veridata/dnipipe/pkg/metrics"
	"github.com/veridata/dnipipe/pkg/processor"
	"github.com/veridata/dnipipe/pkg/recovery"
	"github.com/veridata/dnipipe/pkg/report"
	"github.com/veridata/dnipipe/pkg/retry"
	"github.com/veridata/dnipipe/pkg/session"
	"github.com/veridata/dnipipe/pkg/storage"
	"github.com/veridata/dnipipe/pkg/types"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline server",
	Long: `Start the HTTP API, the session manager, and the metrics collector.
Stranded records from a previous run are recovered before the first
worker can claim.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		return serve(configFile)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file (optional, env vars otherwise)")
}

func serve(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("data_dir", cfg.DataDir).
		Int("max_workers", cfg.MaxGlobalWorkers).
		Bool("headless", cfg.Headless).
		Msg("starting dnipipe")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	recoverySvc := recovery.NewService(store, broker)
	retrySvc := retry.NewService(store, broker)

	// Crash recovery before anything can claim.
	recovered, err := recoverySvc.RecoverAll()
	if err != nil {
		return fmt.Errorf("startup recovery failed: %w", err)
	}
	if recovered.Total() > 0 {
		logger.Warn().Int("records", recovered.Total()).Msg("recovered stranded records from previous run")
	}

	sessions := session.NewManager(cfg.MaxGlobalWorkers, cfg.SessionIdleTimeout, broker)
	sessions.StartJanitor()

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	server := api.NewServer(api.Deps{
		Config:          cfg,
		Store:           store,
		Sessions:        sessions,
		Recovery:        recoverySvc,
		Retry:           retrySvc,
		Reporter:        report.NewReporter(store),
		Broker:          broker,
		SuneduProcessor: processor.NewSimulated(types.StageSunedu().Name),
		SuneduDrivers:   processor.NullDriverFactory{},
		MineduProcessor: processor.NewSimulated(types.StageMinedu().Name),
		MineduDrivers:   processor.NullDriverFactory{},
		Version:         Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.ListenAddr()); err != nil {
			errCh <- fmt.Errorf("api server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("api shutdown error")
	}
	sessions.Drain()

	logger.Info().Msg("shutdown complete")
	return nil
}
