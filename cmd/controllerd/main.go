package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren/pkg/api"
	"github.com/cuemby/warren/pkg/auth"
	"github.com/cuemby/warren/pkg/blobstore"
	"github.com/cuemby/warren/pkg/config"
	"github.com/cuemby/warren/pkg/controller"
	"github.com/cuemby/warren/pkg/events"
	"github.com/cuemby/warren/pkg/liveness"
	"github.com/cuemby/warren/pkg/log"
	"github.com/cuemby/warren/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "controllerd",
	Short:   "Build controller for the Expo/iOS build mesh",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("controllerd version %s\nCommit: %s\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller process",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})
	logger := log.WithComponent("controllerd")

	blobs, err := blobstore.New(cfg.StorageRoot)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	ctl := controller.New(controller.Config{
		NodeID:            cfg.NodeID,
		BindAddr:          cfg.RaftBindAddr,
		DataDir:           cfg.DataDir,
		WorkerTokenTTL:    cfg.WorkerTokenTTL(),
		BuildSubmitterTTL: cfg.BuildSubmitterTTL(),
		OTPTTL:            cfg.OTPTTL(),
		VMTokenTTL:        cfg.VMTokenTTL(),
	}, store, blobs, broker, log.WithComponent("controller"))

	if err := ctl.Bootstrap(); err != nil {
		return fmt.Errorf("bootstrap raft: %w", err)
	}

	supervisor := liveness.New(liveness.Config{
		ScanInterval:          cfg.LivenessScanInterval(),
		BuildHeartbeatTimeout: cfg.BuildHeartbeatTimeout(),
		WorkerOfflineTimeout:  cfg.WorkerOfflineTimeout(),
	}, ctl)
	supervisor.Start()

	verifier := auth.New(cfg.APIKey, ctl)
	server := api.NewServer(ctl, verifier, cfg.MaxUploadBytes, log.WithComponent("api"))

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.HTTPBind).Msg("http server listening")
		if err := server.Start(cfg.HTTPBind); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	// Teardown: HTTP first (stop accepting new
	// work), then the liveness loop and event broker, then the
	// controller's raft node, leaving the durable store closed last.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	supervisor.Stop()
	broker.Stop()
	if err := ctl.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("raft shutdown")
	}
	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("store close")
	}

	logger.Info().Msg("shutdown complete")
	return nil
}
