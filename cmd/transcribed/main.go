package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/IvanSolovey/transcription-api/pkg/api"
	"github.com/IvanSolovey/transcription-api/pkg/auth"
	"github.com/IvanSolovey/transcription-api/pkg/config"
	"github.com/IvanSolovey/transcription-api/pkg/intake"
	"github.com/IvanSolovey/transcription-api/pkg/log"
	"github.com/IvanSolovey/transcription-api/pkg/models"
	"github.com/IvanSolovey/transcription-api/pkg/queue"
	"github.com/IvanSolovey/transcription-api/pkg/storage"
	"github.com/IvanSolovey/transcription-api/pkg/transcriber"
	"github.com/IvanSolovey/transcription-api/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "transcribed",
	Short: "Transcribed - Multi-tenant audio transcription service",
	Long: `Transcribed accepts audio and video transcription jobs over HTTP,
queues them in a bounded in-memory queue, and processes them with a
fixed pool of workers backed by a durable SQLite task store.

Access is controlled by per-client API keys; administration is
guarded by a master token generated on first start.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Transcribed version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the transcription server",
	Long: `Run the HTTP API, the worker pool, and the model manager as a
single process. Interrupted tasks from a previous run are marked
failed on startup, and the master token is generated and logged
once if none exists.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML config file")
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	serveCmd.Flags().String("db", "", "SQLite database path (overrides config)")
	serveCmd.Flags().String("staging-dir", "", "Staging directory for uploads (overrides config)")
	serveCmd.Flags().String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		cfg.DatabasePath = v
	}
	if v, _ := cmd.Flags().GetString("staging-dir"); v != "" {
		cfg.StagingDir = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", Version).
		Str("listen", cfg.ListenAddr).
		Str("db", cfg.DatabasePath).
		Msg("starting transcribed")

	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer func() { _ = store.Close() }()

	// Tasks left processing by a previous run cannot be resumed; their
	// staged files are gone with the old process.
	recovered, err := store.RecoverInterrupted()
	if err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	if recovered > 0 {
		logger.Warn().Int("tasks", recovered).Msg("marked interrupted tasks as failed")
	}

	keys := auth.NewManager(store)
	created, err := keys.EnsureMasterToken()
	if err != nil {
		return fmt.Errorf("failed to ensure master token: %w", err)
	}
	if created {
		logger.Info().Msg("master token generated; see the log line above and store it securely")
	}

	mm := models.NewManager(models.Config{Strict: cfg.StrictMemoryCheck})
	q := queue.New(cfg.QueueCapacity)
	engine := transcriber.NewExecTranscriber(cfg.EngineCommand)

	in := intake.NewService(store, keys, mm, engine, q, intake.Config{
		StagingDir:      cfg.StagingDir,
		DefaultLanguage: cfg.DefaultLanguage,
	})

	pool := worker.NewPool(store, keys, mm, engine, q, worker.Config{
		Workers:     cfg.Workers,
		TaskTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
	})
	pool.Start()

	server := api.NewServer(store, keys, mm, q, in, api.Config{
		Version:          Version,
		Workers:          cfg.Workers,
		DefaultLanguage:  cfg.DefaultLanguage,
		DefaultModelSize: cfg.DefaultModelSize,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ListenAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	}

	// Stop accepting requests, then let in-flight tasks finish or time out
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP shutdown failed")
	}
	pool.Stop()

	logger.Info().Msg("transcribed stopped")
	return nil
}
