// Command vidproof runs the forensic video-analysis service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/provenancelab/vidproof/pkg/analysis"
	"github.com/provenancelab/vidproof/pkg/api"
	"github.com/provenancelab/vidproof/pkg/infrastructure/config"
	"github.com/provenancelab/vidproof/pkg/infrastructure/logging"
	"github.com/provenancelab/vidproof/pkg/pipeline"
	"github.com/provenancelab/vidproof/pkg/scheduler"
	"github.com/provenancelab/vidproof/pkg/storage/blob"
	"github.com/provenancelab/vidproof/pkg/storage/memory"
	"github.com/provenancelab/vidproof/pkg/storage/postgres"
	"github.com/provenancelab/vidproof/pkg/upload"
	"github.com/provenancelab/vidproof/pkg/webhook"
)

var version = "dev"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "vidproof",
		Short:   "Forensic video-analysis service",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to JSON config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the analysis service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return migrate(cfg)
		},
	})

	return root
}

func migrate(cfg *config.Config) error {
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required for migrate")
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	ctx := context.Background()

	db, err := postgres.NewDatabase(ctx, &postgres.DatabaseConfig{
		ConnectionString: cfg.Database.URL,
		MaxConnections:   cfg.Database.MaxConnections,
		ConnectTimeout:   cfg.DatabaseConnectTimeout(),
		MigrationsPath:   cfg.Database.MigrationsPath,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}
	log.Info().Msg("migrations applied")
	return nil
}

func serve(cfg *config.Config) error {
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info().Str("version", version).Msg("vidproof starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := blob.NewStore(cfg.Storage.Root)
	if err != nil {
		return err
	}
	remote, err := blob.NewRemoteStore(ctx, cfg.Remote, log)
	if err != nil {
		return err
	}

	hooks := webhook.NewDispatcher(cfg.WebhookTimeout(), cfg.Webhook.RetryAttempts, log)
	registry := pipeline.NewRegistry(cfg.Pipeline.ProbePath, cfg.Pipeline.EncoderPath, log)
	publisher := pipeline.NewPublisher(store, remote, log)
	executor := pipeline.NewExecutor(store, blobs, registry, publisher, hooks, log)

	queueDepth := cfg.Pipeline.WorkerPoolSize * 64
	sched := scheduler.New(store, executor, cfg.Pipeline.WorkerPoolSize, queueDepth, log)
	if err := sched.Bootstrap(ctx); err != nil {
		log.Warn().Err(err).Msg("bootstrap scan failed")
	}

	assembler := upload.NewAssembler(blobs, cfg.Storage.ChunkSize, cfg.Storage.MaxFileSize, log)
	stopSweeper := startUploadSweeper(ctx, assembler, cfg.UploadMaxAge(), log)
	defer stopSweeper()

	server := api.NewServer(cfg, store, blobs, assembler, sched, hooks, log)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := sched.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("scheduler shutdown incomplete; unfinished jobs resume on next start")
	}
	if err := hooks.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("webhook dispatcher shutdown incomplete")
	}

	log.Info().Msg("vidproof stopped")
	return nil
}

// openStore selects postgres when a database URL is configured, falling
// back to the embedded in-memory store for single-process development.
func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (analysis.Store, func(), error) {
	if cfg.Database.URL == "" {
		log.Warn().Msg("no database configured, using in-memory store; jobs will not survive restarts")
		return memory.NewStore(), func() {}, nil
	}

	db, err := postgres.NewDatabase(ctx, &postgres.DatabaseConfig{
		ConnectionString: cfg.Database.URL,
		MaxConnections:   cfg.Database.MaxConnections,
		ConnectTimeout:   cfg.DatabaseConnectTimeout(),
		MigrationsPath:   cfg.Database.MigrationsPath,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := db.MigrateToLatest(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.NewJobStore(db), db.Close, nil
}

// startUploadSweeper reclaims abandoned chunked uploads on a fixed cadence.
// A zero age disables sweeping.
func startUploadSweeper(ctx context.Context, assembler *upload.Assembler, age time.Duration, log zerolog.Logger) func() {
	if age <= 0 {
		return func() {}
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := assembler.SweepOlderThan(age); err != nil {
					log.Warn().Err(err).Msg("upload sweep failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
