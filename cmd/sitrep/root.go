package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/sitrep/internal/api"
	"github.com/hyperengineering/sitrep/internal/archive"
	"github.com/hyperengineering/sitrep/internal/config"
	"github.com/hyperengineering/sitrep/internal/store"
	sitrepsync "github.com/hyperengineering/sitrep/internal/sync"
	"github.com/hyperengineering/sitrep/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "sitrep",
	Short: "Sitrep - Disaster-Response Coordination Service",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(userCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Load .env if present (secrets stay out of YAML)
	_ = godotenv.Load()

	// 2. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 3. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 4. Initialize logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 5. Build the conflict strategy registry
	strategies, err := sitrepsync.NewRegistry(cfg.Sync.DefaultStrategy, cfg.Sync.Strategies)
	if err != nil {
		return err
	}
	slog.Info("conflict strategies registered", "default", cfg.Sync.DefaultStrategy)

	// 6. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path, strategies)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 7. Initialize archive uploader (no-op when no endpoint configured)
	uploader, err := archive.NewUploader(cfg.Archive)
	if err != nil {
		return err
	}
	slog.Info("archive uploader initialized", "endpoint", cfg.Archive.Endpoint)

	// 8. Initialize live hub and HTTP router
	hub := api.NewHub(0)
	handler := api.NewHandler(db, uploader, hub, cfg, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 9. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 10. Start background workers
	var wg sync.WaitGroup
	seedWorker := worker.NewSeedWorker(db, cfg.Seed.Dir,
		time.Duration(cfg.Worker.SeedInterval), uploader,
		func(generatedAt time.Time) {
			hub.Broadcast(api.Event{Type: api.EventSeedRefreshed, At: generatedAt})
		})
	startWorker(ctx, &wg, "seed", seedWorker.Run)

	retentionWorker := worker.NewRetentionWorker(db,
		time.Duration(cfg.Worker.RetentionInterval),
		time.Duration(cfg.Worker.ConflictRetention),
		time.Duration(cfg.Worker.ChangeLogRetention))
	startWorker(ctx, &wg, "retention", retentionWorker.Run)

	// 11. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests, closes websockets)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Wait for workers to complete
	wg.Wait()

	// 13c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
