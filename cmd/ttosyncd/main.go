package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jordan-lee502/polygon-editor-back/internal/config"
	"github.com/jordan-lee502/polygon-editor-back/internal/daemon"
	"github.com/jordan-lee502/polygon-editor-back/internal/storage"
	"github.com/jordan-lee502/polygon-editor-back/internal/tto"
	"github.com/jordan-lee502/polygon-editor-back/internal/version"
)

func main() {
	// Handle version command before anything else (for CI testing)
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("ttosyncd %s\n", version.Version)
		return
	}

	var (
		dbPath     = flag.String("db", storage.DefaultDBPath(), "path to sqlite database")
		configPath = flag.String("config", config.GlobalConfigPath(), "path to config file")
		addr       = flag.String("addr", "", "server address (overrides config)")
		workers    = flag.Int("workers", 0, "number of workers (overrides config)")
	)
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("Starting ttosyncd...")

	// Load configuration from specified path
	cfg, err := config.LoadGlobalFrom(*configPath)
	if err != nil {
		log.Printf("Warning: failed to load config from %s: %v", *configPath, err)
		cfg = config.DefaultConfig()
	}

	// Apply flag overrides
	if *addr != "" {
		cfg.ServerAddr = *addr
	}
	if *workers > 0 {
		cfg.MaxWorkers = *workers
	}

	// Open database
	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	log.Printf("Database: %s", *dbPath)

	executor := buildExecutor(context.Background(), db, cfg.TTO)

	// Create and start server
	server := daemon.NewServer(db, cfg, *configPath, executor)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		server.Stop()
		os.Exit(0)
	}()

	// Start server (blocks until shutdown)
	if err := server.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

// buildExecutor wires the sync executor for the configured upstream mode.
// A bad config does not prevent startup: the daemon still serves status
// and config APIs, and jobs fail with the configuration error until it
// is fixed.
func buildExecutor(ctx context.Context, db *storage.DB, ttoCfg config.TTOConfig) daemon.SyncExecutor {
	if err := ttoCfg.Validate(); err != nil {
		log.Printf("Warning: TTO upstream not configured: %v (sync jobs will fail)", err)
		return &disabledExecutor{reason: err}
	}

	switch ttoCfg.Mode {
	case "postgres":
		store, err := tto.NewPGStore(ctx, ttoCfg.PostgresURL, ttoCfg.UserEmail, ttoCfg.ActorEmail, tto.DefaultPGConfig())
		if err != nil {
			log.Printf("Warning: TTO postgres upstream unavailable: %v (sync jobs will fail)", err)
			return &disabledExecutor{reason: err}
		}
		log.Printf("TTO upstream: postgres")
		return tto.NewExecutor(db, store)
	default:
		api := tto.NewClient(ttoCfg.BaseURL, ttoCfg.AuthCode, ttoCfg.UserEmail, ttoCfg.ActorEmail, ttoCfg.Timeout())
		log.Printf("TTO upstream: http (%s)", ttoCfg.BaseURL)
		return tto.NewExecutor(db, api)
	}
}

// disabledExecutor fails every job with the reason the upstream could
// not be wired, so the failure shows up on the job instead of in a log
// nobody reads.
type disabledExecutor struct {
	reason error
}

func (e *disabledExecutor) SyncWorkspace(ctx context.Context, workspaceID int64, progress tto.Progress) (*tto.SyncReport, error) {
	return nil, fmt.Errorf("sync disabled: %w", e.reason)
}
