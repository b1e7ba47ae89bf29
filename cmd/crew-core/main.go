package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/crew-core/internal/catalog"
	"github.com/tributary-ai/crew-core/internal/config"
	"github.com/tributary-ai/crew-core/internal/crew"
	"github.com/tributary-ai/crew-core/internal/dispatch"
	"github.com/tributary-ai/crew-core/internal/facade"
	"github.com/tributary-ai/crew-core/internal/middleware"
	"github.com/tributary-ai/crew-core/internal/routing"
	"github.com/tributary-ai/crew-core/internal/server"
	"github.com/tributary-ai/crew-core/internal/store"
)

// Application represents the main application
type Application struct {
	config     *config.Config
	dispatcher *dispatch.Service
	security   *middleware.SecurityMiddleware
	server     *server.Server
	logger     *logrus.Logger
	closeStore func() error
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	options := cfg.Catalog
	if len(options) == 0 {
		options = catalog.DefaultOptions()
	}
	cat, err := catalog.New(options, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build model catalog: %w", err)
	}

	router := routing.NewRouter(cat, cfg.Router, logger)

	orchestrator, err := crew.NewOrchestrator(cfg.Crew.Participants, router, cat, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator: %w", err)
	}

	requests, memories, closeStore, err := openStores(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	engine := dispatch.NewEngineClient(cfg.Engine, logger)
	dispatcher := dispatch.NewService(cfg.Dispatch, requests, engine, logger)

	securityMiddleware, err := middleware.NewSecurityMiddleware(cfg.ToSecurityMiddlewareConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize security middleware: %w", err)
	}
	dispatcher.SetAuditor(securityMiddleware.Auditor())

	memoryFacade := facade.New(memories, securityMiddleware.Auditor(), logger)

	serverInstance, err := server.NewServer(server.Deps{
		Router:       router,
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		Memories:     memoryFacade,
		Catalog:      cat,
		Security:     securityMiddleware,
	}, cfg.ToServerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	return &Application{
		config:     cfg,
		dispatcher: dispatcher,
		security:   securityMiddleware,
		server:     serverInstance,
		logger:     logger,
		closeStore: closeStore,
	}, nil
}

// Run starts the application
func (app *Application) Run() error {
	app.logger.Info("Starting Crew Core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		app.logger.WithField("address", ":"+app.config.Server.Port).Info("HTTP server starting")
		if err := app.server.Start(); err != nil {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	// Periodically delete expired non-terminal tracking records
	go app.cleanupLoop(ctx)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
	defer shutdownCancel()

	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.dispatcher.Shutdown()

	if app.closeStore != nil {
		if err := app.closeStore(); err != nil {
			app.logger.WithError(err).Warn("Storage close error")
		}
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// cleanupLoop runs expired-request cleanup at half the request TTL.
func (app *Application) cleanupLoop(ctx context.Context) {
	interval := app.config.Dispatch.RequestTTL / 2
	if interval <= 0 {
		interval = 30 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := app.dispatcher.CleanupExpiredRequests(ctx); err != nil {
				app.logger.WithError(err).Warn("Expired request cleanup failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// openStores builds the request and memory stores for the configured
// driver, returning a close function for drivers that hold resources.
func openStores(cfg config.StorageConfig) (store.RequestStore, store.MemoryStore, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := store.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		return db, db, db.Close, nil
	default:
		mem := store.NewMemStore()
		return mem, mem, nil, nil
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  CREW_CORE_PORT        Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  CREW_CORE_ENGINE_URL  Automation engine webhook URL\n")
	fmt.Fprintf(os.Stderr, "  CREW_CORE_JWT_SECRET  JWT signing secret\n")
	fmt.Fprintf(os.Stderr, "  CREW_CORE_DB_PATH     SQLite database path (enables sqlite storage)\n")
	fmt.Fprintf(os.Stderr, "  CREW_CORE_LOG_LEVEL   Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  CREW_CORE_LOG_FORMAT  Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/config.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  CREW_CORE_ENGINE_URL=http://engine:5678/webhook/crew %s\n", os.Args[0])
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help message")
		version    = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *version {
		fmt.Printf("Crew Core v1.0.0\n")
		os.Exit(0)
	}

	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
