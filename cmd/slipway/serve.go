package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"slipway/internal/classify"
	"slipway/internal/config"
	"slipway/internal/events"
	"slipway/internal/platform"
	"slipway/internal/recovery"
	"slipway/internal/server"
	"slipway/internal/store"
	"slipway/internal/supervise"
	"slipway/internal/workflow"
	"slipway/pkg/fileutil"

	"github.com/spf13/cobra"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline server",
	Long: `Start the HTTP server that runs the pipeline.

The server accepts task API requests and GitHub push webhooks, runs
install/build/deploy for the matching project, and streams progress over
/api/events.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("SLIPWAY_CONFIG_FILE", ""), "Path to projects.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("SLIPWAY_LOG_FILE", "./slipway.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("SLIPWAY_DB_PATH", "./slipway.db"), "Path to SQLite database")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("SLIPWAY_HOST", "127.0.0.1"), "Host to bind to")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("SLIPWAY_PORT", 5000), "Port to listen on")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("SLIPWAY_TEST_MODE") == "1", "Disable rate limiting (for tests)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine config file path
	if configFile == "" {
		searchPaths := fileutil.DefaultConfigPaths("projects.yaml")
		configFile = fileutil.SearchPathsOptional(searchPaths)
		if configFile == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, path := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", path)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return fmt.Errorf("configuration file not found")
		}
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting slipway")

	// Load configuration
	logger.Info("Loading configuration", "config", configFile)
	_, projects, err := config.LoadConfig(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("Configuration validated successfully", "count", len(projects))

	// Warn if no projects are configured
	if len(projects) == 0 {
		logger.Warn("No projects configured in config file", "config", configFile)
		logger.Warn("The server will start but won't run anything until projects are added")
	}

	registry := config.NewRegistry(projects)

	// Open the task store
	logger.Info("Opening task store", "db", dbPath)
	st, err := store.NewStore(dbPath)
	if err != nil {
		logger.Error("Failed to open task store", "error", err)
		return fmt.Errorf("failed to open task store: %w", err)
	}

	bus := events.NewBus(logger)

	// Persist the event stream in the background
	mirrorCtx, stopMirror := context.WithCancel(context.Background())
	defer stopMirror()
	go store.NewMirror(st, bus, logger).Run(mirrorCtx)

	sup := supervise.New(logger)

	platforms := platform.NewRegistry()
	platforms.Register(platform.NewLocal(logger))
	platforms.Register(platform.NewGitHub(logger))
	platforms.Register(platform.NewScript(superviseRunner(sup), logger))

	engine := workflow.NewEngine(workflow.Deps{
		Store:      st,
		Bus:        bus,
		Supervisor: sup,
		Classifier: classify.New(),
		Recovery:   recovery.New(),
		Platforms:  platforms,
		Projects:   registry,
		Logger:     logger,
	})

	srv := server.NewServer(registry, st, engine, bus, logger, testMode)

	// Stop on SIGINT/SIGTERM, letting in-flight runs finish
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", "host", host, "port", port)
		errCh <- srv.Start(host, port)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		logger.Info("Shutting down, waiting for in-flight runs")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Shutdown finished with error", "error", err)
		}
	}

	return nil
}

// superviseRunner adapts the supervisor to the script platform's
// command contract.
func superviseRunner(sup *supervise.Supervisor) platform.CommandRunner {
	return func(ctx context.Context, argv []string, dir string, env map[string]string) (string, string, int, error) {
		res, err := sup.Run(ctx, supervise.Request{
			Command: argv[0],
			Args:    argv[1:],
			Dir:     dir,
			Env:     env,
		})
		if err != nil {
			return "", "", -1, err
		}
		if res.SpawnErr != "" {
			return res.Stdout, res.Stderr, res.ExitCode, errors.New(res.SpawnErr)
		}
		return res.Stdout, res.Stderr, res.ExitCode, nil
	}
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler)

	return logger, file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
