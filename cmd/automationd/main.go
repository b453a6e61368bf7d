package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nebojsa-prodana/automation-client/internal/api"
	"github.com/nebojsa-prodana/automation-client/internal/config"
	"github.com/nebojsa-prodana/automation-client/internal/doctor"
	"github.com/nebojsa-prodana/automation-client/internal/engine"
	"github.com/nebojsa-prodana/automation-client/internal/history"
	"github.com/nebojsa-prodana/automation-client/internal/lock"
	"github.com/nebojsa-prodana/automation-client/internal/log"
	"github.com/nebojsa-prodana/automation-client/internal/storage"
	"github.com/nebojsa-prodana/automation-client/internal/tui/watch"
	"github.com/nebojsa-prodana/automation-client/internal/worker"
)

const version = "0.2.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "check":
		os.Exit(runCheck(args))
	case "version":
		fmt.Printf("automationd version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`automationd - master/worker automation coordinator

Usage:
  automationd <command> [flags]

Commands:
  start     Run the coordinator in the foreground
  watch     Live terminal monitor for a running coordinator
  check     Validate configuration and host environment
  version   Show version information
  help      Show this help message

Flags for start:
  --config <path>   Path to the YAML configuration file (required)

Flags for watch:
  --api <url>       Coordinator API base URL (default http://127.0.0.1:7180)
`)
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "--config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("automationd starting", "version", version, "config", *configPath, "digest", cfg.Digest)

	pidLock, err := lock.Acquire(cfg.Service.PIDFile)
	if err != nil {
		logger.Error("failed to acquire pid file", "path", cfg.Service.PIDFile, "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx := context.Background()

	var recorder engine.Recorder
	var hist *history.Log
	if cfg.History.Enabled {
		db, err := storage.OpenSQLite(ctx, cfg.History.Path)
		if err != nil {
			logger.Error("failed to open database", "path", cfg.History.Path, "error", err)
			return 1
		}
		defer db.Close()
		hist = history.New(db)
		recorder = hist
		logger.Info("history store open", "path", cfg.History.Path)
	}

	// exitCh funnels worker shutdown-requests into the main goroutine so
	// deferred cleanup still runs.
	exitCh := make(chan int, 1)
	eng := engine.New(engine.Config{
		MaxConcurrentPerWorker: cfg.Pool.MaxConcurrentPerWorker,
		MetricsInterval:        cfg.Service.MetricsInterval,
	}, engine.Options{
		Recorder: recorder,
		Exit: func(code int) {
			select {
			case exitCh <- code:
			default:
			}
		},
	})

	pool := worker.NewPool(worker.Config{
		NumWorkers:   cfg.Pool.NumWorkers,
		Entrypoint:   cfg.Pool.WorkerEntrypoint,
		Args:         cfg.Pool.WorkerArgs,
		StartTimeout: cfg.Pool.StartTimeout,
	}, eng)
	eng.AttachPool(pool)

	if err := pool.Start(ctx); err != nil {
		logger.Error("failed to start worker pool", "error", err)
		return 1
	}
	eng.Start()

	var srv *api.Server
	apiErr := make(chan error, 1)
	if cfg.API.Enabled {
		var reader api.HistoryReader
		if hist != nil {
			reader = hist
		}
		srv = api.NewServer(api.Config{
			Listen:        cfg.API.Listen,
			SubmitTimeout: cfg.API.SubmitTimeout,
			ConfigDigest:  cfg.Digest,
			AuthToken:     cfg.API.AuthToken,
		}, eng, reader, eng.Hub())
		go func() { apiErr <- srv.Start() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig.String())
	case code := <-exitCh:
		logger.Info("worker requested shutdown", "code", code)
		exitCode = code
	case err := <-apiErr:
		if err != nil {
			logger.Error("api server failed", "error", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown incomplete", "error", err)
		}
	}
	pool.Shutdown(shutdownCtx)
	eng.Stop()
	if hist != nil {
		hist.Close()
	}

	logger.Info("automationd stopped", "exit_code", exitCode)
	return exitCode
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	asJSON := fs.Bool("json", false, "Emit the result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "--config is required")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	result := doctor.New(cfg).Validate()

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	} else {
		for _, issue := range result.Errors {
			fmt.Printf("ERROR   [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Printf("WARNING [%s] %s: %s\n", issue.Category, issue.Field, issue.Message)
		}
		if result.Valid {
			fmt.Println("Configuration OK")
		}
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:7180", "Coordinator API base URL")
	token := fs.String("token", os.Getenv("AUTOMATION_API_TOKEN"), "API bearer token")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if err := watch.Run(*apiURL, *token); err != nil {
		fmt.Fprintf(os.Stderr, "Watch failed: %v\n", err)
		return 1
	}
	return 0
}
