// Fungid is a grow-room monitoring daemon for mushroom cultivation.
//
// It fronts a local Ollama model as a cultivation expert, forwards
// readings to a yield-prediction service, ingests chamber telemetry
// over HTTP and MQTT, raises threshold alerts, and serves a live
// dashboard. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	fungid serve               Start the daemon
//	fungid init [dir]          Initialize a working directory with defaults
//	fungid ask <question>      Ask the expert a single question
//	fungid predict <chamber>   Predict yield from a chamber's latest reading
//	fungid ingest <file>       Import a cultivation guide (.md or .html)
//	fungid version             Print version and build information
//	fungid -o json version     Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/datanyx/fungid/internal/alerts"
	"github.com/datanyx/fungid/internal/api"
	"github.com/datanyx/fungid/internal/buildinfo"
	"github.com/datanyx/fungid/internal/config"
	"github.com/datanyx/fungid/internal/connwatch"
	"github.com/datanyx/fungid/internal/events"
	"github.com/datanyx/fungid/internal/expert"
	"github.com/datanyx/fungid/internal/guides"
	"github.com/datanyx/fungid/internal/ingest"
	"github.com/datanyx/fungid/internal/llm"
	"github.com/datanyx/fungid/internal/memory"
	"github.com/datanyx/fungid/internal/mqtt"
	"github.com/datanyx/fungid/internal/predictor"
	"github.com/datanyx/fungid/internal/telemetry"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run], keeping
// os.Exit, os.Stdout, and os.Args out of the application logic so the
// full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the fungid command. All OS-level
// dependencies are injected as parameters. Arguments are parsed by
// hand: the flag package relies on package-level globals, which makes
// it impossible to call run() concurrently from tests, and the
// argument surface is small enough that manual parsing stays clear.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: fungid ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "predict":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: fungid predict <chamber>")
		}
		return runPredict(ctx, stdout, configPath, cmdArgs[0], outputFmt)
	case "ingest":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: fungid ingest <file.md|file.html>")
		}
		return runIngest(stdout, configPath, cmdArgs[0])
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Fungid - Mushroom Cultivation Monitoring Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: fungid [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Start the daemon")
	fmt.Fprintln(w, "  init [dir]         Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <question>     Ask the expert a single question")
	fmt.Fprintln(w, "  predict <chamber>  Predict yield from a chamber's latest reading")
	fmt.Fprintln(w, "  ingest <file>      Import a cultivation guide (.md or .html)")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/fungid/config.yaml, /etc/fungid/config.yaml")
	return nil
}

// runAsk boots a minimal expert (in-memory history, no alerts, no
// MQTT) and answers one question. Useful for smoke tests without the
// server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openMemoryDB()
	if err != nil {
		return err
	}
	defer db.Close()

	mem, err := memory.NewStore(db, 40)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}

	exp, err := expert.New(expert.Config{
		LLM:       llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Timeout(), logger),
		Model:     cfg.Ollama.Model,
		Predictor: predictor.NewClient(cfg.Predictor.URL, cfg.Predictor.Timeout(), logger),
		Memory:    mem,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	resp, err := exp.Ask(ctx, expert.AskRequest{Question: question})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, resp.Answer)
	return nil
}

// runPredict loads a chamber's latest stored reading and prints the
// yield prediction for it.
func runPredict(ctx context.Context, stdout io.Writer, configPath string, chamber string, outputFmt string) error {
	logger := newLogger(stdout, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	db, err := openDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	readings, err := telemetry.NewStore(db)
	if err != nil {
		return fmt.Errorf("telemetry store: %w", err)
	}
	reading, err := readings.Latest(chamber)
	if err != nil {
		return fmt.Errorf("load latest reading: %w", err)
	}
	if reading == nil {
		return fmt.Errorf("no readings stored for chamber %q", chamber)
	}

	client := predictor.NewClient(cfg.Predictor.URL, cfg.Predictor.Timeout(), logger)
	pred, err := client.Predict(ctx, *reading)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(pred)
	}
	fmt.Fprintf(stdout, "%s: %s (harvest cycle %d) — %s\n",
		chamber, pred.Category, pred.HarvestCycle, pred.Description)
	return nil
}

// runIngest imports a cultivation guide into the guide store.
func runIngest(stdout io.Writer, configPath string, filePath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("ingesting cultivation guide", "file", filePath)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	db, err := openDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := guides.NewStore(db)
	if err != nil {
		return fmt.Errorf("guide store: %w", err)
	}

	count, err := ingest.New(store).IngestFile(filePath)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Fprintf(stdout, "Imported %d guide entries from %s\n", count, filePath)
	return nil
}

// runServe is the primary operating mode: loads config, opens the
// database, wires the backends, starts the API server and optional
// MQTT bridge, and blocks until a shutdown signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting fungid",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"built", buildinfo.BuildTime,
	)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Ollama.Model,
		"ollama_url", cfg.Ollama.URL,
		"predictor_url", cfg.Predictor.URL,
	)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	// One SQLite database holds readings, alerts, guides, and chat
	// history. WAL mode keeps MQTT writers and API readers from
	// blocking each other.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	db, err := openDB(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	readings, err := telemetry.NewStore(db)
	if err != nil {
		return fmt.Errorf("telemetry store: %w", err)
	}
	alertStore, err := alerts.NewStore(db)
	if err != nil {
		return fmt.Errorf("alert store: %w", err)
	}
	guideStore, err := guides.NewStore(db)
	if err != nil {
		return fmt.Errorf("guide store: %w", err)
	}
	mem, err := memory.NewStore(db, 40)
	if err != nil {
		return fmt.Errorf("conversation store: %w", err)
	}
	logger.Info("database opened", "path", dbPath(cfg.DataDir))

	// --- Backends ---
	ollamaClient := llm.NewOllamaClient(cfg.Ollama.URL, cfg.Ollama.Timeout(), logger)
	predictorClient := predictor.NewClient(cfg.Predictor.URL, cfg.Predictor.Timeout(), logger)

	bus := events.New()

	// --- Alerts ---
	var evaluator *alerts.Evaluator
	if cfg.Alerts.Enabled {
		notifier := alerts.NewEmailNotifier(cfg.SMTP, cfg.Alerts.Recipients, logger)
		if notifier == nil {
			logger.Info("alert email disabled (smtp not configured)")
		}
		// A nil *EmailNotifier must stay a nil interface.
		var nf alerts.Notifier
		if notifier != nil {
			nf = notifier
		}
		evaluator = alerts.NewEvaluator(alertStore, bus, nf, cfg.Alerts.Cooldown(), logger)
	} else {
		logger.Info("alerts disabled by config")
	}

	// --- Connection resilience ---
	// Background health monitoring with exponential backoff for the
	// chat and prediction backends. The daemon starts regardless; the
	// health endpoint reports what is reachable.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:  "ollama",
		Probe: func(pCtx context.Context) error { return ollamaClient.Ping(pCtx) },
		OnReady: func() {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			ok, err := ollamaClient.HasModel(checkCtx, cfg.Ollama.Model)
			if err == nil && !ok {
				logger.Warn("configured model not present on ollama",
					"model", cfg.Ollama.Model,
					"hint", "run: ollama pull "+cfg.Ollama.Model,
				)
			}
		},
		Logger: logger,
	})
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:   "predictor",
		Probe:  func(pCtx context.Context) error { return predictorClient.Health(pCtx) },
		Logger: logger,
	})

	// --- Expert ---
	exp, err := expert.New(expert.Config{
		LLM:       ollamaClient,
		Model:     cfg.Ollama.Model,
		Predictor: predictorClient,
		Readings:  readings,
		Guides:    guideStore,
		Memory:    mem,
		Bus:       bus,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("create expert: %w", err)
	}

	// --- MQTT bridge ---
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("mqtt instance ID: %w", err)
		}
		bridge = mqtt.New(cfg.MQTT, instanceID, readings, evaluator, bus, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
	} else {
		logger.Info("mqtt disabled by config")
	}

	// --- API server ---
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Expert:    exp,
		LLM:       ollamaClient,
		Model:     cfg.Ollama.Model,
		Predictor: predictorClient,
		Readings:  readings,
		Alerts:    alertStore,
		Evaluator: evaluator,
		Guides:    guideStore,
		Memory:    mem,
		Watch:     connMgr,
		Bus:       bus,
		Logger:    logger,
	})

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if bridge != nil {
		if err := bridge.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown incomplete", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

func dbPath(dataDir string) string {
	return dataDir + "/fungid.db"
}

// openDB opens the daemon database in WAL mode with a busy timeout so
// concurrent writers back off instead of failing.
func openDB(dataDir string) (*sql.DB, error) {
	path := dbPath(dataDir)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	return db, nil
}

// openMemoryDB opens a throwaway in-memory database for one-shot CLI
// commands that need a store but nothing to persist.
func openMemoryDB() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	return db, nil
}
