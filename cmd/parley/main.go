// Command parley is a spoken-dialogue interview client. It listens to the
// user, sends each utterance to the interview server and speaks the reply.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/dialogue"
	"github.com/MrWong99/parley/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the configuration")
	register := flag.String("register", "", "register this user name on the interview server before starting")
	exportPath := flag.String("export", "", "write the transcript to this JSON file and exit")
	importPath := flag.String("import", "", "replace the transcript with this JSON file and exit")
	clearHistory := flag.Bool("clear", false, "delete the transcript and session identifiers and exit")
	logout := flag.Bool("logout", false, "forget the user and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		return 1
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level))

	slog.Info("parley starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Provider registry ─────────────────────────────────────────────────────
	dev := newDevices(afero.NewOsFs())
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("audio device close", "err", err)
		}
	}()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, dev)

	application, err := app.New(ctx, cfg, reg, app.WithConfigWatch(*configPath, &level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer shutdown(application)

	// ── One-shot store operations ─────────────────────────────────────────────
	if handled, code := storeOperation(ctx, application, *exportPath, *importPath, *clearHistory, *logout); handled {
		return code
	}

	if *register != "" {
		if err := application.Register(ctx, *register); err != nil {
			var ierr *dialogue.IdentityError
			if errors.As(err, &ierr) {
				fmt.Fprintf(os.Stderr, "parley: registration failed: %v; please try again\n", err)
			} else {
				slog.Error("registration failed", "err", err)
			}
			return 1
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("ready; press Ctrl+C to stop")
	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// storeOperation runs the store operation selected on the command line. It
// reports whether one was selected and the exit code to use.
func storeOperation(ctx context.Context, a *app.App, exportPath, importPath string, clearHistory, logout bool) (bool, int) {
	switch {
	case exportPath != "":
		if err := exportTo(a, exportPath); err != nil {
			slog.Error("export failed", "err", err)
			return true, 1
		}
		slog.Info("transcript exported", "path", exportPath)
	case importPath != "":
		f, err := os.Open(importPath)
		if err != nil {
			slog.Error("import failed", "err", err)
			return true, 1
		}
		defer f.Close()
		if _, err := a.Import(ctx, f); err != nil {
			slog.Error("import failed", "path", importPath, "err", err)
			return true, 1
		}
	case clearHistory:
		if err := a.Clear(ctx); err != nil {
			slog.Error("clear failed", "err", err)
			return true, 1
		}
	case logout:
		if err := a.Logout(ctx); err != nil {
			slog.Error("logout failed", "err", err)
			return true, 1
		}
	default:
		return false, 0
	}
	return true, 0
}

func exportTo(a *app.App, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := a.Export(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Parley: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Language", cfg.Language)
	printRow("Recognizer", withModel(cfg.Recognizer.Name, cfg.Recognizer.Model))
	printRow("Synthesizer", cfg.Synthesizer.Name)
	if cfg.Dialogue.Backend == config.BackendLLM {
		printRow("Dialogue", withModel(cfg.Dialogue.LLM.Name, cfg.Dialogue.LLM.Model))
	} else {
		printRow("Dialogue", cfg.Dialogue.BaseURL)
	}
	printRow("Endpointing", string(cfg.Endpointing.Strategy))
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", cfg.Store.Path)
	}
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func withModel(name, model string) string {
	if model == "" {
		return name
	}
	return name + " / " + model
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
