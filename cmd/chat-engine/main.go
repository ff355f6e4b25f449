// ABOUTME: Entry point for the chat-engine message processing service
// ABOUTME: Runs the dispatcher and event pollers plus the operator API

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/chipatala/chat-engine/internal/buildinfo"
	"github.com/chipatala/chat-engine/internal/config"
	"github.com/chipatala/chat-engine/internal/dispatcher"
	"github.com/chipatala/chat-engine/internal/events"
	"github.com/chipatala/chat-engine/internal/flow"
	"github.com/chipatala/chat-engine/internal/ops"
	"github.com/chipatala/chat-engine/internal/poll"
	"github.com/chipatala/chat-engine/internal/scheduling"
	"github.com/chipatala/chat-engine/internal/store"
	"github.com/chipatala/chat-engine/internal/whatsapp"
)

const banner = `
      _           _                             _
  ___| |__   __ _| |_       ___ _ __   __ _(_)_ __   ___
 / __| '_ \ / _' | __|_____ / _ \ '_ \ / _' | | '_ \ / _ \
| (__| | | | (_| | ||_____|  __/ | | | (_| | | | | |  __/
 \___|_| |_|\__,_|\__|     \___|_| |_|\__, |_|_| |_|\___|
                                      |___/
`

// getConfigPath returns the path to the engine config file.
// Priority: CHAT_ENGINE_CONFIG env var > XDG_CONFIG_HOME/chat-engine/engine.yaml
// > ~/.config/chat-engine/engine.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CHAT_ENGINE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "engine.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chat-engine", "engine.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chat-engine <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the message processing engine")
		fmt.Println("  version  Print the running commit hash")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "version":
		fmt.Println(buildinfo.CommitHash())
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    commit: %s\n\n", buildinfo.CommitHash())

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Ops API:  %s\n", cfg.Ops.HTTPAddr)
	fmt.Println()

	logger.Info("starting chat-engine",
		"config", configPath,
		"commit", buildinfo.CommitHash(),
		"ops_addr", cfg.Ops.HTTPAddr,
	)

	s, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	sender := whatsapp.NewClient(cfg.Chatbots, logger)
	calendar := scheduling.NewStaticCalendar()
	scheduler := scheduling.New(calendar, cfg.Scheduling, logger)

	registry := flow.NewRegistry(flow.Deps{Scheduler: scheduler, Logger: logger})
	if err := registry.Validate(); err != nil {
		return fmt.Errorf("validating state handlers: %w", err)
	}

	types, regs := events.Builtin(sender)
	eventRegistry := events.NewRegistry(types, regs)
	if err := eventRegistry.Validate(); err != nil {
		return fmt.Errorf("validating event listeners: %w", err)
	}

	disp := dispatcher.New(s, registry, sender, buildinfo.CommitHash(), cfg.Dispatcher.Workers, logger)
	processor := events.NewProcessor(s, eventRegistry, logger)

	dispatchPoller := poll.New("dispatcher", cfg.Dispatcher.PollInterval, logger, disp.Respond)
	eventPoller := poll.New("events", cfg.Events.PollInterval, logger, processor.Run)
	dispatchPoller.Start(ctx)
	eventPoller.Start(ctx)

	opsServer := ops.New(s, cfg.Ops, logger)
	opsServer.Start()

	<-ctx.Done()
	logger.Info("shutting down")

	dispatchPoller.Stop()
	eventPoller.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown", "error", err)
	}
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
