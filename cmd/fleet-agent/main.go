package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emberbank/fleetrelay/internal/agent"
	"github.com/emberbank/fleetrelay/pkg/identity"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "agent-config.json", "path to agent configuration file")
	resetCheckIn := flag.Bool("reset-checkin", false, "clear the persisted check-in acknowledgement and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("fleet-agent", version)
		os.Exit(0)
	}

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *resetCheckIn {
		ident, err := identity.Open(cfg.Agent.IdentityFile)
		if err == nil {
			err = ident.Reset()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("check-in acknowledgement cleared")
		os.Exit(0)
	}

	// Set up structured logging.
	logLevel := slog.LevelInfo
	switch cfg.Agent.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	ag, err := agent.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("fleet-agent starting", "version", version, "config", *configPath)

	if err := ag.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("agent error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent stopped")
}
