package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"conductor/internal/config"
	"conductor/internal/feed"
	"conductor/internal/logging"
	"conductor/internal/orchestrator"
	"conductor/internal/version"
)

const shutdownTimeout = 5 * time.Second

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("conductor serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", config.DefaultPath(), "config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "conductor: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}

	level, ok := logging.ParseLevel(cfg.LogLevel)
	if !ok {
		level = logging.LevelInfo
	}
	logger := logging.NewLogger(nil, level)
	logger.Info("starting", map[string]string{"version": version.Get().Version})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine := orchestrator.New(cfg, logger)
	if err := engine.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "conductor: %v\n", err)
		return 1
	}
	defer engine.Close()

	watcher, err := config.Watch(*configPath, logger, engine.UpdateSettings)
	if err != nil {
		logger.Warn("config watch unavailable", map[string]string{"error": err.Error()})
	} else {
		defer watcher.Close()
	}

	handler := &feed.Handler{Engine: engine, Logger: logger}
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	logger.Info("conductor listening", map[string]string{"addr": cfg.ListenAddr})

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		logger.Info("shut down", nil)
		return 0
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", map[string]string{"error": err.Error()})
			return 1
		}
		return 0
	}
}
