// Command abm-server keeps a live ABM scenario in memory and serves it over
// HTTP. Map clients connect to /ws and receive every layer operation; the
// control API lives under /api/v1 and metrics under /metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cxd309/abm-engine/internal/poller"
	"github.com/cxd309/abm-engine/internal/resultsource"
	"github.com/cxd309/abm-engine/internal/server"
	"github.com/cxd309/abm-engine/internal/session"
	"github.com/cxd309/abm-engine/internal/surface"
)

// Config holds the command-line settings.
type Config struct {
	Addr         string
	ResultsURL   string
	UserID       string
	PollInterval time.Duration
	CORSOrigins  string
	LogFormat    string
	LogLevel     string
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.Addr, "addr", envOr("ABM_ADDR", ":8090"), "HTTP listen address")
	flag.StringVar(&cfg.ResultsURL, "results", envOr("ABM_RESULTS_URL", ""), "Scenario calculation service base URL (empty disables polling)")
	flag.StringVar(&cfg.UserID, "user", envOr("ABM_USER", ""), "User id sent with scenario requests")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", poller.DefaultInterval, "Wait between result polls")
	flag.StringVar(&cfg.CORSOrigins, "cors", "", "Comma-separated extra CORS origins")
	flag.StringVar(&cfg.LogFormat, "log-format", envOr("ABM_LOG_FORMAT", "text"), "Log format (text|json)")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("ABM_LOG_LEVEL", "info"), "Log level (debug|info|warn|error)")
	flag.Parse()
	return cfg
}

func newLogger(cfg Config) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func main() {
	cfg := parseConfig()
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	opts := session.Options{PollInterval: cfg.PollInterval, Logger: logger}
	if cfg.ResultsURL != "" {
		client, err := resultsource.New(cfg.ResultsURL, logger)
		if err != nil {
			logger.Error("invalid result source", "error", err)
			os.Exit(1)
		}
		client.UserID = cfg.UserID
		opts.Source = client
	}

	hub := surface.NewHub(logger)
	sess := session.New(hub, opts)
	defer sess.Close()

	var origins []string
	if cfg.CORSOrigins != "" {
		origins = strings.Split(cfg.CORSOrigins, ",")
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           (&server.Server{Session: sess, Hub: hub, Logger: logger, AllowedOrigins: origins}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("HTTP API starting", "addr", cfg.Addr, "results", cfg.ResultsURL != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("stopped")
}
