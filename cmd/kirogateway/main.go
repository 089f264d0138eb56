package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/kiro-gateway/internal/api"
	"github.com/felipepmaragno/kiro-gateway/internal/auth"
	"github.com/felipepmaragno/kiro-gateway/internal/catalog"
	"github.com/felipepmaragno/kiro-gateway/internal/config"
	"github.com/felipepmaragno/kiro-gateway/internal/httputil"
	"github.com/felipepmaragno/kiro-gateway/internal/kiro"
	"github.com/felipepmaragno/kiro-gateway/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting kiro gateway", "addr", cfg.Addr, "region", cfg.Region, "version", "0.1.0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, "kiro-gateway", cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to init telemetry", "error", err)
		os.Exit(1)
	}

	creds := auth.Credentials{
		RefreshToken: cfg.RefreshToken,
		ProfileArn:   cfg.ProfileArn,
	}
	if cfg.CredsFile != "" {
		if loaded, err := auth.LoadCredentialsFile(cfg.CredsFile); err == nil {
			creds = loaded
			if cfg.ProfileArn != "" {
				creds.ProfileArn = cfg.ProfileArn
			}
			slog.Info("loaded credentials file", "path", cfg.CredsFile)
		} else if cfg.RefreshToken == "" {
			slog.Error("failed to load credentials file", "error", err, "path", cfg.CredsFile)
			os.Exit(1)
		} else {
			slog.Warn("credentials file unreadable, starting from REFRESH_TOKEN", "error", err, "path", cfg.CredsFile)
		}
	}

	authMgr := auth.NewManager(creds, auth.Options{
		Region:           cfg.Region,
		RefreshThreshold: cfg.RefreshThreshold,
		CredsFile:        cfg.CredsFile,
		Client:           httputil.NewClient(httputil.AuthConfig()),
	})

	upstream := kiro.NewClient(authMgr, kiro.ClientOptions{
		Region:     cfg.Region,
		MaxRetries: cfg.MaxRetries,
		HTTPClient: httputil.NewClient(httputil.StreamingConfig()),
	})

	models := catalog.New(upstream, cfg.ModelCacheTTL)

	handler := api.NewHandler(api.HandlerConfig{
		ProxyAPIKey: cfg.ProxyAPIKey,
		Auth:        authMgr,
		Catalog:     models,
		Upstream:    upstream,
	})

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No write timeout: streams run as long as the assistant talks.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
}
