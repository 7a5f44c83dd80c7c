package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/gateway"
	"chatrelay/internal/hub"
	"chatrelay/internal/metrics"
	"chatrelay/internal/store"
	"chatrelay/internal/upload"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat relay (HTTP + WebSocket)",
		Long:  "Opens the message store and uploads directory, then serves /login, /uploads, /ws, /status and /metrics. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logClose, err := loadRuntimeConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer logClose.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.Password == "" {
		logger.Warn("no password configured, every login will be rejected")
	}

	messages, err := store.Open(ctx, cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer messages.Close()

	uploads, err := upload.NewDiskStore(cfg.Uploads.Dir, logger)
	if err != nil {
		return fmt.Errorf("upload store: %w", err)
	}
	defer uploads.Close()

	collector := metrics.New()

	relay := hub.New(hub.Config{
		HistoryLimit:   cfg.Hub.HistoryLimit,
		SendBuffer:     cfg.Hub.SendBuffer,
		MaxFrameBytes:  cfg.Hub.MaxFrameBytes,
		AllowedOrigins: cfg.Hub.AllowedOrigins,
		RateLimit: hub.RateLimitConfig{
			Enabled:   cfg.Hub.RateLimit.Enabled,
			PerSecond: cfg.Hub.RateLimit.PerSecond,
			Burst:     cfg.Hub.RateLimit.Burst,
		},
		Logger:  logger,
		Metrics: collector,
	}, messages, uploads)
	go relay.Run()

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	gw := gateway.New(gateway.Config{
		Host:        cfg.Server.Host,
		Port:        cfg.Server.Port,
		Password:    cfg.Auth.Password,
		Version:     version,
		MetricsPath: metricsPath,
		Logger:      logger,
		Metrics:     collector,
	}, relay, uploads)

	logger.Info("chatrelay starting",
		"version", version,
		"addr", gw.Addr(),
		"db", messages.Path(),
		"uploads", uploads.Dir(),
	)

	// The gateway stops accepting connections first, then the hub closes
	// the ones it holds.
	serveErr := gw.Start(ctx)
	stop()

	timeout := time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	if err := relay.Shutdown(timeout); err != nil {
		logger.Warn("hub shutdown incomplete", "err", err)
	}
	if serveErr != nil {
		return fmt.Errorf("gateway: %w", serveErr)
	}
	logger.Info("chatrelay stopped")
	return nil
}
