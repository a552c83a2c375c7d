// Package main is the entry point for the TENEX kernel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/admin"
	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/common/tracing"
	"github.com/tenex/tenex/internal/events/bus"
	"github.com/tenex/tenex/internal/kernel"
	"github.com/tenex/tenex/internal/llm"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting TENEX kernel", zap.String("project_id", cfg.Project.ID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Tracing (no-op unless OTEL_EXPORTER_OTLP_ENDPOINT is set)
	tracing.Init()
	defer tracing.Shutdown(context.Background())

	// 4. Event bus: NATS when configured, in-memory otherwise
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 5. Model client
	client := llm.NewHTTPClient(cfg.LLM, log)

	// 6. Assemble and start the kernel
	k, err := kernel.New(cfg, eventBus, client, log)
	if err != nil {
		log.Fatal("Failed to assemble kernel", zap.Error(err))
	}
	if err := k.Start(ctx); err != nil {
		log.Fatal("Failed to start kernel", zap.Error(err))
	}

	// 7. Admin HTTP server
	adminServer := admin.NewServer(cfg, k, log)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := adminServer.Start(addr); err != nil {
			log.Fatal("Admin server failed", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("Admin server shutdown failed", zap.Error(err))
	}
	k.Stop()
	log.Info("Kernel stopped")
}
