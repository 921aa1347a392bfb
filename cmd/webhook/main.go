package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mecconnect/grist-connect/internal/broker"
	"github.com/mecconnect/grist-connect/internal/config"
	"github.com/mecconnect/grist-connect/internal/db"
	"github.com/mecconnect/grist-connect/internal/webhook"
	"github.com/mecconnect/grist-connect/pkg/infra"
	_ "github.com/mecconnect/grist-connect/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	if cfg.WebhookSecret == "" {
		logger.Error("CRITICAL: WEBHOOK_SECRET environment variable is missing")
		os.Exit(1)
	}

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgres, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	rabbit, err := broker.NewRabbitMQClient(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to RabbitMQ", "error", err)
		os.Exit(1)
	}
	defer rabbit.Close()

	handler := webhook.NewHandler(cfg.WebhookSecret, postgres, rabbit, logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !rabbit.IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("BROKER OFFLINE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("RECEIVER ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + cfg.WebhookPort,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down webhook receiver...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Webhook receiver is online", "port", cfg.WebhookPort)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("FATAL: Webhook server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Webhook receiver shut down successfully")
}
