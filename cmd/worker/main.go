package main

import (
	"context"
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
	"github.com/mecconnect/grist-connect/internal/grist"
	"github.com/mecconnect/grist-connect/internal/models"
	"github.com/mecconnect/grist-connect/internal/processor"
	"github.com/mecconnect/grist-connect/internal/recoco"
	"github.com/mecconnect/grist-connect/internal/service"
	"github.com/mecconnect/grist-connect/pkg/infra"
	"github.com/mecconnect/grist-connect/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Worker initializing...", "version", "1.0.0")

	postgres, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	// Initialize Core Logic
	clients := func(config *models.GristConfig) service.TableClient {
		return grist.FromConfig(config)
	}
	source := recoco.NewClient(cfg.RecocoAPIBaseURL, cfg.RecocoAPIToken)
	syncer := service.NewSyncer(clients, source, logger)
	handler := processor.NewEventHandler(postgres, syncer, logger)

	// Start Observability Server
	go startObservabilityServer(cfg.MetricsPort, logger)
	go watchBacklog(ctx, postgres, cfg.BacklogInterval, logger)

	connBackoff := infra.NewBackoff(1*time.Second, 60*time.Second, 2.0)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Shutdown signal received")
			return
		default:
			consumer, err := broker.NewRabbitMQConsumer(cfg.RabbitMQURL, handler, logger)
			if err != nil {
				wait := connBackoff.Next()
				logger.Error("RabbitMQ connection failed, retrying...",
					"wait_duration", wait,
					"error", err,
				)

				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
					continue
				}
			}

			connBackoff.Reset()
			logger.Info("Connected to Broker. Listening for events...")

			if err := consumer.Listen(ctx); err != nil {
				logger.Error("Consumer connection lost", "error", err)
			}

			consumer.Close()
		}
	}
}

// watchBacklog periodically samples the pending event count so operators can
// alert on lag
func watchBacklog(ctx context.Context, repo *db.PostgresRepository, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := repo.CountPendingEvents(ctx)
			if err != nil {
				logger.Error("Backlog probe failed", "error", err)
				continue
			}
			metrics.EventBacklog.Set(float64(count))
		}
	}
}

func startObservabilityServer(port string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("WORKER ALIVE"))
	})

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.Info("Observability server online", "url", "http://localhost:"+port+"/metrics")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Observability server failed", "error", err)
	}
}
