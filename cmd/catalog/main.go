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

	"github.com/microvideo/catalog-sync/internal/broker"
	"github.com/microvideo/catalog-sync/internal/catalog"
	"github.com/microvideo/catalog-sync/internal/config"
	csync "github.com/microvideo/catalog-sync/internal/sync"
	"github.com/microvideo/catalog-sync/internal/validator"
	"github.com/microvideo/catalog-sync/pkg/infra"
	_ "github.com/microvideo/catalog-sync/pkg/metrics"
)

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Catalog sync service initializing",
		"max_delivery_attempts", cfg.MaxDeliveryAttempts,
		"default_on_error", cfg.DefaultOnError,
	)

	pool, err := catalog.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("CRITICAL: Postgres connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	categories := catalog.NewPostgresRepository(pool, catalog.Category)
	genres := catalog.NewPostgresRepository(pool, catalog.Genre)
	castMembers := catalog.NewPostgresRepository(pool, catalog.CastMember)

	for _, repo := range []*catalog.PostgresRepository{categories, genres, castMembers} {
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Error("CRITICAL: failed to prepare projection table", "error", err)
			os.Exit(1)
		}
	}

	valid, err := validator.New(catalog.Models()...)
	if err != nil {
		logger.Error("CRITICAL: schema compilation failed", "error", err)
		os.Exit(1)
	}

	defaultOnError, err := broker.ParseResponse(cfg.DefaultOnError)
	if err != nil {
		logger.Error("CRITICAL: invalid BROKER_DEFAULT_ON_ERROR", "error", err)
		os.Exit(1)
	}

	engine := csync.NewEngine(valid, logger)

	registry := broker.NewRegistry()
	registry.Register(csync.NewCategoryService(engine, categories, genres, logger).Subscriptions()...)
	registry.Register(csync.NewGenreService(engine, genres, categories).Subscriptions()...)
	registry.Register(csync.NewCastMemberService(engine, castMembers).Subscriptions()...)

	exchanges, queues := csync.Topology(cfg.DeadLetterTTL)
	gateway := broker.NewGateway(broker.Config{
		URI:            cfg.RabbitMQURL,
		Exchanges:      exchanges,
		Queues:         queues,
		DefaultOnError: defaultOnError,
		MaxAttempts:    int64(cfg.MaxDeliveryAttempts),
	}, registry, logger)

	go startObservabilityServer(cfg.MetricsPort, gateway, logger)

	if err := gateway.Start(ctx); err != nil {
		logger.Error("CRITICAL: broker gateway refused to start", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received")
	gateway.Stop()
}

func startObservabilityServer(port string, gateway *broker.Gateway, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !gateway.Listening() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(gateway.State().String()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("listening"))
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
