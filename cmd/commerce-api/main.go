package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fjod/course_cart/internal/cache"
	"github.com/fjod/course_cart/internal/config"
	"github.com/fjod/course_cart/internal/consumer"
	"github.com/fjod/course_cart/internal/gateway"
	h "github.com/fjod/course_cart/internal/http"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/fjod/course_cart/internal/metrics"
	"github.com/fjod/course_cart/internal/publisher"
	"github.com/fjod/course_cart/internal/repository"
	"github.com/fjod/course_cart/internal/service"
	"github.com/fjod/course_cart/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.MustLoad()
	log := logger.New(cfg.Env, cfg.Log.Level)
	ctx := logger.WithContext(context.Background(), log)
	log.Info().Str("env", cfg.Env).Msg("commerce-api starting")

	tp, err := tracing.Init(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}

	metrics.Register(prometheus.DefaultRegisterer)
	serverMetrics := metrics.NewServerMetrics(prometheus.DefaultRegisterer)

	// Postgres
	creds := &repository.Credentials{
		Host:              cfg.Postgres.Host,
		Port:              cfg.Postgres.Port,
		User:              cfg.Postgres.User,
		Password:          cfg.Postgres.Password,
		DBName:            cfg.Postgres.DBName,
		MigrationsDirPath: cfg.Postgres.MigrationsPath,
	}
	repo, err := repository.NewRepository(creds)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	if err := repo.RunMigrations(creds); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}
	log.Info().Msg("database migrations completed")

	// Mongo cart store
	mongoDB, err := repository.ConnectMongoDB(ctx, repository.MongoSettings{
		URI:            cfg.Mongo.URI,
		Database:       cfg.Mongo.Database,
		AppName:        cfg.Tracing.ServiceName,
		MaxPoolSize:    cfg.Mongo.MaxPoolSize,
		MinPoolSize:    cfg.Mongo.MinPoolSize,
		ConnectTimeout: cfg.Mongo.ConnectTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to MongoDB")
	}
	defer func() {
		if err := mongoDB.Client().Disconnect(context.Background()); err != nil {
			log.Error().Err(err).Msg("mongo disconnect")
		}
	}()
	cartRepo := repository.NewCartRepository(mongoDB)
	if err := cartRepo.CreateIndexes(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to create cart indexes")
	}

	// Redis cart cache
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}

	gw := gateway.NewClient(gateway.Settings{
		BaseURL:             cfg.Gateway.BaseURL,
		SecretKey:           cfg.Gateway.SecretKey,
		Timeout:             cfg.Gateway.ConfirmTimeout,
		MaxRequests:         cfg.Gateway.Breaker.MaxRequests,
		Interval:            cfg.Gateway.Breaker.Interval,
		OpenTimeout:         cfg.Gateway.Breaker.Timeout,
		ConsecutiveFailures: cfg.Gateway.Breaker.ConsecutiveFailures,
	})

	carts := service.NewCartService(cartRepo, cache.NewRedisCache(redisClient, cfg.Redis.CartTTL), repo, repo)
	validator := service.NewCheckoutValidator(repo, repo)
	provisioner := service.NewProvisioner(repo, repo, repo)
	orders := service.NewOrderService(repo, repo, validator, gw, provisioner)
	reconciler := service.NewReconciler(repo, orders, provisioner, service.RetryConfig{
		Attempts: cfg.Reconciliation.Retry.Attempts,
		Delay:    cfg.Reconciliation.Retry.Delay,
		MaxDelay: cfg.Reconciliation.Retry.MaxDelay,
	}, cfg.Reconciliation.Limit)

	// Background workers
	var wg sync.WaitGroup
	workersCtx, workersCancel := context.WithCancel(ctx)

	poller := publisher.NewOutboxPoller(repo, publisher.Config{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.OutboxTopic,
		PollInterval: cfg.Kafka.PollInterval,
		BatchSize:    cfg.Kafka.OutboxBatch,
		Timeout:      cfg.Kafka.PublishTimeout,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(workersCtx)
	}()

	cleanup := consumer.NewCartCleanup(carts, cfg.Kafka.OutboxTopic, cfg.Kafka.CartGroupID, cfg.Kafka.Brokers...)
	wg.Add(1)
	go func() {
		defer wg.Done()
		cleanup.Run(workersCtx)
	}()

	router := h.NewRouter(h.Services{
		Carts:          carts,
		Checkout:       validator,
		Orders:         orders,
		Enrollments:    provisioner,
		Reconciliation: reconciler,
	}, h.Options{
		RequestTimeout:     cfg.HTTP.RequestTimeout,
		MaxRequestBodySize: cfg.HTTP.MaxRequestBodySize,
		DefaultOlderThan:   cfg.Reconciliation.OlderThan,
		Logger:             log,
		Metrics:            serverMetrics,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Gateway.ConfirmTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTP.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down commerce-api...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	workersCancel()

	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
		log.Info().Msg("workers stopped cleanly")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("workers didn't stop in time")
	}

	cleanup.Close()
	if err := poller.Close(); err != nil {
		log.Error().Err(err).Msg("closing kafka writer")
	}
	if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
		log.Error().Err(err).Msg("tracer shutdown")
	}
	log.Info().Msg("commerce-api stopped")
}
