// Command reconciler makes one repair pass over payments and enrollments and
// exits. Run it from a scheduler; a non-zero exit means the pass itself
// failed, not that some items still need attention.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fjod/course_cart/internal/config"
	"github.com/fjod/course_cart/internal/domain"
	"github.com/fjod/course_cart/internal/gateway"
	"github.com/fjod/course_cart/internal/logger"
	"github.com/fjod/course_cart/internal/metrics"
	"github.com/fjod/course_cart/internal/repository"
	"github.com/fjod/course_cart/internal/service"
	"github.com/fjod/course_cart/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.MustLoad()
	olderThan := flag.Duration("older-than", cfg.Reconciliation.OlderThan, "only touch items older than this")
	listOnly := flag.Bool("list", false, "print unprovisioned orders and exit without repairing")
	flag.Parse()

	log := logger.New(cfg.Env, cfg.Log.Level)
	ctx, stop := signal.NotifyContext(logger.WithContext(context.Background(), log), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(cfg.Tracing.ServiceName+"-reconciler", cfg.Tracing.JaegerEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer func() { _ = tracing.Shutdown(context.Background(), tp) }()
	metrics.Register(prometheus.DefaultRegisterer)

	repo, err := repository.NewRepository(&repository.Credentials{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		DBName:   cfg.Postgres.DBName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer repo.Close()

	gw := gateway.NewClient(gateway.Settings{
		BaseURL:             cfg.Gateway.BaseURL,
		SecretKey:           cfg.Gateway.SecretKey,
		Timeout:             cfg.Gateway.ConfirmTimeout,
		MaxRequests:         cfg.Gateway.Breaker.MaxRequests,
		Interval:            cfg.Gateway.Breaker.Interval,
		OpenTimeout:         cfg.Gateway.Breaker.Timeout,
		ConsecutiveFailures: cfg.Gateway.Breaker.ConsecutiveFailures,
	})

	validator := service.NewCheckoutValidator(repo, repo)
	provisioner := service.NewProvisioner(repo, repo, repo)
	orders := service.NewOrderService(repo, repo, validator, gw, provisioner)
	reconciler := service.NewReconciler(repo, orders, provisioner, service.RetryConfig{
		Attempts: cfg.Reconciliation.Retry.Attempts,
		Delay:    cfg.Reconciliation.Retry.Delay,
		MaxDelay: cfg.Reconciliation.Retry.MaxDelay,
	}, cfg.Reconciliation.Limit)

	var out any
	if *listOnly {
		out, err = reconciler.ListUnprovisioned(ctx, *olderThan, 0)
	} else {
		out, err = reconciler.Run(ctx, *olderThan)
	}
	if err != nil {
		log.Error().Err(err).Msg("reconciliation failed")
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Error().Err(err).Msg("failed to write report")
		os.Exit(1)
	}

	if report, ok := out.(*domain.ReconcileReport); ok {
		for _, item := range append(report.Confirmations, report.Provisioning...) {
			if item.Outcome == domain.OutcomeManual {
				log.Warn().Str("order_id", item.OrderID).Str("payment_key", item.PaymentKey).Msg("needs manual resolution")
			}
		}
	}
}
