package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	app "github.com/AgentPay-Network/payment_layer/internal/app"
	"github.com/AgentPay-Network/payment_layer/internal/app/httpapi"
	"github.com/AgentPay-Network/payment_layer/internal/app/services/tipping"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/file"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/memory"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/postgres"
	"github.com/AgentPay-Network/payment_layer/internal/app/storage/rediseventlog"
	"github.com/AgentPay-Network/payment_layer/internal/config"
	"github.com/AgentPay-Network/payment_layer/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	stores, cleanup, err := buildStores(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("configure stores")
	}
	defer cleanup()

	application, err := app.New(stores, app.Options{Webhook: cfg.WebhookOptions()}, log)
	if err != nil {
		log.WithError(err).Fatal("build application")
	}
	application.Dispatcher.WithRateLimit(cfg.Webhook.RateLimitPerSecond)

	if cfg.Executor.Endpoint != "" {
		executor, err := tippingExecutor(cfg, log)
		if err != nil {
			log.WithError(err).Warn("configure payment executor")
		} else {
			application.Tipping.WithExecutor(executor)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Fatal("start application")
	}

	scheduler := buildScheduler(ctx, cfg, application, log)
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      httpapi.NewHandler(application),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.WithError(err).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
	log.Info("shutdown complete")
}

// buildStores selects the persistence backend per configuration.
func buildStores(cfg *config.Config, log *logger.Logger) (app.Stores, func(), error) {
	cleanup := func() {}

	var stores app.Stores
	switch cfg.Storage.Backend {
	case "memory":
		mem := memory.New()
		stores = app.Stores{
			Escrows: mem, Quotes: mem, Subscriptions: mem,
			Queue: mem, EventLog: mem, Tips: mem,
		}
	case "postgres":
		store, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return app.Stores{}, cleanup, err
		}
		cleanup = func() { store.Close() }
		stores = app.Stores{
			Escrows: store, Quotes: store, Subscriptions: store,
			Queue: store, EventLog: store, Tips: store,
		}
	default:
		store, err := file.Open(cfg.Storage.DataDir, file.WithMaxLogEntries(cfg.Webhook.MaxLogEntries))
		if err != nil {
			return app.Stores{}, cleanup, err
		}
		stores = app.Stores{
			Escrows: store, Quotes: store, Subscriptions: store,
			Queue: store, EventLog: store, Tips: store,
		}
	}

	if cfg.Storage.RedisAddr != "" {
		eventLog := rediseventlog.New(rediseventlog.Config{
			Addr:          cfg.Storage.RedisAddr,
			Password:      cfg.Storage.RedisPassword,
			DB:            cfg.Storage.RedisDB,
			MaxLogEntries: cfg.Webhook.MaxLogEntries,
		}, log)
		prev := cleanup
		cleanup = func() {
			eventLog.Close()
			prev()
		}
		stores.EventLog = eventLog
	}

	return stores, cleanup, nil
}

// buildScheduler wires the sweep operations onto their cron expressions.
func buildScheduler(ctx context.Context, cfg *config.Config, application *app.Application, log *logger.Logger) *cron.Cron {
	scheduler := cron.New()

	mustSchedule(scheduler, cfg.Schedules.TimeoutSweep, log, func() {
		refunded, err := application.Escrow.ProcessTimeouts(ctx)
		if err != nil {
			log.WithError(err).Warn("timeout sweep failed")
			return
		}
		if len(refunded) > 0 {
			log.WithField("refunded", len(refunded)).Info("timed-out escrows refunded")
		}
	})

	mustSchedule(scheduler, cfg.Schedules.ExpirySweep, log, func() {
		expired, err := application.Negotiation.ProcessExpirations(ctx)
		if err != nil {
			log.WithError(err).Warn("expiry sweep failed")
			return
		}
		if len(expired) > 0 {
			log.WithField("expired", len(expired)).Info("expired quotes closed")
		}
	})

	mustSchedule(scheduler, cfg.Schedules.SettlementBatch, log, func() {
		batch, err := application.Tipping.ProcessBatch(ctx, tipping.BatchFilters{})
		if err != nil {
			log.WithError(err).Warn("settlement batch failed")
			return
		}
		log.WithField("tips", len(batch.Tips)).
			WithField("total", batch.Total).
			Info("settlement batch assembled")
	})

	return scheduler
}

func mustSchedule(scheduler *cron.Cron, spec string, log *logger.Logger, job func()) {
	if _, err := scheduler.AddFunc(spec, job); err != nil {
		log.WithError(err).Warnf("invalid schedule %q; job disabled", spec)
	}
}

func tippingExecutor(cfg *config.Config, log *logger.Logger) (tipping.PaymentExecutor, error) {
	return tipping.NewHTTPExecutor(nil, cfg.Executor.Endpoint, cfg.Executor.APIKey, log)
}
