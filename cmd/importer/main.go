package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/app"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/importer"
	jobmetrics "github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/jobs"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/observability"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/platform/db"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/tellma"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/internal/worksheet"
	"github.com/MuhammedEltoum/Tellma-InsuranceImporter/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping importer startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect staging database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	gateway := tellma.NewClient(tellma.ClientConfig{
		BaseURL:      cfg.TellmaBaseURL,
		ClientID:     cfg.TellmaClientID,
		ClientSecret: cfg.TellmaClientSecret,
		Timeout:      cfg.TellmaTimeout,
		Logger:       logger,
		Retry: tellma.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
	})

	source := worksheet.NewRepository(pool)
	pipeline := importer.New(source, gateway, logger)

	metrics := observability.NewMetrics()
	runJob := jobs.NewImportRunJob(pipeline, func() importer.Options {
		return optionsFromConfig(cfg)
	}, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	cronTask, err := jobs.NewImportRunTask(jobs.ImportRunPayload{Trigger: "cron"})
	if err != nil {
		logger.Error("build import task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeImportRun, Handler: runJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CronSpec(), Task: cronTask, Options: []asynq.Option{asynq.MaxRetry(0)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	jobsHandler := jobs.NewHandler(inspector, logger)
	opsServer := app.NewOpsServer(cfg, app.NewOpsRouter(logger, cfg, metrics, jobsHandler.MountRoutes))

	logger.Info("importer starting",
		slog.String("schedule", cfg.CronSpec()),
		slog.Int("tenants", len(cfg.Tenants)),
		slog.String("ops", cfg.OpsAddr))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return opsServer.Close()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("importer run", slog.Any("error", err))
		os.Exit(1)
	}
}

// optionsFromConfig snapshots the run options for one pipeline pass.
func optionsFromConfig(cfg *app.Config) importer.Options {
	return importer.Options{
		Tenants:            cfg.Tenants,
		ExchangeRates:      cfg.EnableExchangeRates,
		Remittances:        cfg.EnableRemittances,
		Technicals:         cfg.EnableTechnicals,
		Pairings:           cfg.EnablePairings,
		TechnicalPrefixes:  cfg.TechnicalPrefixes,
		RemittancePrefixes: cfg.RemittancePrefixes,
		PairingPrefixes:    cfg.PairingPrefixes,
		PairingCutover:     cfg.CutoverDate(),
	}
}
