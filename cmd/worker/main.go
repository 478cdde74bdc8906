package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/bakehouse/books/internal/app"
	jobmetrics "github.com/bakehouse/books/internal/jobs"
	"github.com/bakehouse/books/internal/platform/cache"
	"github.com/bakehouse/books/internal/platform/db"
	"github.com/bakehouse/books/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("business time zone", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer jobClient.Close()

	services := app.NewServices(app.ServiceDeps{
		Config:    cfg,
		Pool:      pool,
		Redis:     redisClient,
		Publisher: jobs.NewEventPublisher(jobClient, logger),
		Logger:    logger,
	})

	metrics := jobmetrics.NewMetrics(nil)
	closeJob := jobs.NewCloseBooksJob(services.Production, cfg.SystemActorID, loc, logger, metrics)
	alertJob := jobs.NewAlertJob(logger, metrics)

	closeTask, err := jobs.NewCloseBooksTask(jobs.CloseBooksPayload{})
	if err != nil {
		logger.Error("build close books task", slog.Any("error", err))
		os.Exit(1)
	}

	handlers := append([]jobs.TaskHandler{
		{Type: jobs.TaskCloseDailyBooks, Handler: closeJob.Handle},
	}, alertJob.Handlers()...)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Handlers:    handlers,
		Cron: []jobs.CronRegistration{
			{Spec: cfg.CloseBooksCron, Task: closeTask, Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
