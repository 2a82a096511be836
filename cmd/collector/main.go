package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/YCLstock/quant-crypto/configs"
	"github.com/YCLstock/quant-crypto/internal/archive"
	"github.com/YCLstock/quant-crypto/internal/collector"
	"github.com/YCLstock/quant-crypto/internal/depth"
	"github.com/YCLstock/quant-crypto/internal/exchange"
	"github.com/YCLstock/quant-crypto/internal/monitor"
	"github.com/YCLstock/quant-crypto/internal/storage"
	"github.com/YCLstock/quant-crypto/internal/taskqueue"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	appConfig, err := configs.AppLoad()
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	store, err := storage.Open(appConfig.DBDSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr: appConfig.RedisAddr,
		DB:   appConfig.RedisDB,
	})
	defer rdb.Close()

	clientCfg := exchange.DefaultClientConfig(appConfig.Exchange.RESTBaseURL)
	clientCfg.WeightBudget = appConfig.Exchange.WeightBudget
	clientCfg.RefillWindow = appConfig.Exchange.RefillWindow
	clientCfg.MaxRetries = appConfig.Exchange.MaxRetries
	client := exchange.NewClient(clientCfg, logger)

	stream := exchange.NewStream(exchange.DefaultStreamConfig(appConfig.Exchange.StreamURL), logger)
	books := depth.NewReconciler(logger)
	mon := monitor.New(books, store, logger)

	svc := collector.New(appConfig.Collector, stream, client, books, store, mon, logger)

	queue := taskqueue.New(rdb, logger)
	backfiller := collector.NewBackfiller(client, store, logger)
	collector.RegisterHandlers(queue, backfiller)

	compactor := archive.New(store, archive.Config{
		BatchSize:    appConfig.Archive.BatchSize,
		ArchiveAfter: days(appConfig.Archive.ArchiveAfterDays),
		DeleteAfter:  days(appConfig.Archive.DeleteAfterDays),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := collector.EnqueueInitialBackfill(ctx, queue, appConfig.Collector.Symbols, appConfig.Collector.BackfillDays); err != nil {
		logger.WithError(err).Warn("initial backfill not enqueued")
	}

	go func() {
		if err := queue.Run(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("task worker stopped")
		}
	}()
	go func() {
		if err := compactor.RunDaily(ctx); err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("archive maintenance stopped")
		}
	}()

	logger.Info("collector started")
	if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("collector stopped with error")
		os.Exit(1)
	}
	logger.Info("collector shutdown complete")
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
