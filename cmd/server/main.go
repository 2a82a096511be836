package main

import (
	"context"
	"net/http"
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
	"github.com/YCLstock/quant-crypto/internal/server"
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
	queue := taskqueue.New(rdb, logger)

	clientCfg := exchange.DefaultClientConfig(appConfig.Exchange.RESTBaseURL)
	clientCfg.WeightBudget = appConfig.Exchange.WeightBudget
	clientCfg.RefillWindow = appConfig.Exchange.RefillWindow
	clientCfg.MaxRetries = appConfig.Exchange.MaxRetries
	client := exchange.NewClient(clientCfg, logger)

	stream := exchange.NewStream(exchange.DefaultStreamConfig(appConfig.Exchange.StreamURL), logger)
	books := depth.NewReconciler(logger)
	mon := monitor.New(books, store, logger)

	// By default the API process runs its own collection loops so live depth
	// state is served from memory. API_RUN_COLLECTOR=false turns them off.
	svc := collector.New(appConfig.Collector, stream, client, books, store, mon, logger)
	backfiller := collector.NewBackfiller(client, store, logger)

	compactor := archive.New(store, archive.Config{
		BatchSize:    appConfig.Archive.BatchSize,
		ArchiveAfter: time.Duration(appConfig.Archive.ArchiveAfterDays) * 24 * time.Hour,
		DeleteAfter:  time.Duration(appConfig.Archive.DeleteAfterDays) * 24 * time.Hour,
	}, logger)

	handler := server.NewHandler(books, mon, compactor, backfiller, queue, svc, store, logger)
	router := server.NewRouter(handler)

	httpServer := &http.Server{
		Addr:    appConfig.Server.Addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if appConfig.Server.RunCollector {
		go func() {
			if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("collector stopped")
			}
		}()
	} else {
		logger.Info("embedded collector disabled, serving stored data only")
	}

	go func() {
		logger.WithField("addr", appConfig.Server.Addr).Info("api server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("api server stopped")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("api shutdown incomplete")
	}
	logger.Info("server shutdown complete")
}
