package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/config"
	"github.com/reviewloop/reviewloop/pkg/events"
	"github.com/reviewloop/reviewloop/pkg/queue"
	"github.com/reviewloop/reviewloop/pkg/store/postgres"
	redisclient "github.com/reviewloop/reviewloop/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	rdb, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	jobRepo := postgres.NewJobRepository(db.DB())
	buffer := events.NewRedisBuffer(rdb.Client(), cfg.Buffer.TTL)

	newReader := func() events.EventReader {
		return queue.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.EventGroup, cfg.Kafka.StageEventsTopic)
	}
	handler := events.NewHandler(newReader, jobRepo, buffer, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			err := handler.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("event handler stopped, restarting", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("event handler shutting down")
}
