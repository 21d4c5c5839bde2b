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
	"github.com/reviewloop/reviewloop/pkg/consumer"
	"github.com/reviewloop/reviewloop/pkg/engine"
	"github.com/reviewloop/reviewloop/pkg/queue"
	"github.com/reviewloop/reviewloop/pkg/store/postgres"
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

	if err := db.AutoMigrate(); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	jobRepo := postgres.NewJobRepository(db.DB())
	inboxRepo := postgres.NewInboxRepository(db.DB(), cfg.Inbox.StalenessWindow)
	historyRepo := postgres.NewHistoryRepository(db.DB())

	publisher := queue.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.ClientID)
	defer publisher.Close()

	hostname, _ := os.Hostname()

	// Workflow processors (CODE_REVIEW and friends) are registered here by
	// the service that embeds the engine.
	registry := engine.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	created := consumer.New(consumer.Options{
		NewReader: func() consumer.MessageReader {
			return queue.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.WorkerGroup, cfg.Kafka.JobsCreatedTopic)
		},
		ConsumerID:  consumer.ConsumerJobsCreated,
		LockedBy:    hostname,
		Inbox:       inboxRepo,
		Jobs:        jobRepo,
		History:     historyRepo,
		Registry:    registry,
		DLQ:         publisher,
		DLQTopic:    cfg.Kafka.DLQTopic,
		MaxAttempts: cfg.Kafka.MaxAttempts,
		Logger:      logger,
	})
	go runConsumer(ctx, created, logger, "jobs-created")

	if cfg.Features.ResumeConsumer {
		resumed := consumer.New(consumer.Options{
			NewReader: func() consumer.MessageReader {
				return queue.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.WorkerGroup, cfg.Kafka.JobsResumedTopic)
			},
			ConsumerID:  consumer.ConsumerJobsResumed,
			LockedBy:    hostname,
			Resumed:     true,
			Inbox:       inboxRepo,
			Jobs:        jobRepo,
			History:     historyRepo,
			Registry:    registry,
			DLQ:         publisher,
			DLQTopic:    cfg.Kafka.DLQTopic,
			MaxAttempts: cfg.Kafka.MaxAttempts,
			Logger:      logger,
		})
		go runConsumer(ctx, resumed, logger, "jobs-resumed")
	} else {
		logger.Info("resume consumer disabled by feature flag")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("worker shutting down")
}

func runConsumer(ctx context.Context, c *consumer.Consumer, logger *zap.Logger, name string) {
	for {
		err := c.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		logger.Error("consumer stopped, restarting", zap.String("consumer", name), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
