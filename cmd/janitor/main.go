package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/config"
	"github.com/reviewloop/reviewloop/pkg/janitor"
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

	inboxRepo := postgres.NewInboxRepository(db.DB(), cfg.Inbox.StalenessWindow)
	outboxRepo := postgres.NewOutboxRepository(db.DB())
	locks := postgres.NewLockService(db.DB(), logger)

	j := janitor.New(inboxRepo, outboxRepo, locks, logger,
		cfg.Inbox.StalenessWindow, cfg.Inbox.ReclaimInterval,
		cfg.Retention.MessageRetention, cfg.Retention.SweepInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal("janitor stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("janitor shutting down")
}
