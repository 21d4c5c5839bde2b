package main

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/reviewloop/reviewloop/pkg/apiserver"
	"github.com/reviewloop/reviewloop/pkg/config"
	"github.com/reviewloop/reviewloop/pkg/status"
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

	jobRepo := postgres.NewJobRepository(db.DB())
	historyRepo := postgres.NewHistoryRepository(db.DB())
	inboxRepo := postgres.NewInboxRepository(db.DB(), cfg.Inbox.StalenessWindow)
	outboxRepo := postgres.NewOutboxRepository(db.DB())

	statusService := status.NewService(jobRepo, historyRepo, inboxRepo, outboxRepo, logger)
	server := apiserver.NewServer(statusService, cfg, logger)

	addr := fmt.Sprintf(":%d", cfg.Server.HTTPPort)
	logger.Info("status api listening", zap.String("addr", addr))

	httpServer := &http.Server{
		Addr:        addr,
		Handler:     server.Router(),
		ReadTimeout: cfg.Server.ReadTimeout,
	}
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("status api stopped", zap.Error(err))
	}
}
