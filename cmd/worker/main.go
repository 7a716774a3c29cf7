package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"careline/internal/audit"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/internal/config"
	"careline/internal/pipeline"
	"careline/pkg/logger"
	"careline/pkg/queue"
	"careline/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// The worker process consumes recording pipeline jobs enqueued by the API:
// fetch the recording from the bridge, transcribe, summarize, persist.

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	var bridgeAdapter bridge.Bridge
	if cfg.Bridge.Configured() {
		bridgeAdapter, err = bridge.NewTwilioBridge(cfg.Bridge)
		if err != nil {
			log.Error("bridge init failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("telephony bridge not configured; recording jobs will degrade")
		bridgeAdapter = bridge.NotConfigured{}
	}

	sessionRepo := callsession.NewPostgresRepo(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	transcriber := pipeline.NewHTTPTranscriber(cfg.Transcribe)
	summarizer := pipeline.NewHTTPSummarizer(cfg.Summarize)

	proc := pipeline.NewProcessor(sessionRepo, bridgeAdapter, transcriber, summarizer, auditSvc, log)
	w := pipeline.NewWorker(queue.NewQueue(rdb, log), proc, log)

	log.Info("recording worker started", "env", cfg.App.Env)
	w.Run(rootCtx)
	log.Info("recording worker stopped")
}
