package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careline/internal/admission"
	"careline/internal/audit"
	"careline/internal/auth"
	"careline/internal/bridge"
	"careline/internal/callsession"
	"careline/internal/config"
	"careline/internal/httpapi"
	"careline/internal/liveness"
	"careline/internal/pipeline"
	"careline/pkg/logger"
	"careline/pkg/queue"
	"careline/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := callsession.Migrate(rootCtx, db); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	if err := audit.Migrate(rootCtx, db); err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	sessionRepo := callsession.NewPostgresRepo(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	var bridgeAdapter bridge.Bridge
	if cfg.Bridge.Configured() {
		bridgeAdapter, err = bridge.NewTwilioBridge(cfg.Bridge)
		if err != nil {
			log.Error("bridge init failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("telephony bridge not configured; call placement will be rejected")
		bridgeAdapter = bridge.NotConfigured{}
	}

	// Recording pipeline work goes through the redis job queue; cmd/worker
	// consumes it. Ended sessions enqueue and move on.
	jobs := queue.NewQueue(rdb, log)
	trigger := pipeline.NewQueueTrigger(jobs, log)

	reconciler := liveness.NewReconciler(sessionRepo, bridgeAdapter, cfg.Stale, auditSvc, trigger, log)
	admissionCtl := admission.NewController(sessionRepo, bridgeAdapter, reconciler, cfg.Stale, auditSvc, log).
		WithRedisGuard(rdb).
		WithWebhookURL(cfg.WebhookURL())

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	h := httpapi.Handlers{
		Auth:       authManager,
		Admission:  admissionCtl,
		Reconciler: reconciler,
		Sessions:   sessionRepo,
		Bridge:     bridgeAdapter,
		Log:        log,
	}
	registerRoutes(r, h, authManager, db)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}
