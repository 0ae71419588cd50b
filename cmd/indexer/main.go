package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fragmarket/internal/chain"
	"fragmarket/internal/config"
	cronrunner "fragmarket/internal/cron"
	"fragmarket/internal/db"
	"fragmarket/internal/handler"
	"fragmarket/internal/logger"
	"fragmarket/internal/reconcile"
	gormrepository "fragmarket/internal/repository/gorm"
)

func main() {
	cfgPath := os.Getenv("FM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("FM_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.Dial(ctx, cfg.Chain.RPCURL, cfg.Chain.Timeout)
	if err != nil {
		logger.Fatal("chain dial failed", zap.Error(err))
	}
	defer chainClient.Close()

	store := gormrepository.New(dbConn.Gorm)

	reconcilers := make([]*reconcile.Reconciler, 0, len(cfg.Reconcile.Contracts))
	for _, contract := range cfg.Reconcile.Contracts {
		rec := &reconcile.Reconciler{
			Store:           store,
			Logs:            chainClient,
			Blocks:          chainClient,
			Logger:          logger,
			ContractType:    contract.Type,
			ContractAddress: contract.Address,
			Step:            cfg.Reconcile.Step,
		}
		if contract.StartBlock > 0 {
			if err := rec.SeedCheckpoint(ctx, contract.StartBlock); err != nil {
				logger.Fatal("checkpoint seed failed",
					zap.String("contract_type", contract.Type),
					zap.Error(err),
				)
			}
		}
		reconcilers = append(reconcilers, rec)
	}
	if len(reconcilers) == 0 {
		logger.Warn("no contracts configured, nothing to reconcile")
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(engine)
	syncHandler := &handler.SyncHandler{Repo: store, Logger: logger}
	syncHandler.Register(engine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		for _, rec := range reconcilers {
			rec := rec
			// Passes for one contract type must never overlap; a tick that
			// fires while the previous pass is still running is skipped.
			var running atomic.Bool
			_, err := cronRunner.Add(cfg.Cron.Reconcile, func(ctx context.Context) {
				if !running.CompareAndSwap(false, true) {
					logger.Debug("previous pass still running, skipping tick",
						zap.String("contract_type", rec.ContractType),
					)
					return
				}
				defer running.Store(false)
				if _, err := rec.RunPass(ctx); err != nil {
					logger.Warn("reconcile pass failed",
						zap.String("contract_type", rec.ContractType),
						zap.Error(err),
					)
				}
			})
			if err != nil {
				logger.Warn("cron register reconcile failed",
					zap.String("contract_type", rec.ContractType),
					zap.Error(err),
				)
			}
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
}
