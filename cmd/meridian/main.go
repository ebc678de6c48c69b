package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/meridian-erp/meridian-erp/internal/app"
	"github.com/meridian-erp/meridian-erp/internal/audit"
	"github.com/meridian-erp/meridian-erp/internal/auth"
	"github.com/meridian-erp/meridian-erp/internal/authctx"
	"github.com/meridian-erp/meridian-erp/internal/observability"
	"github.com/meridian-erp/meridian-erp/internal/platform/cache"
	"github.com/meridian-erp/meridian-erp/internal/platform/db"
	"github.com/meridian-erp/meridian-erp/internal/rbac"
	rbachttp "github.com/meridian-erp/meridian-erp/internal/rbac/http"
	"github.com/meridian-erp/meridian-erp/internal/session"
	"github.com/meridian-erp/meridian-erp/internal/tenant"
	tenanthttp "github.com/meridian-erp/meridian-erp/internal/tenant/http"
	"github.com/meridian-erp/meridian-erp/internal/token"
	"github.com/meridian-erp/meridian-erp/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	managerPool, err := db.New(ctx, cfg.ManagerDSN)
	if err != nil {
		logger.Error("connect manager store", slog.Any("error", err))
		os.Exit(1)
	}
	defer managerPool.Close()

	redisClient, err := cache.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, tenant cache degraded", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	tenantRepo := tenant.NewRepository(managerPool)
	registry := tenant.NewRegistry(tenantRepo, redisClient, cfg.TenantCacheTTL, logger)
	if err := registry.Refresh(ctx); err != nil {
		logger.Warn("initial registry load", slog.Any("error", err))
	}

	router := session.NewRouter(managerPool, registry, logger)
	defer router.Close()

	metrics := observability.NewMetrics()
	auditLogger := audit.NewLogger(managerPool, logger)

	codec := token.NewCodec(cfg.TokenSecret, cfg.TokenIssuer, cfg.TokenTTL)

	rbacRepo := rbac.NewRepository(managerPool)
	resolver := rbac.NewResolver(rbacRepo, metrics)
	rbacService := rbac.NewService(rbacRepo, auditLogger, logger)

	builder := authctx.NewBuilder(codec, router, resolver, logger)

	authRepo := auth.NewRepository(managerPool)
	authService := auth.NewService(authRepo, codec)
	authHandler := auth.NewHandler(authService, logger)

	rbacHandler := rbachttp.NewHandler(rbacService, logger)
	tenantHandler := tenanthttp.NewHandler(tenantRepo, registry, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	httpRouter := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		Builder:       builder,
		AuthHandler:   authHandler,
		RBACHandler:   rbacHandler,
		TenantHandler: tenantHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      httpRouter,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
