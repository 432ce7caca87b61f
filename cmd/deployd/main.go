package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sferro/deployd/internal/app/migrate"
	httpx "github.com/sferro/deployd/internal/http"
	"github.com/sferro/deployd/internal/repository/postgres"
	"github.com/sferro/deployd/internal/service/auth"
	"github.com/sferro/deployd/internal/service/configs"
	"github.com/sferro/deployd/internal/service/engine"
	"github.com/sferro/deployd/internal/service/logs"
	"github.com/sferro/deployd/internal/service/webhook"
	"github.com/sferro/deployd/internal/workspace"
	"github.com/sferro/deployd/internal/ws"
	"github.com/sferro/deployd/pkg/config"
	"github.com/sferro/deployd/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("deployd", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub(cfg.SubscriberBuffer)
	defer hub.Close()

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	registry := configs.NewRegistry(repo, log)
	if err := registry.Load(ctx); err != nil {
		log.Error("failed to load deploy configs", "error", err)
		os.Exit(1)
	}
	logSvc := logs.New(repo, hub, log)
	stager := engine.NewGitStager(workspaces, cfg.GitBaseURL, log)
	eng := engine.New(repo, registry, logSvc, stager, cfg, log)
	authSvc := auth.New(cfg.JWTSecret)
	webhookSvc := webhook.New(repo, log, cfg)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, registry, eng, logSvc, webhookSvc, limiter, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployd server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := eng.Shutdown(shutdownCtx); err != nil {
			log.Error("engine shutdown incomplete", "error", err)
		}
		log.Info("deployd server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
