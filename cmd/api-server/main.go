package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/medication-adherence/internal/api"
	"github.com/hackgods/medication-adherence/internal/app"
	"github.com/hackgods/medication-adherence/internal/auth"
	"github.com/hackgods/medication-adherence/internal/config"
	"github.com/hackgods/medication-adherence/internal/logger"
	"github.com/hackgods/medication-adherence/internal/metrics"
	"github.com/hackgods/medication-adherence/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer func() { _ = zl.Sync() }()
	zl = zl.With(zap.String("service", "api-server"), zap.String("env", cfg.Env))
	zl.Info("api-server starting up", zap.String("http_port", cfg.HTTPPort), zap.String("version", cfg.Version))

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(rootCtx, cfg.Tracing)
	if err != nil {
		zl.Fatal("tracing init error", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	m := metrics.NewCollector("meds")
	a, err := app.New(rootCtx, cfg, zl, m)
	if err != nil {
		zl.Fatal("startup error", zap.Error(err))
	}
	defer a.Close()

	if cfg.Auth.JWTSecret == "" {
		zl.Warn("JWT_SECRET is empty; tokens are signed with an empty key")
	}

	router := api.NewRouter(api.RouterConfig{
		Medication:     a.Medication,
		Directory:      a.Directory,
		Engine:         a.Engine,
		Reports:        a.Reports,
		Archiver:       a.Archiver,
		Dispatcher:     a.Dispatcher,
		Verifier:       auth.NewVerifier(cfg.Auth, a.Clock),
		Metrics:        m,
		Logger:         zl,
		Clock:          a.Clock,
		PgPool:         a.PgPool,
		Redis:          a.Redis,
		Env:            cfg.Env,
		Version:        cfg.Version,
		AllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-rootCtx.Done():
		zl.Info("shutdown signal received")
	case err := <-errCh:
		zl.Error("http server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Error("graceful shutdown failed", zap.Error(err))
	}

	zl.Info("shutting down api-server")
}
