package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aquachain/api/internal/app"
	"aquachain/api/internal/config"
	"aquachain/api/internal/logging"
	"aquachain/api/internal/store"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		logger = logging.MustNew(logging.LevelInfo)
		logger.Warn("invalid log level, using info", zap.String("level", cfg.LogLevel), zap.Error(err))
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	rt, err := app.OpenRuntime(ctx, cfg, db, logger)
	if err != nil {
		logger.Fatal("runtime setup failed", zap.Error(err))
	}
	defer rt.Close()
	go rt.Search.ReindexAll(ctx)

	service := app.New(rt.Engine, rt.Store, rt.Search, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	if cfg.ScopeTokenSecret != "" {
		httpServer.UseScopeTokens([]byte(cfg.ScopeTokenSecret))
		logger.Info("scope tokens required")
	} else {
		logger.Warn("trusting " + app.ScopeHeader + " header; set AQUA_SCOPE_TOKEN_SECRET to require tokens")
	}
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("aqua api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
