// Package main is the entry point for the Kiro gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jwadow/kiro-gateway/internal/auth"
	"github.com/jwadow/kiro-gateway/internal/cache"
	"github.com/jwadow/kiro-gateway/internal/config"
	"github.com/jwadow/kiro-gateway/internal/handler"
	"github.com/jwadow/kiro-gateway/internal/kiro"
	"github.com/jwadow/kiro-gateway/internal/pool"
	"github.com/jwadow/kiro-gateway/pkg/middleware"
)

func main() {
	cfg := config.Load()

	logger := setupLogger(cfg)
	logger.Info("starting Kiro gateway",
		"host", cfg.Host,
		"port", cfg.Port,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	accountPool, cleanup, err := buildPool(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to initialize credentials", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	total, healthy := accountPool.Size()
	logger.Info("account pool ready",
		"accounts", total,
		"healthy", healthy,
		"strategy", cfg.PoolStrategy,
	)

	kiroClient := kiro.NewClient(kiro.ClientOptions{
		MaxConns:            cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		Retry: kiro.RetryPolicy{
			MaxRetries:        cfg.MaxRetries,
			StreamRetries:     cfg.StreamRetries,
			BaseDelay:         cfg.BaseRetryDelay,
			MaxDelay:          cfg.MaxRetryDelay,
			FirstTokenTimeout: cfg.FirstTokenTimeout,
			RequestTimeout:    cfg.RequestTimeout,
		},
		Logger: logger,
	})

	modelCache := cache.NewModelCache(cache.ModelCacheOptions{
		TTL:    cfg.ModelCacheTTL,
		Logger: logger,
	})
	catalog := handler.NewCatalog(modelCache, kiroClient, accountPool, logger)

	// Best effort warmup; an unreachable backend must not block startup.
	warmupCtx, warmupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := catalog.Refresh(warmupCtx); err != nil {
		logger.Warn("initial model fetch failed, validation deferred", "error", err)
	}
	warmupCancel()

	chatHandler := handler.NewChatHandler(handler.ChatHandlerOptions{
		Pool:               accountPool,
		Client:             kiroClient,
		Catalog:            catalog,
		Logger:             logger,
		MaxToolDescription: cfg.MaxToolDescription,
	})
	modelsHandler := handler.NewModelsHandler(catalog, logger)
	healthHandler := handler.NewHealthHandler(accountPool, catalog)

	validateAPIKey := func(key string) bool {
		if cfg.APIKey == "" {
			return true // no key configured, allow all
		}
		return key == cfg.APIKey
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	mux.Handle("GET /v1/models", modelsHandler)
	mux.Handle("POST /v1/chat/completions", chatHandler)

	var httpHandler http.Handler = mux
	httpHandler = middleware.Auth(validateAPIKey, logger)(httpHandler)
	httpHandler = middleware.Logging(logger)(httpHandler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	kiroClient.Close()
	logger.Info("server stopped")
}

// buildPool assembles the account pool from whichever credential source
// the configuration selects. The cleanup closes source connections.
func buildPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pool.Pool, func(), error) {
	source, err := cfg.CredentialSource()
	if err != nil {
		return nil, nil, err
	}
	refresher := auth.NewRefresher(auth.RefresherOptions{Logger: logger})
	cleanup := func() {}

	switch source {
	case config.SourcePool:
		accounts, err := pool.Discover(ctx, cfg.CredsDir, refresher, logger)
		if err != nil {
			return nil, nil, err
		}
		p, err := pool.New(accounts, pool.Options{
			Strategy: cfg.PoolStrategy,
			Logger:   logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return p, cleanup, nil

	case config.SourceFile:
		manager, err := auth.NewManager(ctx, auth.ManagerOptions{
			Source:        &auth.FileSource{Path: cfg.CredsFile},
			Refresher:     refresher,
			Logger:        logger,
			RefreshMargin: cfg.RefreshMargin,
		})
		if err != nil {
			return nil, nil, err
		}
		return pool.NewSingle(manager, logger), cleanup, nil

	case config.SourceRedis:
		redisSource, err := auth.NewRedisSource(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		manager, err := auth.NewManager(ctx, auth.ManagerOptions{
			Source:        redisSource,
			Refresher:     refresher,
			Logger:        logger,
			RefreshMargin: cfg.RefreshMargin,
		})
		if err != nil {
			_ = redisSource.Close()
			return nil, nil, err
		}
		return pool.NewSingle(manager, logger), func() { _ = redisSource.Close() }, nil

	default: // inline
		manager, err := auth.NewManager(ctx, auth.ManagerOptions{
			Source: &auth.StaticSource{Credential: &auth.Credential{
				AccessToken:  cfg.AccessToken,
				RefreshToken: cfg.RefreshToken,
				ProfileARN:   cfg.ProfileARN,
				Region:       cfg.Region,
				AuthMethod:   cfg.AuthMethod,
				ClientID:     cfg.ClientID,
				ClientSecret: cfg.ClientSecret,
			}},
			Refresher:     refresher,
			Logger:        logger,
			RefreshMargin: cfg.RefreshMargin,
		})
		if err != nil {
			return nil, nil, err
		}
		return pool.NewSingle(manager, logger), cleanup, nil
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.LogJSON {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(h)
}
