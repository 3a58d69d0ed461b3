package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	api "campaign-pipeline/internal/api"
	"campaign-pipeline/internal/app"
	"campaign-pipeline/internal/config"
	"campaign-pipeline/internal/logging"
	"campaign-pipeline/internal/ratelimit"
	"campaign-pipeline/internal/session"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer a.Close()

	c, err := a.Pipeline.Resume(ctx)
	if err != nil {
		log.Fatalf("resume session: %v", err)
	}
	logger.Info("campaign loaded", zap.String("session_id", c.ID), zap.String("stage", string(c.Stage)))

	var limiter api.Limiter
	if cfg.RedisAddr != "" {
		redisLimiter := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisLimiter.Close()
		limiter = ratelimit.NewTokenBucket(redisLimiter, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, a.Pipeline, limiter, logger)
	if h, ok := a.Store.(session.History); ok {
		server.WithHistory(h)
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("addr", httpServer.Addr))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
