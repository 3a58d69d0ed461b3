package session

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"campaign-pipeline/internal/config"
)

// Open builds the store selected by cfg.SessionBackend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.SessionBackend {
	case "", "file":
		return NewFileStore(cfg.SessionFile), nil
	case "memory":
		return NewMemoryStore(cfg.Profile), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("session backend redis requires REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return NewRedisStore(client, cfg.Profile), nil
	case "postgres":
		st, err := NewPostgresStore(ctx, cfg.PostgresDSN, cfg.Profile)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.SessionBackend)
	}
}
