package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Normola/AudioPirate/internal/auth"
	"github.com/Normola/AudioPirate/internal/config"
)

// openTokenStore builds the configured token store. The Redis client is
// returned as well so login throttling can share the connection.
func openTokenStore(ctx context.Context, cfg config.TokenStoreConfig, logger *slog.Logger) (auth.TokenStore, redis.UniversalClient, error) {
	switch cfg.Driver {
	case "memory", "":
		return auth.NewMemoryTokenStore(), nil, nil
	case "redis":
		store, err := auth.NewRedisTokenStore(auth.RedisTokenStoreConfig{
			Addr:         cfg.Redis.Addr,
			Addrs:        cfg.Redis.Addrs,
			Username:     cfg.Redis.Username,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			KeyPrefix:    cfg.Redis.KeyPrefix,
			MasterName:   cfg.Redis.MasterName,
			DialTimeout:  cfg.Redis.Timeout,
			ReadTimeout:  cfg.Redis.Timeout,
			WriteTimeout: cfg.Redis.Timeout,
			PoolSize:     cfg.Redis.PoolSize,
			TLS: auth.RedisTLSConfig{
				CAFile:             cfg.Redis.TLS.CA,
				CertFile:           cfg.Redis.TLS.Cert,
				KeyFile:            cfg.Redis.TLS.Key,
				ServerName:         cfg.Redis.TLS.ServerName,
				InsecureSkipVerify: cfg.Redis.TLS.SkipVerify,
			},
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open redis token store: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			// Redis may come up after the server; sessions fail with
			// server_error until it does.
			logger.Warn("redis token store unreachable", "error", err)
		}
		return store, store.Client(), nil
	case "postgres":
		store, err := auth.NewPostgresTokenStore(ctx, cfg.Postgres.DSN, auth.WithTimeout(cfg.Postgres.Timeout))
		if err != nil {
			return nil, nil, err
		}
		return store, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported token store driver %q", cfg.Driver)
	}
}
