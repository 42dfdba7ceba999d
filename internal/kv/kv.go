// Package kv owns the optional redis connection. Redis backs the
// scheduler's cross-process job locks and the latency probes; when
// REDIS_ADDR is unset the client is nil and both fall back to
// single-process behaviour.
package kv

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/paintops/crewclock/internal/config"
)

var Module = fx.Module("kv",
	fx.Provide(NewClient),
)

func NewClient(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) *redis.Client {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		log.Named("kv").Info("redis not configured, running without shared locks")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				log.Named("kv").Warn("redis ping failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}
