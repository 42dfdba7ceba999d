package observability

import (
	"context"

	"github.com/paintops/crewclock/internal/config"
	"github.com/paintops/crewclock/internal/observability/logger"
	"github.com/paintops/crewclock/internal/observability/metrics"
	"github.com/paintops/crewclock/internal/observability/tracing"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
		provideTracingConfig,
		tracing.NewProvider,
		metrics.NewHTTPMetrics,
		metrics.NewJobMetrics,
		metrics.NewProbeMetrics,
	),
	fx.Invoke(registerLoggerHooks),
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
		Version:     cfg.AppVersion,
		Level:       cfg.LogLevel,
	}
}

func provideTracingConfig(cfg config.Config) tracing.Config {
	return tracing.Config{
		Enabled:        cfg.OtelEnabled,
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.AppVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLPEndpoint,
	}
}

func registerLoggerHooks(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			_ = ctx
			_ = log.Sync()
			return nil
		},
	})
}
