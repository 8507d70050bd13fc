package signaling

import (
	"context"
	"fmt"

	"classmesh/internal/core/ports"
	"classmesh/internal/infrastructure/signaling/memory"
	redissignaling "classmesh/internal/infrastructure/signaling/redis"
	"classmesh/pkg/config"

	"go.uber.org/zap"
)

// NewSignalingChannel builds the configured signaling backend. An unreachable
// Redis is an error unless fallback_to_memory is set; the in-memory channel
// only serves endpoints inside this process.
func NewSignalingChannel(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (ports.SignalingChannel, error) {
	if cfg.Signaling.Backend != "redis" {
		logger.Info("using memory signaling channel")
		return memory.NewMemorySignalingChannel(), nil
	}

	redisCfg := cfg.Signaling.Redis
	client, err := redissignaling.NewRedisClient(ctx, redissignaling.ClientOptions{
		Address:  redisCfg.Address,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
		PoolSize: redisCfg.PoolSize,
		Prefix:   redisCfg.Prefix,
	}, logger)
	if err != nil {
		if !redisCfg.FallbackToMemory {
			return nil, fmt.Errorf("signaling backend unavailable: %w", err)
		}
		logger.Warnw("failed to connect to Redis, falling back to memory signaling channel",
			"error", err,
		)
		return memory.NewMemorySignalingChannel(), nil
	}

	channel, err := redissignaling.NewRedisSignalingChannel(ctx, client, redissignaling.Options{
		Prefix:          redisCfg.Prefix,
		WritesPerSecond: cfg.Signaling.WritesPerSecond,
		WriteBurst:      cfg.Signaling.WriteBurst,
		OwnsClient:      true,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Infow("using Redis signaling channel", "prefix", redisCfg.Prefix)
	return channel, nil
}
