package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/donorlink/donorlink/internal/chat"
	"github.com/donorlink/donorlink/internal/config"
	"github.com/donorlink/donorlink/internal/realtime"
)

// loadConfig loads and validates the config, providing a user-friendly error.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w\nRun `donorlink init` to create a config file", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	return cfg, nil
}

// feed is both ends of the chat realtime channel.
type feed interface {
	chat.Publisher
	chat.Feed
	Close() error
}

// createFeedFromConfig creates the realtime feed selected by cfg.Backend.
func createFeedFromConfig(ctx context.Context, cfg config.RealtimeConfig, logger *zap.Logger) (feed, error) {
	switch cfg.Backend {
	case config.RealtimeRedis:
		client, err := realtime.NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return realtime.NewRedisFeed(client, cfg.ChannelPrefix, cfg.BufferSize, logger), nil
	default:
		return realtime.NewBroker(cfg.BufferSize, logger), nil
	}
}
