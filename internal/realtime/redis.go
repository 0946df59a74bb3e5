package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/donorlink/donorlink/internal/chat"
	"github.com/donorlink/donorlink/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisFeed carries chat changes over Redis pub/sub, one channel per scope,
// so that several server instances share one realtime stream.
type RedisFeed struct {
	client *redis.Client
	prefix string
	buffer int
	logger *zap.Logger
}

// NewRedisClient connects to the configured Redis server.
func NewRedisClient(ctx context.Context, cfg config.RealtimeConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// NewRedisFeed creates a feed on client. Channels are named
// "<prefix>:chat:<kind>:<id>".
func NewRedisFeed(client *redis.Client, prefix string, buffer int, logger *zap.Logger) *RedisFeed {
	if prefix == "" {
		prefix = "donorlink"
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisFeed{client: client, prefix: prefix, buffer: buffer, logger: logger}
}

// Channel returns the pub/sub channel of scope.
func (f *RedisFeed) Channel(scope chat.Scope) string {
	return fmt.Sprintf("%s:chat:%s:%s", f.prefix, scope.Kind, scope.ID)
}

// Close closes the Redis client. Open subscriptions report a disconnect.
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

// Publish sends ev to every subscriber of its scope on any instance.
func (f *RedisFeed) Publish(ctx context.Context, ev chat.FeedEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding feed event: %w", err)
	}
	if err := f.client.Publish(ctx, f.Channel(ev.Scope), payload).Err(); err != nil {
		return fmt.Errorf("publishing to redis: %w", err)
	}
	return nil
}

// Subscribe opens a subscription to scope. The subscription is confirmed
// before it is returned.
func (f *RedisFeed) Subscribe(ctx context.Context, scope chat.Scope) (chat.Subscription, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	ps := f.client.Subscribe(ctx, f.Channel(scope))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", f.Channel(scope), err)
	}

	sub := &redisSub{
		ps:     ps,
		scope:  scope,
		out:    make(chan chat.FeedEvent, f.buffer),
		done:   make(chan struct{}),
		logger: f.logger.With(zap.String("channel", f.Channel(scope))),
	}
	go sub.listen(f.buffer)
	return sub, nil
}

type redisSub struct {
	ps     *redis.PubSub
	scope  chat.Scope
	out    chan chat.FeedEvent
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (s *redisSub) Events() <-chan chat.FeedEvent { return s.out }

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		s.ps.Close()
	})
}

// listen forwards messages until the subscription ends. A resubscription
// after a dropped connection means messages may have been missed, so it is
// reported as a disconnected status.
func (s *redisSub) listen(size int) {
	defer close(s.out)

	ch := s.ps.ChannelWithSubscriptions(redis.WithChannelSize(size))
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-ch:
			if !ok {
				s.emit(chat.FeedEvent{Kind: chat.EventStatus, Scope: s.scope, Status: chat.StatusDisconnected})
				return
			}
			switch msg := raw.(type) {
			case *redis.Subscription:
				if msg.Kind == "subscribe" {
					s.emit(chat.FeedEvent{Kind: chat.EventStatus, Scope: s.scope, Status: chat.StatusDisconnected})
				}
			case *redis.Message:
				var ev chat.FeedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("discarding malformed feed event", zap.Error(err))
					continue
				}
				if !s.emit(ev) {
					s.logger.Warn("subscriber fell behind, closing")
					s.Unsubscribe()
					return
				}
			}
		}
	}
}

func (s *redisSub) emit(ev chat.FeedEvent) bool {
	select {
	case <-s.done:
		return false
	case s.out <- ev:
		return true
	default:
		return false
	}
}
