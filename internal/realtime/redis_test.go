package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/donorlink/donorlink/internal/chat"
	"github.com/donorlink/donorlink/internal/config"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// testRedis connects to DONORLINK_TEST_REDIS_ADDR or skips.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("DONORLINK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DONORLINK_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := NewRedisClient(ctx, config.RealtimeConfig{RedisAddr: addr})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisChannelName(t *testing.T) {
	f := NewRedisFeed(nil, "", 0, nil)
	assert.Equal(t, "donorlink:chat:club:club-1", f.Channel(clubScope))

	f = NewRedisFeed(nil, "staging", 0, nil)
	assert.Equal(t, "staging:chat:direct:c9", f.Channel(chat.Scope{Kind: chat.ScopeDirect, ID: "c9"}))
}

func TestRedisFeedRoundTrip(t *testing.T) {
	client := testRedis(t)
	f := NewRedisFeed(client, "test-"+uuid.NewString(), 16, zaptest.NewLogger(t))
	ctx := context.Background()

	sub, err := f.Subscribe(ctx, clubScope)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, f.Publish(ctx, insertEvent(clubScope, "m1")))
	require.NoError(t, f.Publish(ctx, chat.FeedEvent{Kind: chat.EventDelete, Scope: clubScope, MessageID: "m1"}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, chat.EventInsert, ev.Kind)
		require.NotNil(t, ev.Message)
		assert.Equal(t, "m1", ev.Message.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no insert event")
	}

	select {
	case ev := <-sub.Events():
		assert.Equal(t, chat.EventDelete, ev.Kind)
		assert.Equal(t, "m1", ev.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("no delete event")
	}
}

func TestRedisFeedUnsubscribeClosesEvents(t *testing.T) {
	client := testRedis(t)
	f := NewRedisFeed(client, "test-"+uuid.NewString(), 16, zaptest.NewLogger(t))

	sub, err := f.Subscribe(context.Background(), clubScope)
	require.NoError(t, err)
	sub.Unsubscribe()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
