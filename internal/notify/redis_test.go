package notify

import (
	"context"
	"os"
	"testing"

	"go-chat-core/internal/chat"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping test: TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisStream_Notify(t *testing.T) {
	client := setupTestRedis(t)
	ctx := context.Background()
	stream := "test:notifications:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, stream) })

	n := NewRedisStream(client, stream, 1000)
	require.NoError(t, n.Notify(ctx, chat.NewMessageCreated(testMessage())))

	entries, err := client.XRange(ctx, stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "7", entries[0].Values["room_id"])
	assert.Equal(t, "42", entries[0].Values["message_id"])
	assert.Contains(t, entries[0].Values["payload"], `"content":"hello"`)
}
