package notify

import (
	"context"
	"fmt"
	"strconv"

	"go-chat-core/internal/chat"

	"github.com/redis/go-redis/v9"
)

// RedisStream appends notifications to a capped Redis stream.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStream(client *redis.Client, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Notify(ctx context.Context, ev *chat.Event) error {
	data, err := payload(ev)
	if err != nil {
		return err
	}

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"room_id":    roomKey(ev.RoomID),
			"message_id": strconv.FormatInt(int64(ev.Message.ID), 10),
			"creator_id": strconv.FormatInt(int64(ev.Message.CreatorID), 10),
			"payload":    string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}
