// Package notify hands copies of newly created messages to an external
// bus for push delivery.
package notify

import (
	"errors"
	"fmt"
	"strconv"

	"go-chat-core/internal/chat"
)

const (
	BackendRedis = "redis"
	BackendNATS  = "nats"
	BackendNone  = "none"
)

var ErrUnknownBackend = errors.New("unknown notify backend")

// payload is the notification body. Consumers only need the message.
func payload(ev *chat.Event) ([]byte, error) {
	if ev.Message == nil {
		return nil, fmt.Errorf("notify: event %q carries no message", ev.Type)
	}
	return ev.Encode()
}

func roomKey(room chat.RoomID) string {
	return strconv.FormatInt(int64(room), 10)
}
