package chat

import (
	"context"
	"log/slog"
	"time"

	"go-chat-core/internal/logger"
)

// Notifier receives a copy of every newly created message for
// out-of-band delivery such as push notifications.
type Notifier interface {
	Notify(ctx context.Context, ev *Event) error
}

// notificationQueue decouples the broadcast path from the notifier: Enqueue
// never blocks and a full queue drops the notification.
type notificationQueue struct {
	notifier Notifier
	queue    chan *Event
	timeout  time.Duration
	log      *slog.Logger
}

func newNotificationQueue(n Notifier, size int, timeout time.Duration, log *slog.Logger) *notificationQueue {
	if size <= 0 {
		size = 1024
	}
	return &notificationQueue{
		notifier: n,
		queue:    make(chan *Event, size),
		timeout:  timeout,
		log:      log,
	}
}

func (q *notificationQueue) Enqueue(ev *Event) {
	if q == nil {
		return
	}
	select {
	case q.queue <- ev:
	default:
		q.log.Warn("notification queue full, dropping", "room_id", ev.RoomID)
	}
}

func (q *notificationQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-q.queue:
			nctx, cancel := context.WithTimeout(ctx, q.timeout)
			if err := q.notifier.Notify(nctx, ev); err != nil {
				q.log.Warn("notification failed", "room_id", ev.RoomID, logger.Err(err))
			}
			cancel()
		}
	}
}
