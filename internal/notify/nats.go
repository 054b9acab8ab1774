package notify

import (
	"context"
	"fmt"

	"go-chat-core/internal/chat"

	"github.com/nats-io/nats.go"
)

// NATS publishes each notification on <subject>.<room_id>.
type NATS struct {
	conn    *nats.Conn
	subject string
}

func NewNATS(conn *nats.Conn, subject string) *NATS {
	return &NATS{conn: conn, subject: subject}
}

func (n *NATS) Subject(room chat.RoomID) string {
	return n.subject + "." + roomKey(room)
}

func (n *NATS) Notify(ctx context.Context, ev *chat.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := payload(ev)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.Subject(ev.RoomID), data); err != nil {
		return fmt.Errorf("publish %s: %w", n.Subject(ev.RoomID), err)
	}
	return nil
}
