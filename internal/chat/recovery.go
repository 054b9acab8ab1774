package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

const (
	DefaultRecentLimit   = 50
	DefaultRecoveryLimit = 100
)

// Recovery backfills what a (re)connecting client missed. It writes
// straight to the connection, ahead of any held-back live events, and
// waits for the writer when the backfill outgrows the outbound queue.
type Recovery struct {
	store       MessageStore
	registry    *Registry
	recentLimit int
	maxMissed   int
	log         *slog.Logger
}

func NewRecovery(store MessageStore, registry *Registry, recentLimit, maxMissed int, log *slog.Logger) *Recovery {
	if recentLimit <= 0 {
		recentLimit = DefaultRecentLimit
	}
	if maxMissed <= 0 {
		maxMissed = DefaultRecoveryLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recovery{
		store:       store,
		registry:    registry,
		recentLimit: recentLimit,
		maxMissed:   maxMissed,
		log:         log,
	}
}

// MissedSince delivers backfill to the connection and returns the cursor
// at which the live stream takes over.
//
// Without a marker the newest recentLimit messages of every joined room
// are sent. With one, messages after it across all joined rooms are sent
// ascending; beyond maxMissed only the newest are kept and the
// recovery_complete frame is flagged truncated so the client can page
// older history.
func (r *Recovery) MissedSince(ctx context.Context, userID UserID, connID ConnectionID, lastSeen *MessageID) (Cursor, error) {
	conn, ok := r.registry.Get(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrRecovery, ErrConnectionNotFound)
	}
	if conn.UserID != userID {
		return nil, fmt.Errorf("%w: connection %s does not belong to user %d", ErrRecovery, connID, userID)
	}

	rooms := conn.Rooms()
	cursor := make(Cursor, len(rooms))
	var marker MessageID
	if lastSeen != nil {
		marker = *lastSeen
	}
	for _, room := range rooms {
		cursor[room] = marker
	}

	var (
		msgs      []*Message
		truncated bool
	)
	if lastSeen == nil {
		for _, room := range rooms {
			recent, err := r.store.RecentMessages(ctx, room, r.recentLimit)
			if err != nil {
				return cursor, fmt.Errorf("%w: %w", ErrRecovery, err)
			}
			msgs = append(msgs, recent...)
		}
		sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	} else {
		missed, err := r.store.MessagesAfter(ctx, rooms, marker, r.maxMissed+1)
		if err != nil {
			return cursor, fmt.Errorf("%w: %w", ErrRecovery, err)
		}
		if len(missed) > r.maxMissed {
			truncated = true
			missed = missed[len(missed)-r.maxMissed:]
		}
		msgs = missed
	}

	for _, msg := range msgs {
		if err := r.registry.SendWait(ctx, connID, NewMessageCreated(msg)); err != nil {
			return cursor, fmt.Errorf("%w: %w", ErrRecovery, err)
		}
		if msg.ID > cursor[msg.RoomID] {
			cursor[msg.RoomID] = msg.ID
		}
	}

	var oldest MessageID
	if len(msgs) > 0 {
		oldest = msgs[0].ID
	}
	if truncated {
		// Everything below the kept window belongs to the paged history
		// path, including live copies still held back.
		for room := range cursor {
			if cursor[room] < oldest-1 {
				cursor[room] = oldest - 1
			}
		}
	}
	if err := r.registry.SendWait(ctx, connID, NewRecoveryComplete(len(msgs), truncated, oldest)); err != nil {
		return cursor, fmt.Errorf("%w: %w", ErrRecovery, err)
	}

	r.log.Debug("backfill delivered", "conn_id", connID, "user_id", userID, "count", len(msgs), "truncated", truncated)
	return cursor, nil
}
