package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go-chat-core/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Authorizer is the room membership collaborator.
type Authorizer interface {
	// RoomMembership reports the user's involvement in a room; ok is false
	// when the user is not a member.
	RoomMembership(ctx context.Context, userID UserID, roomID RoomID) (level Involvement, ok bool, err error)
	// RoomsOf lists the rooms a user joins on connect.
	RoomsOf(ctx context.Context, userID UserID) ([]RoomID, error)
}

type Options struct {
	TypingQuietWindow     time.Duration
	TypingSweepInterval   time.Duration
	PresenceSweepInterval time.Duration
	IdleTimeout           time.Duration
	PersistTimeout        time.Duration
	BackfillTimeout       time.Duration
	OutboundQueueSize     int
	RecentLimit           int
	RecoveryLimit         int
	RoomQueueSize         int
	RoomIdleTimeout       time.Duration
	NotifyQueueSize       int
}

func DefaultOptions() Options {
	return Options{
		TypingQuietWindow:     DefaultQuietWindow,
		TypingSweepInterval:   time.Second,
		PresenceSweepInterval: 45 * time.Second,
		IdleTimeout:           90 * time.Second,
		PersistTimeout:        5 * time.Second,
		BackfillTimeout:       30 * time.Second,
		OutboundQueueSize:     256,
		RecentLimit:           DefaultRecentLimit,
		RecoveryLimit:         DefaultRecoveryLimit,
		RoomQueueSize:         128,
		RoomIdleTimeout:       time.Minute,
		NotifyQueueSize:       1024,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TypingQuietWindow <= 0 {
		o.TypingQuietWindow = def.TypingQuietWindow
	}
	if o.TypingSweepInterval <= 0 {
		o.TypingSweepInterval = def.TypingSweepInterval
	}
	if o.PresenceSweepInterval <= 0 {
		o.PresenceSweepInterval = def.PresenceSweepInterval
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = def.PersistTimeout
	}
	if o.BackfillTimeout <= 0 {
		o.BackfillTimeout = def.BackfillTimeout
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = def.OutboundQueueSize
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = def.RecentLimit
	}
	if o.RecoveryLimit <= 0 {
		o.RecoveryLimit = def.RecoveryLimit
	}
	if o.RoomQueueSize <= 0 {
		o.RoomQueueSize = def.RoomQueueSize
	}
	if o.RoomIdleTimeout <= 0 {
		o.RoomIdleTimeout = def.RoomIdleTimeout
	}
	if o.NotifyQueueSize <= 0 {
		o.NotifyQueueSize = def.NotifyQueueSize
	}
	return o
}

// Hub coordinates the real-time core: connection lifecycle, ingestion,
// presence, typing and backfill.
type Hub struct {
	store MessageStore
	auth  Authorizer
	opts  Options
	log   *slog.Logger

	registry      *Registry
	presence      *Presence
	typing        *Typing
	broadcaster   *Broadcaster
	recovery      *Recovery
	notifications *notificationQueue
}

// NewHub wires the core. notifier may be nil.
func NewHub(store MessageStore, auth Authorizer, notifier Notifier, opts Options, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.withDefaults()

	registry := NewRegistry(opts.OutboundQueueSize, log)
	h := &Hub{
		store:       store,
		auth:        auth,
		opts:        opts,
		log:         log,
		registry:    registry,
		presence:    NewPresence(),
		typing:      NewTyping(opts.TypingQuietWindow),
		broadcaster: NewBroadcaster(registry, opts.RoomQueueSize, opts.RoomIdleTimeout, log),
		recovery:    NewRecovery(store, registry, opts.RecentLimit, opts.RecoveryLimit, log),
	}
	if notifier != nil {
		h.notifications = newNotificationQueue(notifier, opts.NotifyQueueSize, opts.PersistTimeout, log)
	}
	h.broadcaster.OnDrop(func(id ConnectionID) {
		go h.Disconnect(id)
	})
	return h
}

func (h *Hub) Registry() *Registry       { return h.registry }
func (h *Hub) Presence() *Presence       { return h.presence }
func (h *Hub) Typing() *Typing           { return h.typing }
func (h *Hub) Broadcaster() *Broadcaster { return h.broadcaster }
func (h *Hub) Store() MessageStore       { return h.store }

// Run drives the background sweeps and the notification hand-off until
// ctx ends, then closes every connection.
func (h *Hub) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h.every(ctx, h.opts.TypingSweepInterval, h.sweepTyping)
		return nil
	})
	g.Go(func() error {
		h.every(ctx, h.opts.PresenceSweepInterval, h.sweepPresence)
		return nil
	})
	g.Go(func() error {
		h.every(ctx, h.opts.IdleTimeout/3, h.sweepIdle)
		return nil
	})
	if h.notifications != nil {
		g.Go(func() error { return h.notifications.Run(ctx) })
	}

	err := g.Wait()
	h.registry.CloseAll()
	h.broadcaster.Close()
	h.log.Info("hub stopped")
	return err
}

func (h *Hub) every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Register stores a connection for an authenticated user and announces
// its presence in every room it joins. The connection is either fully
// registered with presence published, or torn down. It comes back in the
// recovering state; call Recover to switch it to live.
func (h *Hub) Register(ctx context.Context, userID UserID) (*Connection, error) {
	rooms, err := h.auth.RoomsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	conn := h.registry.Register(userID, rooms)
	for _, room := range conn.Rooms() {
		if err := h.enterRoom(ctx, room, conn); err != nil {
			h.Disconnect(conn.ID)
			return nil, fmt.Errorf("join room %d: %w", room, err)
		}
	}

	if err := h.registry.SendDirect(conn.ID, NewAuthResult(true, conn.Rooms(), "")); err != nil {
		h.Disconnect(conn.ID)
		return nil, err
	}

	h.log.Info("connection registered", "conn_id", conn.ID, "user_id", userID, "rooms", len(rooms))
	return conn, nil
}

// enterRoom marks conn present in room and sends it the room's current
// presence and typists.
func (h *Hub) enterRoom(ctx context.Context, room RoomID, conn *Connection) error {
	return h.broadcaster.Do(ctx, room, func(emit Emit) error {
		if !h.registry.IsAlive(conn.ID) {
			return ErrClosed
		}
		if h.presence.Join(room, conn.UserID, conn.ID) {
			emit(NewUserJoined(room, conn.UserID))
		}
		if err := h.registry.Send(conn.ID, NewPresenceUpdate(room, h.presence.OnlineUsers(room))); err != nil {
			return err
		}
		for _, typist := range h.typing.ActiveTypists(room) {
			if err := h.registry.Send(conn.ID, NewTypingStart(room, typist)); err != nil {
				return err
			}
		}
		return nil
	})
}

// JoinRoom subscribes already connected users to a room they gained
// access to after connecting, such as a newly created room. With no
// users given, every connected user is a candidate. Each candidate is
// checked with the authorizer first.
func (h *Hub) JoinRoom(ctx context.Context, room RoomID, users ...UserID) error {
	byUser := h.registry.ByUser()
	if len(users) == 0 {
		for user := range byUser {
			users = append(users, user)
		}
	}

	joined := 0
	for _, user := range users {
		conns := byUser[user]
		if len(conns) == 0 {
			continue
		}
		_, ok, err := h.auth.RoomMembership(ctx, user, room)
		if err != nil {
			return fmt.Errorf("membership of user %d in room %d: %w", user, room, err)
		}
		if !ok {
			continue
		}
		for _, id := range conns {
			conn, ok := h.registry.Get(id)
			if !ok || !h.registry.Join(id, room) {
				continue
			}
			if err := h.enterRoom(ctx, room, conn); err != nil {
				h.log.Warn("join room failed, closing", "conn_id", id, "room_id", room, logger.Err(err))
				h.Disconnect(id)
				continue
			}
			joined++
		}
	}
	h.log.Info("room joined", "room_id", room, "connections", joined)
	return nil
}

// Recover backfills the connection and hands it over to the live stream.
// A failed backfill is reported to the client and the connection still
// goes live; only a dead connection is an error.
func (h *Hub) Recover(ctx context.Context, conn *Connection, lastSeen *MessageID) error {
	ctx, cancel := context.WithTimeout(ctx, h.opts.BackfillTimeout)
	defer cancel()

	cursor, err := h.recovery.MissedSince(ctx, conn.UserID, conn.ID, lastSeen)
	if err != nil {
		h.log.Warn("backfill failed", "conn_id", conn.ID, "user_id", conn.UserID, logger.Err(err))
		_ = h.registry.SendWait(ctx, conn.ID, NewError(CodeRecoveryFailed, err))
	}

	if err := h.registry.MarkLive(ctx, conn.ID, cursor); err != nil {
		h.Disconnect(conn.ID)
		return fmt.Errorf("go live: %w", err)
	}
	return nil
}

// Connect is Register followed by Recover.
func (h *Hub) Connect(ctx context.Context, userID UserID, lastSeen *MessageID) (*Connection, error) {
	conn, err := h.Register(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := h.Recover(ctx, conn, lastSeen); err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect removes the connection and, for rooms where it was the
// user's last one, clears typing and announces the departure. Safe to
// call more than once.
func (h *Hub) Disconnect(id ConnectionID) {
	conn, ok := h.registry.Unregister(id)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.PersistTimeout)
	defer cancel()

	for _, room := range conn.Rooms() {
		err := h.broadcaster.Do(ctx, room, func(emit Emit) error {
			if h.presence.Leave(room, conn.UserID, conn.ID) {
				h.announceLeft(room, conn.UserID, emit)
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrBroadcasterClosed) {
			// The presence sweep repairs whatever was not cleared here.
			h.log.Warn("leave not published", "conn_id", id, "room_id", room, logger.Err(err))
		}
	}
	h.log.Info("connection closed", "conn_id", id, "user_id", conn.UserID)
}

func (h *Hub) announceLeft(room RoomID, user UserID, emit Emit) {
	if h.typing.Stop(room, user) {
		emit(NewTypingStop(room, user))
	}
	emit(NewUserLeft(room, user))
}

// HandleFrame processes one inbound frame of a live connection.
func (h *Hub) HandleFrame(ctx context.Context, conn *Connection, frame ClientFrame) {
	h.registry.Touch(conn.ID)

	switch frame.Type {
	case TypeNewMessage:
		h.handleNewMessage(ctx, conn, frame)
	case TypeTypingStart:
		h.handleTyping(ctx, conn, frame.RoomID, true)
	case TypeTypingStop:
		h.handleTyping(ctx, conn, frame.RoomID, false)
	case TypeAuth:
		h.reject(conn, frame, CodeBadFrame, errors.New("already authenticated"))
	default:
		h.reject(conn, frame, CodeUnknownType, fmt.Errorf("unknown frame type %q", frame.Type))
	}
}

func (h *Hub) handleNewMessage(ctx context.Context, conn *Connection, frame ClientFrame) {
	room := frame.RoomID
	if _, err := NormalizeClientMessageID(frame.ClientMessageID); err != nil {
		h.reject(conn, frame, CodeInvalidClientMessageID, err)
		return
	}
	if _, err := SanitizeContent(frame.Content); err != nil {
		h.reject(conn, frame, CodeInvalidContent, err)
		return
	}
	if err := h.authorize(ctx, conn, room); err != nil {
		h.reject(conn, frame, errorCode(err), err)
		return
	}

	err := h.broadcaster.Do(ctx, room, func(emit Emit) error {
		pctx, cancel := context.WithTimeout(ctx, h.opts.PersistTimeout)
		defer cancel()

		msg, created, err := h.store.CreateOrGet(pctx, room, conn.UserID, frame.Content, frame.ClientMessageID)
		if err != nil {
			return err
		}
		if !created {
			// A retry: answer the sender with the original, never re-broadcast.
			_ = h.registry.Send(conn.ID, NewMessageCreated(msg))
			return nil
		}

		if h.typing.Stop(room, conn.UserID) {
			emit(NewTypingStop(room, conn.UserID))
		}
		ev := NewMessageCreated(msg)
		emit(ev)
		h.notifications.Enqueue(ev)
		return nil
	})
	if err != nil {
		h.log.Error("message not created", "conn_id", conn.ID, "user_id", conn.UserID, "room_id", room,
			"client_message_id", frame.ClientMessageID, logger.Err(err))
		h.reject(conn, frame, errorCode(err), err)
	}
}

func (h *Hub) handleTyping(ctx context.Context, conn *Connection, room RoomID, start bool) {
	frame := ClientFrame{Type: TypeTypingStop, RoomID: room}
	if start {
		frame.Type = TypeTypingStart
		if err := h.authorize(ctx, conn, room); err != nil {
			h.reject(conn, frame, errorCode(err), err)
			return
		}
	} else if !conn.InRoom(room) {
		h.reject(conn, frame, CodeForbidden, ErrForbidden)
		return
	}

	user := conn.UserID
	err := h.broadcaster.Do(ctx, room, func(emit Emit) error {
		if start {
			if h.typing.Start(room, user) {
				emit(NewTypingStart(room, user))
			}
		} else if h.typing.Stop(room, user) {
			emit(NewTypingStop(room, user))
		}
		return nil
	})
	if err != nil {
		h.log.Warn("typing update dropped", "room_id", room, "user_id", user, logger.Err(err))
	}
}

// authorize checks that the connection joined the room and that the user
// is still a member of it.
func (h *Hub) authorize(ctx context.Context, conn *Connection, room RoomID) error {
	if !conn.InRoom(room) {
		h.log.Warn("frame for room not joined", "security", true, "user_id", conn.UserID, "room_id", room)
		return ErrForbidden
	}
	_, ok, err := h.auth.RoomMembership(ctx, conn.UserID, room)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		h.log.Warn("membership denied", "security", true, "user_id", conn.UserID, "room_id", room)
		return ErrForbidden
	}
	return nil
}

// reject answers the originating connection only; no state changes.
func (h *Hub) reject(conn *Connection, frame ClientFrame, code string, err error) {
	ev := NewError(code, err)
	ev.RoomID = frame.RoomID
	ev.ClientMessageID = frame.ClientMessageID
	_ = h.registry.Send(conn.ID, ev)
}

// History pages older messages of a room for a member.
func (h *Hub) History(ctx context.Context, userID UserID, room RoomID, before MessageID, limit int) ([]*Message, error) {
	_, ok, err := h.auth.RoomMembership(ctx, userID, room)
	if err != nil {
		return nil, err
	}
	if !ok {
		h.log.Warn("history denied", "security", true, "user_id", userID, "room_id", room)
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > h.opts.RecoveryLimit {
		limit = h.opts.RecoveryLimit
	}
	return h.store.MessagesBefore(ctx, room, before, limit)
}

func (h *Hub) sweepTyping(ctx context.Context) {
	for _, room := range h.typing.ExpiredRooms() {
		err := h.broadcaster.Do(ctx, room, func(emit Emit) error {
			for _, user := range h.typing.Expire(room) {
				emit(NewTypingStop(room, user))
			}
			return nil
		})
		if err != nil {
			h.log.Debug("typing sweep skipped room", "room_id", room, logger.Err(err))
		}
	}
}

func (h *Hub) sweepPresence(ctx context.Context) {
	for _, room := range h.presence.Rooms() {
		err := h.broadcaster.Do(ctx, room, func(emit Emit) error {
			for _, user := range h.presence.Reconcile(room, h.registry.IsAlive) {
				h.log.Info("stale presence repaired", "room_id", room, "user_id", user)
				h.announceLeft(room, user, emit)
			}
			return nil
		})
		if err != nil {
			h.log.Debug("presence sweep skipped room", "room_id", room, logger.Err(err))
		}
	}
}

func (h *Hub) sweepIdle(context.Context) {
	cutoff := h.registry.now().Add(-h.opts.IdleTimeout)
	for _, id := range h.registry.Idle(cutoff) {
		h.log.Info("closing idle connection", "conn_id", id)
		h.Disconnect(id)
	}
}
