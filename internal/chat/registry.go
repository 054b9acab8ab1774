package chat

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type connState int

const (
	connRecovering connState = iota
	connLive
	connClosed
)

// Cursor is the highest message id already delivered per room. Live
// message events at or below it are dropped when a connection goes live.
type Cursor map[RoomID]MessageID

// Connection is one registered transport session. Its room set is taken
// at registration and only grows, through Registry.Join.
type Connection struct {
	ID     ConnectionID
	UserID UserID

	roomsMu      sync.RWMutex
	rooms        map[RoomID]struct{}
	lastActivity atomic.Int64
	queueSize    int

	mu      sync.Mutex
	state   connState
	out     chan *Event
	done    chan struct{}
	pending []*Event
	// waiters counts senders blocked on out; out is closed by the last
	// of them once the connection is closed.
	waiters int
}

// Outbound is drained by the transport writer. It is closed when the
// connection is closed.
func (c *Connection) Outbound() <-chan *Event {
	return c.out
}

func (c *Connection) Rooms() []RoomID {
	c.roomsMu.RLock()
	rooms := make([]RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		rooms = append(rooms, id)
	}
	c.roomsMu.RUnlock()
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (c *Connection) InRoom(room RoomID) bool {
	c.roomsMu.RLock()
	defer c.roomsMu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *Connection) Touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) IsLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == connLive
}

// enqueue queues ev for the writer. While recovering, fanned-out events
// are held back unless direct is set. Must be called with c.mu held.
func (c *Connection) enqueue(ev *Event, direct bool) error {
	switch c.state {
	case connClosed:
		return ErrClosed
	case connRecovering:
		if !direct {
			if len(c.pending) >= c.queueSize {
				c.closeLocked()
				return ErrBackpressure
			}
			c.pending = append(c.pending, ev)
			return nil
		}
	}

	select {
	case c.out <- ev:
		return nil
	default:
		c.closeLocked()
		return ErrBackpressure
	}
}

// enqueueWait queues ev ahead of any held-back events, waiting for room
// in the queue. Giving up because ctx ended closes the connection.
func (c *Connection) enqueueWait(ctx context.Context, ev *Event) error {
	c.mu.Lock()
	if c.state == connClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case c.out <- ev:
		c.mu.Unlock()
		return nil
	default:
	}
	c.waiters++
	c.mu.Unlock()

	var err error
	select {
	case c.out <- ev:
	case <-c.done:
		err = ErrClosed
	case <-ctx.Done():
		err = ErrBackpressure
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.waiters--
	if err == ErrBackpressure && c.state != connClosed {
		c.closeLocked()
	} else if c.state == connClosed && c.waiters == 0 {
		close(c.out)
	}
	return err
}

func (c *Connection) closeLocked() bool {
	if c.state == connClosed {
		return false
	}
	c.state = connClosed
	c.pending = nil
	close(c.done)
	if c.waiters == 0 {
		close(c.out)
	}
	return true
}

// Close stops the connection; the writer observes the closed channel.
func (c *Connection) Close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// Registry is the single source of truth for which connections are alive
// and which rooms they joined.
type Registry struct {
	mu        sync.RWMutex
	conns     map[ConnectionID]*Connection
	rooms     map[RoomID]map[ConnectionID]struct{}
	queueSize int
	now       func() time.Time
	log       *slog.Logger
}

func NewRegistry(queueSize int, log *slog.Logger) *Registry {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		conns:     make(map[ConnectionID]*Connection),
		rooms:     make(map[RoomID]map[ConnectionID]struct{}),
		queueSize: queueSize,
		now:       time.Now,
		log:       log,
	}
}

// Register stores a new connection in the recovering state: it is
// reachable by fan-out immediately, but live events are held until
// MarkLive.
func (r *Registry) Register(userID UserID, rooms []RoomID) *Connection {
	conn := &Connection{
		ID:        ConnectionID(uuid.NewString()),
		UserID:    userID,
		rooms:     make(map[RoomID]struct{}, len(rooms)),
		queueSize: r.queueSize,
		state:     connRecovering,
		out:       make(chan *Event, r.queueSize),
		done:      make(chan struct{}),
	}
	for _, room := range rooms {
		conn.rooms[room] = struct{}{}
	}
	conn.Touch(r.now())

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID] = conn
	for room := range conn.rooms {
		if r.rooms[room] == nil {
			r.rooms[room] = make(map[ConnectionID]struct{})
		}
		r.rooms[room][conn.ID] = struct{}{}
	}
	r.log.Debug("connection registered", "conn_id", conn.ID, "user_id", userID, "rooms", len(rooms))
	return conn
}

// Unregister removes and closes the connection. The second call for the
// same id reports false.
func (r *Registry) Unregister(id ConnectionID) (*Connection, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		for _, room := range conn.Rooms() {
			if set := r.rooms[room]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(r.rooms, room)
				}
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	conn.Close()
	r.log.Debug("connection unregistered", "conn_id", id, "user_id", conn.UserID)
	return conn, true
}

// Join subscribes a registered connection to room. It reports false when
// the connection is gone or already in the room.
func (r *Registry) Join(id ConnectionID, room RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	conn.roomsMu.Lock()
	defer conn.roomsMu.Unlock()
	if _, in := conn.rooms[room]; in {
		return false
	}
	conn.rooms[room] = struct{}{}
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[ConnectionID]struct{})
	}
	r.rooms[room][id] = struct{}{}
	return true
}

// ByUser groups the registered connections by user.
func (r *Registry) ByUser() map[UserID][]ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[UserID][]ConnectionID)
	for id, conn := range r.conns {
		out[conn.UserID] = append(out[conn.UserID], id)
	}
	return out
}

func (r *Registry) Get(id ConnectionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// IsAlive reports whether id is registered and not closed.
func (r *Registry) IsAlive(id ConnectionID) bool {
	conn, ok := r.Get(id)
	if !ok {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state != connClosed
}

func (r *Registry) RoomsOf(id ConnectionID) ([]RoomID, error) {
	conn, ok := r.Get(id)
	if !ok {
		return nil, ErrConnectionNotFound
	}
	return conn.Rooms(), nil
}

// ConnectionsOfRoom returns a snapshot of the connections subscribed to room.
func (r *Registry) ConnectionsOfRoom(room RoomID) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.rooms[room]
	ids := make([]ConnectionID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Send delivers a fanned-out event. It never blocks: a full queue closes
// the connection and reports ErrBackpressure.
func (r *Registry) Send(id ConnectionID, ev *Event) error {
	return r.send(id, ev, false)
}

// SendDirect delivers an event addressed to this connection only, such
// as backfill, bypassing the hold-back applied while recovering.
func (r *Registry) SendDirect(id ConnectionID, ev *Event) error {
	return r.send(id, ev, true)
}

func (r *Registry) send(id ConnectionID, ev *Event, direct bool) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrClosed
	}
	conn.mu.Lock()
	err := conn.enqueue(ev, direct)
	conn.mu.Unlock()

	if err == ErrBackpressure {
		r.log.Warn("connection backpressured, closing", "conn_id", id, "user_id", conn.UserID)
	}
	return err
}

// SendWait is SendDirect for bulk deliveries such as backfill: instead of
// failing on a full queue it waits for the writer to make room. If ctx
// ends first the connection is closed as backpressured.
func (r *Registry) SendWait(ctx context.Context, id ConnectionID, ev *Event) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrClosed
	}
	err := conn.enqueueWait(ctx, ev)
	if err == ErrBackpressure {
		r.log.Warn("connection too slow for backfill, closing", "conn_id", id, "user_id", conn.UserID)
	}
	return err
}

// MarkLive hands the connection over from backfill to the live stream.
// Held events are flushed in order, waiting for queue space like
// SendWait; message events already covered by cursor are dropped. Events
// held while flushing are flushed too before the connection turns live.
func (r *Registry) MarkLive(ctx context.Context, id ConnectionID, cursor Cursor) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrConnectionNotFound
	}

	for {
		conn.mu.Lock()
		if conn.state == connClosed {
			conn.mu.Unlock()
			return ErrClosed
		}
		held := conn.pending
		conn.pending = nil
		if len(held) == 0 {
			conn.state = connLive
			conn.mu.Unlock()
			return nil
		}
		conn.mu.Unlock()

		for _, ev := range held {
			if msgID, ok := ev.messageID(); ok && msgID <= cursor[ev.RoomID] {
				continue
			}
			if err := conn.enqueueWait(ctx, ev); err != nil {
				return err
			}
		}
	}
}

// Touch records inbound activity on a connection.
func (r *Registry) Touch(id ConnectionID) {
	if conn, ok := r.Get(id); ok {
		conn.Touch(r.now())
	}
}

// Idle returns connections with no activity since cutoff.
func (r *Registry) Idle(cutoff time.Time) []ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []ConnectionID
	for id, conn := range r.conns {
		if conn.LastActivity().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every connection; used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.Close()
	}
}
