package chat

import (
	"context"
	"testing"
	"time"

	"go-chat-core/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drain returns every event currently queued on the connection.
func drain(c *Connection) []*Event {
	var out []*Event
	for {
		select {
		case ev, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func types(evs []*Event) []EventType {
	out := make([]EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func ofType(evs []*Event, t EventType) []*Event {
	var out []*Event
	for _, ev := range evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func isClosed(c *Connection) bool {
	for {
		select {
		case _, ok := <-c.Outbound():
			if !ok {
				return true
			}
		default:
			return false
		}
	}
}

func msgEvent(id MessageID, room RoomID) *Event {
	return NewMessageCreated(&Message{ID: id, RoomID: room, Content: "m"})
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry(8, logger.Discard())

	a := reg.Register(1, []RoomID{3, 1, 2})
	b := reg.Register(2, []RoomID{2})

	assert.Equal(t, []RoomID{1, 2, 3}, a.Rooms())
	rooms, err := reg.RoomsOf(a.ID)
	require.NoError(t, err)
	assert.Equal(t, []RoomID{1, 2, 3}, rooms)

	assert.ElementsMatch(t, []ConnectionID{a.ID, b.ID}, reg.ConnectionsOfRoom(2))
	assert.Equal(t, []ConnectionID{a.ID}, reg.ConnectionsOfRoom(1))
	assert.Empty(t, reg.ConnectionsOfRoom(99))
	assert.True(t, reg.IsAlive(a.ID))
	assert.Equal(t, 2, reg.Len())

	_, err = reg.RoomsOf("missing")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry(8, logger.Discard())
	a := reg.Register(1, []RoomID{1})

	conn, ok := reg.Unregister(a.ID)
	require.True(t, ok)
	assert.Equal(t, a, conn)
	assert.True(t, isClosed(a))

	_, ok = reg.Unregister(a.ID)
	assert.False(t, ok)
	assert.False(t, reg.IsAlive(a.ID))
	assert.Empty(t, reg.ConnectionsOfRoom(1))
	assert.ErrorIs(t, reg.Send(a.ID, msgEvent(1, 1)), ErrClosed)
}

func TestRegistry_HoldsFanOutWhileRecovering(t *testing.T) {
	reg := NewRegistry(8, logger.Discard())
	a := reg.Register(1, []RoomID{1})
	assert.False(t, a.IsLive())

	require.NoError(t, reg.Send(a.ID, msgEvent(5, 1)))
	require.NoError(t, reg.SendDirect(a.ID, msgEvent(4, 1)))
	require.NoError(t, reg.Send(a.ID, msgEvent(6, 1)))

	// Only the direct event is visible before the hand-off.
	assert.Equal(t, []MessageID{4}, eventIDs(drain(a)))

	// Message 5 was already covered by backfill.
	require.NoError(t, reg.MarkLive(context.Background(), a.ID, Cursor{1: 5}))
	assert.True(t, a.IsLive())
	assert.Equal(t, []MessageID{6}, eventIDs(drain(a)))

	require.NoError(t, reg.Send(a.ID, msgEvent(7, 1)))
	assert.Equal(t, []MessageID{7}, eventIDs(drain(a)))
}

func TestRegistry_MarkLiveKeepsNonMessageEvents(t *testing.T) {
	reg := NewRegistry(8, logger.Discard())
	a := reg.Register(1, []RoomID{1})

	require.NoError(t, reg.Send(a.ID, NewUserJoined(1, 2)))
	require.NoError(t, reg.Send(a.ID, NewTypingStart(1, 2)))
	require.NoError(t, reg.MarkLive(context.Background(), a.ID, Cursor{1: 100}))

	assert.Equal(t, []EventType{TypeUserJoined, TypeTypingStart}, types(drain(a)))
}

func TestRegistry_BackpressureClosesConnection(t *testing.T) {
	reg := NewRegistry(2, logger.Discard())
	a := reg.Register(1, []RoomID{1})
	require.NoError(t, reg.MarkLive(context.Background(), a.ID, nil))

	require.NoError(t, reg.Send(a.ID, msgEvent(1, 1)))
	require.NoError(t, reg.Send(a.ID, msgEvent(2, 1)))
	assert.ErrorIs(t, reg.Send(a.ID, msgEvent(3, 1)), ErrBackpressure)

	assert.False(t, reg.IsAlive(a.ID))
	assert.ErrorIs(t, reg.Send(a.ID, msgEvent(4, 1)), ErrClosed)
}

func TestRegistry_BackpressureWhileRecovering(t *testing.T) {
	reg := NewRegistry(2, logger.Discard())
	a := reg.Register(1, []RoomID{1})

	require.NoError(t, reg.Send(a.ID, msgEvent(1, 1)))
	require.NoError(t, reg.Send(a.ID, msgEvent(2, 1)))
	assert.ErrorIs(t, reg.Send(a.ID, msgEvent(3, 1)), ErrBackpressure)
	assert.ErrorIs(t, reg.MarkLive(context.Background(), a.ID, nil), ErrClosed)
}

func TestRegistry_SendWaitWaitsForWriter(t *testing.T) {
	reg := NewRegistry(2, logger.Discard())
	a := reg.Register(1, []RoomID{1})

	got := make(chan []MessageID)
	go func() {
		var ids []MessageID
		for ev := range a.Outbound() {
			ids = append(ids, ev.Message.ID)
			if len(ids) == 10 {
				break
			}
		}
		got <- ids
	}()

	for id := MessageID(1); id <= 10; id++ {
		require.NoError(t, reg.SendWait(context.Background(), a.ID, msgEvent(id, 1)))
	}
	assert.Equal(t, []MessageID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, <-got)
	assert.True(t, reg.IsAlive(a.ID))
}

func TestRegistry_SendWaitGivesUpOnStalledWriter(t *testing.T) {
	reg := NewRegistry(2, logger.Discard())
	a := reg.Register(1, []RoomID{1})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, reg.SendWait(ctx, a.ID, msgEvent(1, 1)))
	require.NoError(t, reg.SendWait(ctx, a.ID, msgEvent(2, 1)))
	assert.ErrorIs(t, reg.SendWait(ctx, a.ID, msgEvent(3, 1)), ErrBackpressure)

	assert.False(t, reg.IsAlive(a.ID))
	assert.Equal(t, []MessageID{1, 2}, eventIDs(drain(a)))
	assert.True(t, isClosed(a))
}

func TestRegistry_CloseReleasesWaitingSender(t *testing.T) {
	reg := NewRegistry(1, logger.Discard())
	a := reg.Register(1, []RoomID{1})
	require.NoError(t, reg.SendWait(context.Background(), a.ID, msgEvent(1, 1)))

	errc := make(chan error)
	go func() { errc <- reg.SendWait(context.Background(), a.ID, msgEvent(2, 1)) }()

	assert.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.waiters == 1
	}, time.Second, time.Millisecond)
	reg.Unregister(a.ID)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("sender still blocked after close")
	}
	drain(a)
	assert.True(t, isClosed(a))
}

func TestRegistry_MarkLiveFlushesMoreThanQueue(t *testing.T) {
	reg := NewRegistry(4, logger.Discard())
	a := reg.Register(1, []RoomID{1})
	for id := MessageID(1); id <= 4; id++ {
		require.NoError(t, reg.Send(a.ID, msgEvent(id, 1)))
	}
	require.NoError(t, reg.SendWait(context.Background(), a.ID, NewRecoveryComplete(0, false, 0)))

	got := make(chan []EventType)
	go func() {
		var evs []EventType
		for ev := range a.Outbound() {
			evs = append(evs, ev.Type)
			if len(evs) == 5 {
				break
			}
		}
		got <- evs
	}()

	require.NoError(t, reg.MarkLive(context.Background(), a.ID, nil))
	assert.Equal(t, []EventType{
		TypeRecoveryComplete,
		TypeMessageCreated, TypeMessageCreated, TypeMessageCreated, TypeMessageCreated,
	}, <-got)
	assert.True(t, a.IsLive())
}

func TestRegistry_JoinAfterRegister(t *testing.T) {
	reg := NewRegistry(8, logger.Discard())
	a := reg.Register(1, []RoomID{1})
	b := reg.Register(2, nil)
	a2 := reg.Register(1, nil)

	assert.True(t, reg.Join(a.ID, 5))
	assert.False(t, reg.Join(a.ID, 5), "already joined")
	assert.False(t, reg.Join(a.ID, 1), "joined at register")
	assert.Equal(t, []RoomID{1, 5}, a.Rooms())
	assert.True(t, a.InRoom(5))
	assert.Equal(t, []ConnectionID{a.ID}, reg.ConnectionsOfRoom(5))

	byUser := reg.ByUser()
	assert.ElementsMatch(t, []ConnectionID{a.ID, a2.ID}, byUser[1])
	assert.Equal(t, []ConnectionID{b.ID}, byUser[2])

	reg.Unregister(a.ID)
	assert.Empty(t, reg.ConnectionsOfRoom(5))
	assert.False(t, reg.Join(a.ID, 6), "gone")
}

func TestRegistry_Idle(t *testing.T) {
	reg := NewRegistry(8, logger.Discard())
	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	a := reg.Register(1, []RoomID{1})
	b := reg.Register(2, []RoomID{1})

	now = now.Add(time.Minute)
	reg.Touch(b.ID)

	idle := reg.Idle(now.Add(-30 * time.Second))
	assert.Equal(t, []ConnectionID{a.ID}, idle)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := NewRegistry(8, logger.Discard())
	a := reg.Register(1, []RoomID{1})
	b := reg.Register(2, []RoomID{2})

	reg.CloseAll()

	assert.True(t, isClosed(a))
	assert.True(t, isClosed(b))
	assert.False(t, reg.IsAlive(a.ID))
}

func eventIDs(evs []*Event) []MessageID {
	var out []MessageID
	for _, ev := range evs {
		if id, ok := ev.messageID(); ok {
			out = append(out, id)
		}
	}
	return out
}
