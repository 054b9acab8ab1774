package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// c1 stands in for the client-assigned key of a retried send.
const c1 = "5f0c8f1e-8a51-4a0e-9d3b-3f8d2b6c1a01"

func TestMemoryStore_CreateOrGetIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, created, err := store.CreateOrGet(ctx, 1, 10, "hello", c1)
	require.NoError(t, err)
	assert.True(t, created)

	retry, created, err := store.CreateOrGet(ctx, 1, 10, "hello-duplicate", c1)
	require.NoError(t, err)
	assert.False(t, created)

	assert.Equal(t, first.ID, retry.ID)
	assert.Equal(t, "hello", retry.Content)
	assert.Equal(t, 1, store.Count(1))

	// Same key in another room is a different message.
	other, created, err := store.CreateOrGet(ctx, 2, 10, "hello", c1)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestMemoryStore_KeyIsCaseInsensitive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	upper := "5F0C8F1E-8A51-4A0E-9D3B-3F8D2B6C1A01"

	first, _, err := store.CreateOrGet(ctx, 1, 10, "hello", c1)
	require.NoError(t, err)
	again, created, err := store.CreateOrGet(ctx, 1, 10, "hello", upper)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
}

func TestMemoryStore_ConcurrentDuplicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const n = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[MessageID]int)
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, ok, err := store.CreateOrGet(ctx, 1, 10, "hello", c1)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[msg.ID]++
			if ok {
				created++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, store.Count(1))
}

func TestMemoryStore_RejectsInvalidInput(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, _, err := store.CreateOrGet(ctx, 1, 10, "   ", c1)
	assert.ErrorIs(t, err, ErrInvalidContent)

	_, _, err = store.CreateOrGet(ctx, 1, 10, "hello", "c1")
	assert.ErrorIs(t, err, ErrInvalidClientMessageID)

	assert.Zero(t, store.Count(1))
	_, ok := store.LastActivity(1)
	assert.False(t, ok)
}

func TestMemoryStore_CanceledContextIsDatabaseError(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.CreateOrGet(ctx, 1, 10, "hello", c1)
	assert.ErrorIs(t, err, ErrDatabase)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_Queries(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// Interleave two rooms: room 1 gets ids 1,3,5,7,9 and room 2 gets 2,4,6,8,10.
	for i := 0; i < 10; i++ {
		room := RoomID(1 + i%2)
		_, _, err := store.CreateOrGet(ctx, room, 10, "m", uuid.NewString())
		require.NoError(t, err)
	}

	recent, err := store.RecentMessages(ctx, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []MessageID{5, 7, 9}, ids(recent))

	before, err := store.MessagesBefore(ctx, 1, 5, 10)
	require.NoError(t, err)
	assert.Equal(t, []MessageID{1, 3}, ids(before))

	after, err := store.MessagesAfter(ctx, []RoomID{1, 2}, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, []MessageID{5, 6, 7, 8, 9, 10}, ids(after))

	capped, err := store.MessagesAfter(ctx, []RoomID{1, 2}, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []MessageID{9, 10}, ids(capped), "the newest messages are kept")

	onlyTwo, err := store.MessagesAfter(ctx, []RoomID{2}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []MessageID{2, 4, 6, 8, 10}, ids(onlyTwo))

	last, ok := store.LastActivity(2)
	assert.True(t, ok)
	assert.False(t, last.IsZero())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	msg, _, err := store.CreateOrGet(ctx, 1, 10, "hello", c1)
	require.NoError(t, err)
	msg.Content = "mutated"

	recent, err := store.RecentMessages(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", recent[0].Content)
}

func ids(msgs []*Message) []MessageID {
	out := make([]MessageID, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
