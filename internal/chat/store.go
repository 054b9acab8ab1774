package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MessageStore is the sole authority on whether a message already exists.
//
// CreateOrGet persists a message keyed by (roomID, clientMessageID). When
// the key already exists the original message is returned with
// created=false and content is discarded. Ids increase in commit order.
type MessageStore interface {
	CreateOrGet(ctx context.Context, roomID RoomID, creatorID UserID, content, clientMessageID string) (msg *Message, created bool, err error)

	// RecentMessages returns the newest limit messages of a room, ascending.
	RecentMessages(ctx context.Context, roomID RoomID, limit int) ([]*Message, error)

	// MessagesAfter returns the newest limit messages with id > afterID
	// across the given rooms, ascending.
	MessagesAfter(ctx context.Context, roomIDs []RoomID, afterID MessageID, limit int) ([]*Message, error)

	// MessagesBefore pages history backwards: the newest limit messages
	// with id < beforeID (no bound when beforeID is 0), ascending.
	MessagesBefore(ctx context.Context, roomID RoomID, beforeID MessageID, limit int) ([]*Message, error)
}

type dedupKey struct {
	room   RoomID
	client string
}

// MemoryStore keeps messages in process. A single lock orders commits,
// which makes id order equal commit order across all rooms.
type MemoryStore struct {
	mu           sync.RWMutex
	nextID       MessageID
	byKey        map[dedupKey]*Message
	byRoom       map[RoomID][]*Message
	lastActivity map[RoomID]time.Time
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:        make(map[dedupKey]*Message),
		byRoom:       make(map[RoomID][]*Message),
		lastActivity: make(map[RoomID]time.Time),
		now:          time.Now,
	}
}

func (s *MemoryStore) CreateOrGet(ctx context.Context, roomID RoomID, creatorID UserID, content, clientMessageID string) (*Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, dbError("create message", err)
	}
	key, err := NormalizeClientMessageID(clientMessageID)
	if err != nil {
		return nil, false, err
	}
	content, err = SanitizeContent(content)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[dedupKey{roomID, key}]; ok {
		return existing.clone(), false, nil
	}

	s.nextID++
	msg := &Message{
		ID:              s.nextID,
		RoomID:          roomID,
		CreatorID:       creatorID,
		Content:         content,
		ClientMessageID: key,
		CreatedAt:       s.now().UTC(),
	}
	s.byKey[dedupKey{roomID, key}] = msg
	s.byRoom[roomID] = append(s.byRoom[roomID], msg)
	s.lastActivity[roomID] = msg.CreatedAt

	return msg.clone(), true, nil
}

func (s *MemoryStore) RecentMessages(ctx context.Context, roomID RoomID, limit int) ([]*Message, error) {
	return s.MessagesBefore(ctx, roomID, 0, limit)
}

func (s *MemoryStore) MessagesBefore(ctx context.Context, roomID RoomID, beforeID MessageID, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, dbError("list messages", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.byRoom[roomID]
	end := len(msgs)
	if beforeID > 0 {
		end = sort.Search(len(msgs), func(i int) bool { return msgs[i].ID >= beforeID })
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return cloneAll(msgs[start:end]), nil
}

func (s *MemoryStore) MessagesAfter(ctx context.Context, roomIDs []RoomID, afterID MessageID, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, dbError("list messages", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, room := range roomIDs {
		msgs := s.byRoom[room]
		i := sort.Search(len(msgs), func(i int) bool { return msgs[i].ID > afterID })
		out = append(out, msgs[i:]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return cloneAll(out), nil
}

// LastActivity reports when the room last received a new message.
func (s *MemoryStore) LastActivity(roomID RoomID) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.lastActivity[roomID]
	return t, ok
}

// Count returns the number of stored messages in a room.
func (s *MemoryStore) Count(roomID RoomID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byRoom[roomID])
}

func cloneAll(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.clone()
	}
	return out
}
