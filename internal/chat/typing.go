package chat

import (
	"sort"
	"sync"
	"time"
)

// DefaultQuietWindow is how long a typing indicator survives without a
// refresh.
const DefaultQuietWindow = 5 * time.Second

// Typing tracks who is typing in each room.
type Typing struct {
	mu      sync.Mutex
	entries map[RoomID]map[UserID]time.Time
	window  time.Duration
	now     func() time.Time
}

func NewTyping(window time.Duration) *Typing {
	if window <= 0 {
		window = DefaultQuietWindow
	}
	return &Typing{
		entries: make(map[RoomID]map[UserID]time.Time),
		window:  window,
		now:     time.Now,
	}
}

// Start records or refreshes an indicator. Only the first call of a burst
// reports true.
func (t *Typing) Start(room RoomID, user UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[room]
	if users == nil {
		users = make(map[UserID]time.Time)
		t.entries[room] = users
	}
	_, existed := users[user]
	users[user] = t.now()
	return !existed
}

// Stop removes an indicator and reports whether one was present.
func (t *Typing) Stop(room RoomID, user UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := t.entries[room]
	if _, ok := users[user]; !ok {
		return false
	}
	delete(users, user)
	if len(users) == 0 {
		delete(t.entries, room)
	}
	return true
}

// ActiveTypists returns the users typing in room, ascending.
func (t *Typing) ActiveTypists(room RoomID) []UserID {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]UserID, 0, len(t.entries[room]))
	for id := range t.entries[room] {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// ExpiredRooms lists rooms holding at least one indicator past the quiet
// window.
func (t *Typing) ExpiredRooms() []RoomID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	var rooms []RoomID
	for room, users := range t.entries {
		for _, started := range users {
			if !started.After(cutoff) {
				rooms = append(rooms, room)
				break
			}
		}
	}
	return rooms
}

// Expire removes the stale indicators of room and returns their users,
// ascending. Each removed user is returned exactly once.
func (t *Typing) Expire(room RoomID) []UserID {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.window)
	var expired []UserID
	for user, started := range t.entries[room] {
		if !started.After(cutoff) {
			delete(t.entries[room], user)
			expired = append(expired, user)
		}
	}
	if len(t.entries[room]) == 0 {
		delete(t.entries, room)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })
	return expired
}
