package chat

import (
	"sort"
	"sync"
)

type presenceKey struct {
	room RoomID
	user UserID
}

// Presence tracks which users are online per room. Each (room, user) entry
// holds the ids of the live connections contributing to it; the entry
// exists iff that set is non-empty. Keeping ids instead of a bare counter
// makes join and leave idempotent per connection and lets the sweep repair
// entries exactly.
type Presence struct {
	mu      sync.RWMutex
	entries map[presenceKey]map[ConnectionID]struct{}
	byRoom  map[RoomID]map[UserID]struct{}
}

func NewPresence() *Presence {
	return &Presence{
		entries: make(map[presenceKey]map[ConnectionID]struct{}),
		byRoom:  make(map[RoomID]map[UserID]struct{}),
	}
}

// Join adds conn to the (room, user) entry and reports whether the user
// just went from offline to online in the room.
func (p *Presence) Join(room RoomID, user UserID, conn ConnectionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := presenceKey{room, user}
	conns := p.entries[key]
	if conns == nil {
		conns = make(map[ConnectionID]struct{})
		p.entries[key] = conns
	}
	if _, ok := conns[conn]; ok {
		return false
	}
	conns[conn] = struct{}{}
	if len(conns) > 1 {
		return false
	}

	if p.byRoom[room] == nil {
		p.byRoom[room] = make(map[UserID]struct{})
	}
	p.byRoom[room][user] = struct{}{}
	return true
}

// Leave removes conn from the (room, user) entry and reports whether the
// user just went offline. Unknown pairs are a no-op.
func (p *Presence) Leave(room RoomID, user UserID, conn ConnectionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaveLocked(presenceKey{room, user}, conn)
}

func (p *Presence) leaveLocked(key presenceKey, conn ConnectionID) bool {
	conns, ok := p.entries[key]
	if !ok {
		return false
	}
	if _, ok := conns[conn]; !ok {
		return false
	}
	delete(conns, conn)
	if len(conns) > 0 {
		return false
	}

	delete(p.entries, key)
	if users := p.byRoom[key.room]; users != nil {
		delete(users, key.user)
		if len(users) == 0 {
			delete(p.byRoom, key.room)
		}
	}
	return true
}

// OnlineUsers returns the users online in room, ascending.
func (p *Presence) OnlineUsers(room RoomID) []UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	users := make([]UserID, 0, len(p.byRoom[room]))
	for id := range p.byRoom[room] {
		users = append(users, id)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

func (p *Presence) IsOnline(room RoomID, user UserID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[presenceKey{room, user}]
	return ok
}

// Connections reports how many live connections back the (room, user) entry.
func (p *Presence) Connections(room RoomID, user UserID) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries[presenceKey{room, user}])
}

func (p *Presence) Rooms() []RoomID {
	p.mu.RLock()
	defer p.mu.RUnlock()

	rooms := make([]RoomID, 0, len(p.byRoom))
	for id := range p.byRoom {
		rooms = append(rooms, id)
	}
	return rooms
}

// Reconcile drops connections of room that alive no longer recognises and
// returns the users that went offline as a result, ascending.
func (p *Presence) Reconcile(room RoomID, alive func(ConnectionID) bool) []UserID {
	p.mu.Lock()
	defer p.mu.Unlock()

	var left []UserID
	for user := range p.byRoom[room] {
		key := presenceKey{room, user}
		for conn := range p.entries[key] {
			if alive(conn) {
				continue
			}
			if p.leaveLocked(key, conn) {
				left = append(left, user)
			}
		}
	}
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}
