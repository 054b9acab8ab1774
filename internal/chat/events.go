package chat

import (
	"encoding/json"
	"sync"
)

// EventType tags every frame on the wire.
type EventType string

// Client → server
const (
	TypeAuth        EventType = "auth"
	TypeNewMessage  EventType = "new_message"
	TypeTypingStart EventType = "typing_start"
	TypeTypingStop  EventType = "typing_stop"
)

// Server → client. typing_start/typing_stop are shared with the client side.
const (
	TypeAuthResult       EventType = "auth_result"
	TypeMessageCreated   EventType = "message_created"
	TypePresenceUpdate   EventType = "presence_update"
	TypeUserJoined       EventType = "user_joined"
	TypeUserLeft         EventType = "user_left"
	TypeRecoveryComplete EventType = "recovery_complete"
	TypeError            EventType = "error"
)

// Error codes carried by error frames.
const (
	CodeBadFrame               = "bad_frame"
	CodeUnknownType            = "unknown_type"
	CodeAuthFailed             = "auth_failed"
	CodeInvalidContent         = "invalid_content"
	CodeInvalidClientMessageID = "invalid_client_message_id"
	CodeForbidden              = "forbidden"
	CodePersistenceFailed      = "persistence_failed"
	CodeRateLimited            = "rate_limited"
	CodeRecoveryFailed         = "recovery_failed"
)

// ClientFrame is any frame a client sends; fields not used by Type are empty.
type ClientFrame struct {
	Type              EventType  `json:"type"`
	SessionToken      string     `json:"session_token,omitempty"`
	LastSeenMessageID *MessageID `json:"last_seen_message_id,omitempty"`
	RoomID            RoomID     `json:"room_id,omitempty"`
	Content           string     `json:"content,omitempty"`
	ClientMessageID   string     `json:"client_message_id,omitempty"`
}

// Event is a server → client frame. One Event may be fanned out to many
// connections, so it is encoded at most once and must not be mutated
// after it has been handed to the registry.
type Event struct {
	Type            EventType `json:"type"`
	RoomID          RoomID    `json:"room_id,omitempty"`
	UserID          UserID    `json:"user_id,omitempty"`
	Message         *Message  `json:"message,omitempty"`
	ClientMessageID string    `json:"client_message_id,omitempty"`
	OnlineUsers     []UserID  `json:"online_users,omitempty"`
	Success         *bool     `json:"success,omitempty"`
	Rooms           []RoomID  `json:"rooms,omitempty"`
	Count           int       `json:"count,omitempty"`
	Truncated       bool      `json:"truncated,omitempty"`
	OldestID        MessageID `json:"oldest_id,omitempty"`
	Code            string    `json:"code,omitempty"`
	Error           string    `json:"error,omitempty"`

	once sync.Once
	raw  []byte
	err  error
}

type plainEvent Event

// MarshalJSON always spells out the recovery_complete fields, so an
// empty backfill still reports count 0.
func (e *Event) MarshalJSON() ([]byte, error) {
	if e.Type != TypeRecoveryComplete {
		return json.Marshal((*plainEvent)(e))
	}
	return json.Marshal(struct {
		Type      EventType `json:"type"`
		Count     int       `json:"count"`
		Truncated bool      `json:"truncated"`
		OldestID  MessageID `json:"oldest_id"`
	}{e.Type, e.Count, e.Truncated, e.OldestID})
}

func (e *Event) Encode() ([]byte, error) {
	e.once.Do(func() {
		e.raw, e.err = json.Marshal(e)
	})
	return e.raw, e.err
}

func (e *Event) messageID() (MessageID, bool) {
	if e.Type != TypeMessageCreated || e.Message == nil {
		return 0, false
	}
	return e.Message.ID, true
}

func NewAuthResult(ok bool, rooms []RoomID, reason string) *Event {
	return &Event{Type: TypeAuthResult, Success: &ok, Rooms: rooms, Error: reason}
}

func NewMessageCreated(msg *Message) *Event {
	return &Event{
		Type:            TypeMessageCreated,
		RoomID:          msg.RoomID,
		Message:         msg,
		ClientMessageID: msg.ClientMessageID,
	}
}

func NewTypingStart(room RoomID, user UserID) *Event {
	return &Event{Type: TypeTypingStart, RoomID: room, UserID: user}
}

func NewTypingStop(room RoomID, user UserID) *Event {
	return &Event{Type: TypeTypingStop, RoomID: room, UserID: user}
}

func NewPresenceUpdate(room RoomID, online []UserID) *Event {
	return &Event{Type: TypePresenceUpdate, RoomID: room, OnlineUsers: online}
}

func NewUserJoined(room RoomID, user UserID) *Event {
	return &Event{Type: TypeUserJoined, RoomID: room, UserID: user}
}

func NewUserLeft(room RoomID, user UserID) *Event {
	return &Event{Type: TypeUserLeft, RoomID: room, UserID: user}
}

func NewRecoveryComplete(count int, truncated bool, oldest MessageID) *Event {
	return &Event{Type: TypeRecoveryComplete, Count: count, Truncated: truncated, OldestID: oldest}
}

func NewError(code string, err error) *Event {
	return &Event{Type: TypeError, Code: code, Error: err.Error()}
}
