package chat

import "time"

type (
	UserID       int64
	RoomID       int64
	MessageID    int64
	ConnectionID string
)

// RoomKind is consumed only by the authorization collaborator; the core
// never branches on it.
type RoomKind string

const (
	RoomOpen   RoomKind = "open"
	RoomClosed RoomKind = "closed"
	RoomDirect RoomKind = "direct"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomOpen, RoomClosed, RoomDirect:
		return true
	}
	return false
}

// Involvement is how strongly a member follows a room. Any level,
// including Invisible, means the user is a member.
type Involvement string

const (
	InvolvementInvisible  Involvement = "invisible"
	InvolvementNothing    Involvement = "nothing"
	InvolvementMentions   Involvement = "mentions"
	InvolvementEverything Involvement = "everything"
)

type Room struct {
	ID             RoomID    `json:"id"`
	Name           string    `json:"name"`
	Kind           RoomKind  `json:"kind"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Message is immutable once persisted.
type Message struct {
	ID              MessageID `json:"id"`
	RoomID          RoomID    `json:"room_id"`
	CreatorID       UserID    `json:"creator_id"`
	Content         string    `json:"content"`
	ClientMessageID string    `json:"client_message_id"`
	CreatedAt       time.Time `json:"created_at"`
}

func (m *Message) clone() *Message {
	c := *m
	return &c
}
