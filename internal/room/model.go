package room

import (
	"errors"

	"go-chat-core/internal/chat"
)

var (
	ErrInvalidKind   = errors.New("room kind must be open, closed or direct")
	ErrDirectMembers = errors.New("a direct room needs exactly one other member")
	ErrUnknownMember = errors.New("unknown member")
	ErrNameTooLong   = errors.New("room name too long")
)

const MaxNameLength = 100

type CreateRoomRequest struct {
	Name      string        `json:"name"`
	Kind      chat.RoomKind `json:"kind"`
	MemberIDs []int64       `json:"member_ids"`
}

// members returns the distinct member ids other than the creator.
func (req *CreateRoomRequest) members(creator chat.UserID) []chat.UserID {
	seen := map[chat.UserID]bool{creator: true}
	var out []chat.UserID
	for _, id := range req.MemberIDs {
		uid := chat.UserID(id)
		if seen[uid] {
			continue
		}
		seen[uid] = true
		out = append(out, uid)
	}
	return out
}

func (req *CreateRoomRequest) validate(creator chat.UserID) error {
	if !req.Kind.Valid() {
		return ErrInvalidKind
	}
	if len([]rune(req.Name)) > MaxNameLength {
		return ErrNameTooLong
	}
	if req.Kind == chat.RoomDirect && len(req.members(creator)) != 1 {
		return ErrDirectMembers
	}
	return nil
}
