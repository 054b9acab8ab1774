package chat

import (
	"errors"
	"fmt"
)

// Validation
var (
	ErrInvalidContent         = errors.New("invalid message content")
	ErrInvalidClientMessageID = errors.New("invalid client message id")
	ErrUnknownRoom            = errors.New("unknown room")
	ErrUnknownUser            = errors.New("unknown user")
)

var (
	ErrDatabase  = errors.New("message storage failure")
	ErrForbidden = errors.New("not a member of the room")
)

// Send
var (
	ErrClosed       = errors.New("connection closed")
	ErrBackpressure = errors.New("connection outbound queue full")
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrRecovery           = errors.New("recovery failed")
	ErrBroadcasterClosed  = errors.New("broadcaster closed")
)

func dbError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrDatabase, err)
}

// errorCode maps an ingestion failure to the code carried by error frames.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidContent):
		return CodeInvalidContent
	case errors.Is(err, ErrInvalidClientMessageID):
		return CodeInvalidClientMessageID
	case errors.Is(err, ErrUnknownRoom), errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrUnknownUser):
		return CodeAuthFailed
	default:
		return CodePersistenceFailed
	}
}
