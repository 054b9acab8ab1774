package chat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{err: ErrInvalidContent, code: CodeInvalidContent},
		{err: ErrInvalidClientMessageID, code: CodeInvalidClientMessageID},
		{err: fmt.Errorf("%w: 7", ErrUnknownRoom), code: CodeForbidden},
		{err: ErrForbidden, code: CodeForbidden},
		{err: fmt.Errorf("%w: 7", ErrUnknownUser), code: CodeAuthFailed},
		{err: dbError("insert message", errors.New("conn reset")), code: CodePersistenceFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, errorCode(tt.err), tt.err.Error())
	}
}
