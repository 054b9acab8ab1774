package chat

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	MinContentLength = 1
	MaxContentLength = 10000
)

// SanitizeContent strips control characters (newlines and tabs are kept)
// and surrounding whitespace, then enforces the length bounds in runes.
func SanitizeContent(content string) (string, error) {
	if !utf8.ValidString(content) {
		return "", fmt.Errorf("%w: not valid utf-8", ErrInvalidContent)
	}

	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, content)
	cleaned = strings.TrimSpace(cleaned)

	n := utf8.RuneCountInString(cleaned)
	if n < MinContentLength {
		return "", fmt.Errorf("%w: empty", ErrInvalidContent)
	}
	if n > MaxContentLength {
		return "", fmt.Errorf("%w: %d characters exceeds %d", ErrInvalidContent, n, MaxContentLength)
	}
	return cleaned, nil
}

// NormalizeClientMessageID parses a client-assigned UUID and returns its
// canonical lowercase form so that the dedup key compares equal across
// spellings.
func NormalizeClientMessageID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed == uuid.Nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidClientMessageID, id)
	}
	return parsed.String(), nil
}
