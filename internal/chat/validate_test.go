package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeContent(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "plain", in: "hello", want: "hello"},
		{name: "trims whitespace", in: "  hello \n", want: "hello"},
		{name: "keeps inner newlines and tabs", in: "a\n\tb", want: "a\n\tb"},
		{name: "strips control characters", in: "he\x00l\x07lo", want: "hello"},
		{name: "empty", in: "", wantErr: true},
		{name: "only whitespace", in: " \n\t ", wantErr: true},
		{name: "only control characters", in: "\x01\x02", wantErr: true},
		{name: "max length in runes", in: strings.Repeat("é", MaxContentLength), want: strings.Repeat("é", MaxContentLength)},
		{name: "too long", in: strings.Repeat("a", MaxContentLength+1), wantErr: true},
		{name: "invalid utf-8", in: "\xff\xfe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SanitizeContent(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidContent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeClientMessageID(t *testing.T) {
	got, err := NormalizeClientMessageID("1B4E28BA-2FA1-11D2-883F-0016D3CCA427")
	require.NoError(t, err)
	assert.Equal(t, "1b4e28ba-2fa1-11d2-883f-0016d3cca427", got)

	for _, bad := range []string{"", "c1", "00000000-0000-0000-0000-000000000000", "1b4e28ba-2fa1-11d2-883f"} {
		_, err := NormalizeClientMessageID(bad)
		assert.ErrorIs(t, err, ErrInvalidClientMessageID, bad)
	}
}
