package docloader

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("%PDF-1.7"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashETag(t *testing.T) {
	h := HashBytes([]byte("hymn"))
	etag := h.ETag()
	require.True(t, strings.HasPrefix(etag, `"`))
	require.True(t, strings.HasSuffix(etag, `"`))
	require.Equal(t, h.String(), strings.Trim(etag, `"`))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("x")).IsZero())
}

func TestHashJSON(t *testing.T) {
	original := HashBytes([]byte("score"))

	data, err := json.Marshal(map[string]Hash{"hash": original})
	require.NoError(t, err)

	var decoded map[string]Hash
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, original, decoded["hash"])
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}
