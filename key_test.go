package docloader

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantURL bool
		path    string
	}{
		{"bare filename", "hymn42.pdf", false, "hymn42.pdf"},
		{"bucket qualified", "hymn-pdf/pdf/hymn42.pdf", false, "hymn-pdf/pdf/hymn42.pdf"},
		{"leading slash stripped", "/pdf/hymn42.pdf", false, "pdf/hymn42.pdf"},
		{"surrounding whitespace", "  hymn42.pdf\n", false, "hymn42.pdf"},
		{"duplicate separators", "pdf//hymn42.pdf", false, "pdf/hymn42.pdf"},
		{"https url", "https://example.supabase.co/storage/v1/object/public/hymn/pdf/a.pdf", true, ""},
		{"http url", "http://localhost:8080/a.pdf", true, ""},
		{"colon after separator", "scores/10:30 rehearsal.pdf", false, "scores/10:30 rehearsal.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := ParseKey(tt.raw)
			require.NoError(t, err)
			require.Equal(t, tt.wantURL, k.IsURL())
			require.Equal(t, tt.path, k.Path)
		})
	}
}

func TestParseKeyRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"javascript scheme", "javascript:alert(1)"},
		{"data scheme", "data:application/pdf;base64,JVBERi0="},
		{"vbscript scheme", "VBScript:msgbox"},
		{"ftp scheme", "ftp://example.com/a.pdf"},
		{"url without host", "https:///a.pdf"},
		{"traversal", "pdf/../../etc/passwd"},
		{"control character", "hymn\x0042.pdf"},
		{"only slashes", "///"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseKey(tt.raw)
			require.ErrorIs(t, err, ErrInvalidKey)
			require.False(t, errors.Is(err, ErrSentinelKey))
		})
	}
}

func TestParseKeySentinels(t *testing.T) {
	for _, raw := range []string{"undefined", "null", " null "} {
		_, err := ParseKey(raw)
		require.ErrorIs(t, err, ErrSentinelKey, raw)
		require.ErrorIs(t, err, ErrInvalidKey, raw)
	}
	require.False(t, IsSentinel("nullable.pdf"))
}

func TestKeySegments(t *testing.T) {
	k, err := ParseKey("hymn-files/pdf/hymn42.pdf")
	require.NoError(t, err)

	first, rest := k.Segments()
	require.Equal(t, "hymn-files", first)
	require.Equal(t, "pdf/hymn42.pdf", rest)

	k, err = ParseKey("hymn42.pdf")
	require.NoError(t, err)
	first, rest = k.Segments()
	require.Equal(t, "hymn42.pdf", first)
	require.Empty(t, rest)
}

func TestCanonicalString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTPS://Example.COM:443/a/./b.pdf#page=2", "https://example.com/a/b.pdf"},
		{"http://example.com:80/a.pdf", "http://example.com/a.pdf"},
		{"http://example.com:8080/a.pdf", "http://example.com:8080/a.pdf"},
		{"https://example.com/a.pdf?token=x&expires=1", "https://example.com/a.pdf?expires=1&token=x"},
		{"https://user:pw@example.com/a.pdf", "https://example.com/a.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := CanonicalString(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			again, err := CanonicalString(got)
			require.NoError(t, err)
			require.Equal(t, got, again, "canonical form must be idempotent")
		})
	}
}

func TestCanonicalStringRejectsRelative(t *testing.T) {
	_, err := CanonicalString("pdf/hymn42.pdf")
	require.ErrorIs(t, err, ErrInvalidKey)
}
