// Package docloader resolves opaque document storage keys into bytes a viewer
// can render. The root package holds the key model shared by the resolver,
// cache and loader; the work happens in the sub-packages.
package docloader

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"unicode"
)

var (
	// ErrInvalidKey is returned when a storage key cannot be normalized into
	// either an object path or an absolute http(s) URL.
	ErrInvalidKey = errors.New("invalid storage key")

	// ErrSentinelKey is returned for the literal strings "undefined" and
	// "null". It wraps ErrInvalidKey.
	ErrSentinelKey = fmt.Errorf("%w: sentinel value", ErrInvalidKey)
)

// Key is a parsed storage key. Exactly one of Path and URL is set.
type Key struct {
	// Raw is the key as supplied by the caller, trimmed of whitespace.
	Raw string

	// Path is the cleaned object path for bare and bucket-qualified keys,
	// without a leading slash.
	Path string

	// URL is set when the key is an absolute http(s) URL.
	URL *url.URL
}

// IsURL reports whether the key was supplied as an absolute URL.
func (k Key) IsURL() bool {
	return k.URL != nil
}

// Segments splits the object path into its first segment and the remainder.
// For a bare filename rest is empty.
func (k Key) Segments() (first, rest string) {
	first, rest, _ = strings.Cut(k.Path, "/")
	return first, rest
}

// IsSentinel reports whether s is one of the placeholder strings that leak
// out of unset upstream fields.
func IsSentinel(s string) bool {
	switch strings.TrimSpace(s) {
	case "undefined", "null":
		return true
	}
	return false
}

// ParseKey normalizes a bare filename, a bucket/path pair or an absolute URL.
// Text that is neither a usable object path nor an http(s) URL is rejected
// rather than passed through.
func ParseKey(raw string) (Key, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Key{}, fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if IsSentinel(s) {
		return Key{}, fmt.Errorf("%w: %q", ErrSentinelKey, s)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return Key{}, fmt.Errorf("%w: control characters", ErrInvalidKey)
	}

	if hasScheme(s) {
		u, err := url.Parse(s)
		if err != nil {
			return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return Key{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidKey, u.Scheme)
		}
		if u.Host == "" {
			return Key{}, fmt.Errorf("%w: url without host", ErrInvalidKey)
		}
		return Key{Raw: s, URL: u}, nil
	}

	p := strings.TrimLeft(s, "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return Key{}, fmt.Errorf("%w: path traversal", ErrInvalidKey)
		}
	}
	p = path.Clean(p)
	if p == "." || p == "" {
		return Key{}, fmt.Errorf("%w: empty path", ErrInvalidKey)
	}
	return Key{Raw: s, Path: p}, nil
}

// hasScheme reports whether s starts with something shaped like a URL scheme
// ("name:"), before any path separator.
func hasScheme(s string) bool {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return false
	}
	if j := strings.IndexByte(s, '/'); j >= 0 && j < i {
		return false
	}
	for n, r := range s[:i] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case n > 0 && (r >= '0' && r <= '9' || r == '+' || r == '-' || r == '.'):
		default:
			return false
		}
	}
	return true
}

// CanonicalURL returns the identity form of u used for cache keys: lower-case
// scheme and host, no default port, no fragment, a cleaned path and sorted
// query parameters. It is idempotent.
func CanonicalURL(u *url.URL) string {
	c := *u
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = canonicalHost(c.Scheme, c.Host)
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil

	if c.Path != "" {
		cleaned := path.Clean(c.Path)
		if strings.HasSuffix(c.Path, "/") && cleaned != "/" {
			cleaned += "/"
		}
		c.Path = cleaned
		c.RawPath = ""
	}

	if c.RawQuery != "" {
		// Encode sorts by key.
		c.RawQuery = c.Query().Encode()
	}
	return c.String()
}

// CanonicalString parses s as a URL and returns its canonical form.
func CanonicalString(s string) (string, error) {
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: not an absolute url", ErrInvalidKey)
	}
	return CanonicalURL(u), nil
}

func canonicalHost(scheme, host string) string {
	host = strings.ToLower(host)
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		return host
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return host
}
