// Package cache holds the two in-memory document caches: raw bytes as
// fetched from storage, and parsed document handles produced by the
// rendering engine.
//
// Entries expire by TTL only, with no LRU or size bound. Expired entries are
// dropped on their next lookup, never swept. Nothing is persisted across
// process restarts.
package cache

import (
	"fmt"
	"log/slog"
	"time"
)

// Name identifies one of the two caches.
type Name string

const (
	Bytes     Name = "bytes"
	Documents Name = "documents"
)

const (
	// DefaultBytesTTL is how long fetched bytes are served from memory.
	DefaultBytesTTL = time.Hour

	// DefaultDocumentTTL is shorter than the bytes TTL: parsed handles are
	// heavier to hold and go stale sooner relative to a changed document.
	DefaultDocumentTTL = 30 * time.Minute
)

// ParseName validates a cache name. The empty string is not a valid name.
func ParseName(s string) (Name, error) {
	switch Name(s) {
	case Bytes, Documents:
		return Name(s), nil
	}
	return "", fmt.Errorf("unknown cache %q (want %q or %q)", s, Bytes, Documents)
}

// Stats reports both caches.
type Stats struct {
	Bytes     StoreStats `json:"bytes"`
	Documents StoreStats `json:"documents"`
}

// Manager owns the bytes and documents stores.
type Manager struct {
	bytes  *Store[[]byte]
	docs   *Store[any]
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*config)

type config struct {
	bytesTTL    time.Duration
	documentTTL time.Duration
	now         func() time.Time
	keyFunc     func(string) string
	logger      *slog.Logger
}

// WithTTLs sets the default TTLs for the bytes and documents caches.
// Zero values keep the defaults.
func WithTTLs(bytesTTL, documentTTL time.Duration) Option {
	return func(c *config) {
		if bytesTTL > 0 {
			c.bytesTTL = bytesTTL
		}
		if documentTTL > 0 {
			c.documentTTL = documentTTL
		}
	}
}

// WithNow sets the clock used for expiry.
func WithNow(now func() time.Time) Option {
	return func(c *config) {
		c.now = now
	}
}

// WithKeyFunc sets the key normalizer shared by both caches. It must map a
// relative key and its resolved absolute URL to the same string.
func WithKeyFunc(fn func(string) string) Option {
	return func(c *config) {
		c.keyFunc = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New creates a Manager with empty caches.
func New(opts ...Option) *Manager {
	cfg := config{
		bytesTTL:    DefaultBytesTTL,
		documentTTL: DefaultDocumentTTL,
		now:         time.Now,
		keyFunc:     func(k string) string { return k },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Manager{
		bytes: NewStore(cfg.bytesTTL,
			WithStoreNow[[]byte](cfg.now),
			WithStoreKeyFunc[[]byte](cfg.keyFunc),
			WithClone(cloneBytes),
		),
		docs: NewStore(cfg.documentTTL,
			WithStoreNow[any](cfg.now),
			WithStoreKeyFunc[any](cfg.keyFunc),
		),
		logger: cfg.logger,
	}
}

// Bytes returns the raw bytes cache.
func (m *Manager) Bytes() *Store[[]byte] {
	return m.bytes
}

// Documents returns the parsed document cache.
func (m *Manager) Documents() *Store[any] {
	return m.docs
}

// Clear empties the named caches, or both when none are named.
func (m *Manager) Clear(names ...Name) {
	if len(names) == 0 {
		names = []Name{Bytes, Documents}
	}
	for _, name := range names {
		switch name {
		case Bytes:
			m.bytes.Clear()
		case Documents:
			m.docs.Clear()
		default:
			m.logger.Warn("ignoring clear of unknown cache", "cache", string(name))
			continue
		}
		m.logger.Debug("cache cleared", "cache", string(name))
	}
}

// Stats reports entry counts and oldest entries for both caches.
func (m *Manager) Stats() Stats {
	return Stats{
		Bytes:     m.bytes.Stats(),
		Documents: m.docs.Stats(),
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
