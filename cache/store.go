package cache

import (
	"sync"
	"time"
)

// Entry is a cached value with its lifetime.
type Entry[T any] struct {
	Data      T
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry must no longer be served at now.
func (e Entry[T]) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// StoreStats describes one store for diagnostics.
type StoreStats struct {
	// Entries counts every entry held, including expired entries that have
	// not been looked up since they expired.
	Entries int `json:"entries"`

	// Expired counts entries past their expiry that are still held.
	Expired int `json:"expired"`

	// Oldest is the CreatedAt of the oldest entry, zero when empty.
	Oldest time.Time `json:"oldest,omitzero"`
}

// Store is a key to Entry map with TTL expiry. Expired entries are evicted
// lazily when they are next looked up. It is safe for concurrent use.
type Store[T any] struct {
	mu         sync.Mutex
	entries    map[string]Entry[T]
	defaultTTL time.Duration
	now        func() time.Time
	keyFunc    func(string) string
	clone      func(T) T
}

// NewStore creates a store whose Set uses defaultTTL when given a zero TTL.
func NewStore[T any](defaultTTL time.Duration, opts ...StoreOption[T]) *Store[T] {
	s := &Store[T]{
		entries:    make(map[string]Entry[T]),
		defaultTTL: defaultTTL,
		now:        time.Now,
		keyFunc:    func(k string) string { return k },
		clone:      func(v T) T { return v },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreOption configures a Store.
type StoreOption[T any] func(*Store[T])

// WithStoreNow sets the clock used for expiry.
func WithStoreNow[T any](now func() time.Time) StoreOption[T] {
	return func(s *Store[T]) {
		s.now = now
	}
}

// WithStoreKeyFunc sets the key normalizer applied on every operation.
func WithStoreKeyFunc[T any](fn func(string) string) StoreOption[T] {
	return func(s *Store[T]) {
		s.keyFunc = fn
	}
}

// WithClone sets the function used to copy values in and out of the store.
func WithClone[T any](fn func(T) T) StoreOption[T] {
	return func(s *Store[T]) {
		s.clone = fn
	}
}

// Get returns the value for key if present and unexpired. An expired entry
// is dropped.
func (s *Store[T]) Get(key string) (T, bool) {
	key = s.keyFunc(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		var zero T
		return zero, false
	}
	if e.Expired(s.now()) {
		delete(s.entries, key)
		var zero T
		return zero, false
	}
	return s.clone(e.Data), true
}

// Set stores value under key, replacing any existing entry. A ttl of zero or
// less uses the store default.
func (s *Store[T]) Set(key string, value T, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	key = s.keyFunc(key)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = Entry[T]{
		Data:      s.clone(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Delete removes key.
func (s *Store[T]) Delete(key string) {
	key = s.keyFunc(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Clear removes every entry.
func (s *Store[T]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry[T])
}

// Len returns the number of held entries, expired or not.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats reports entry counts and the oldest entry. It does not evict.
func (s *Store[T]) Stats() StoreStats {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	st := StoreStats{Entries: len(s.entries)}
	for _, e := range s.entries {
		if e.Expired(now) {
			st.Expired++
		}
		if st.Oldest.IsZero() || e.CreatedAt.Before(st.Oldest) {
			st.Oldest = e.CreatedAt
		}
	}
	return st
}
