// Package download coalesces concurrent loads of the same document. When
// several callers ask for a key that is already being fetched, they all wait
// on the single in-flight fetch instead of starting their own.
package download

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Func performs the shared work for a key. The context passed to Func is
// detached from any single caller: it is cancelled only once every caller
// waiting on the key has gone away.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent work for the same key using singleflight.
// It uses DoChan so each caller can respect its own context without
// cancelling the in-flight work for others.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger

	mu      sync.Mutex
	flights map[string]*flight
}

// flight tracks the callers waiting on one key.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{
		logger:  o.logger.With("component", "coalescer"),
		flights: make(map[string]*flight),
	}
}

// Do runs fn once for all concurrent callers of key. It returns the value,
// whether it was shared with another caller, and any error.
//
// If the caller's context ends first, Do returns the context error. The work
// keeps running for the remaining callers; when the last one leaves, the
// shared context is cancelled and the key is released so the next caller
// starts afresh.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	f := g.join(ctx, key)

	ch := g.group.DoChan(key, func() (any, error) {
		return fn(f.ctx)
	})

	var zero T
	select {
	case res := <-ch:
		g.leave(key, f, false)
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		g.leave(key, f, true)
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the group, so the next call starts new work
// even if a previous call is still in flight.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}

// InFlight reports the number of callers currently waiting on key.
func (g *Group[T]) InFlight(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if f, ok := g.flights[key]; ok {
		return f.waiters
	}
	return 0
}

func (g *Group[T]) join(ctx context.Context, key string) *flight {
	g.mu.Lock()
	defer g.mu.Unlock()

	f, ok := g.flights[key]
	if !ok {
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: sctx, cancel: cancel}
		g.flights[key] = f
	}
	f.waiters++
	return f
}

func (g *Group[T]) leave(key string, f *flight, abandoned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if g.flights[key] == f {
		delete(g.flights, key)
	}
	if abandoned {
		// The work may still be winding down; do not let new callers join a
		// cancelled flight.
		g.group.Forget(key)
		g.logger.Debug("all callers left, cancelled in-flight work", "key", key)
	}
}
