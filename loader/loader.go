// Package loader turns a storage key into document bytes. It consults the
// bytes cache, walks the resolver's candidates in order with a single
// in-candidate retry for network failures, and classifies whatever goes
// wrong. Concurrent loads of the same document share one fetch.
package loader

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/cache"
	"github.com/wolfeidau/docloader/classify"
	"github.com/wolfeidau/docloader/download"
	"github.com/wolfeidau/docloader/resolve"
	"github.com/wolfeidau/docloader/storage"
	"github.com/wolfeidau/docloader/telemetry"
)

// DefaultRetryDelay is the fixed wait before retrying a candidate that
// failed with a network error.
const DefaultRetryDelay = 250 * time.Millisecond

// errNoCandidates is reported when the resolver produced nothing to try.
var errNoCandidates = errors.New("network: no retrieval candidates")

// Result is a successfully loaded document. Callers own Data.
type Result struct {
	Data []byte

	// URL is the location the bytes came from. For cache hits it is the
	// canonical key.
	URL string

	// Key is the canonical cache identity of the requested key.
	Key string

	Strategy string
	Method   resolve.Method
	Hash     docloader.Hash

	FromCache bool

	// Shared is true when the bytes came from a fetch started by another
	// concurrent caller.
	Shared bool

	// Attempts counts fetch attempts across all candidates, retries included.
	Attempts int
}

// Source reports where the result came from for metrics and logs.
func (r *Result) Source() string {
	switch {
	case r.FromCache:
		return "cache"
	case r.Shared:
		return "coalesced"
	}
	return "fetch"
}

// outcome is the shared product of one fetch.
type outcome struct {
	data     []byte
	url      string
	strategy string
	method   resolve.Method
	hash     docloader.Hash
	attempts int
}

// Loader is the fallback-chain document loader. It is safe for concurrent
// use.
type Loader struct {
	resolver   *resolve.Resolver
	cache      *cache.Manager
	fetcher    resolve.Fetcher
	group      *download.Group[*outcome]
	retryDelay time.Duration
	logger     *slog.Logger
}

// Option configures a Loader.
type Option func(*Loader)

// WithRetryDelay sets the wait before the in-candidate retry.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Loader) {
		if d > 0 {
			l.retryDelay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// New creates a Loader.
func New(r *resolve.Resolver, c *cache.Manager, f resolve.Fetcher, opts ...Option) *Loader {
	l := &Loader{
		resolver:   r,
		cache:      c,
		fetcher:    f,
		retryDelay: DefaultRetryDelay,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "loader")
	l.group = download.New[*outcome](download.WithLogger(l.logger))
	return l
}

// LoadOption configures a single Load call.
type LoadOption func(*loadOptions)

type loadOptions struct {
	bucket string
}

// WithBucket sets the bucket hint used when the key does not name one.
func WithBucket(bucket string) LoadOption {
	return func(o *loadOptions) {
		o.bucket = bucket
	}
}

// Load returns the bytes for key. Any error returned is a *classify.Error.
func (l *Loader) Load(ctx context.Context, key string, opts ...LoadOption) (*Result, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	res, cerr := l.load(ctx, key, o)
	if cerr != nil {
		telemetry.RecordLoad(ctx, "error", string(cerr.Kind), "fetch", time.Since(start), 0)
		l.logger.Debug("load failed",
			"key", key,
			"bucket", o.bucket,
			"kind", cerr.Kind,
			"error", cerr.Err,
		)
		return nil, cerr
	}

	telemetry.RecordLoad(ctx, "success", "", res.Source(), time.Since(start), int64(len(res.Data)))
	l.logger.Debug("load succeeded",
		"key", key,
		"url", res.URL,
		"source", res.Source(),
		"strategy", res.Strategy,
		"size", len(res.Data),
		"duration", time.Since(start),
	)
	return res, nil
}

func (l *Loader) load(ctx context.Context, key string, o loadOptions) (*Result, *classify.Error) {
	canonical, err := l.canonical(key, o.bucket)
	if err != nil {
		return nil, classify.New(classify.KindInvalidDocument, err)
	}

	if data, ok := l.cache.Bytes().Get(canonical); ok {
		telemetry.RecordCacheLookup(ctx, string(cache.Bytes), telemetry.CacheHit)
		return &Result{
			Data:      data,
			URL:       canonical,
			Key:       canonical,
			Strategy:  "cache",
			Hash:      docloader.HashBytes(data),
			FromCache: true,
		}, nil
	}
	telemetry.RecordCacheLookup(ctx, string(cache.Bytes), telemetry.CacheMiss)

	if err := ctx.Err(); err != nil {
		return nil, classify.New(classify.KindNetwork, err)
	}

	out, shared, err := l.group.Do(ctx, canonical, func(ctx context.Context) (*outcome, error) {
		out, cerr := l.fetch(ctx, key, o.bucket, canonical)
		if cerr != nil {
			return nil, cerr
		}
		return out, nil
	})
	if err != nil {
		return nil, classify.Classify(err)
	}
	if shared {
		telemetry.RecordCoalesced(ctx)
	}

	return &Result{
		Data:     bytes.Clone(out.data),
		URL:      out.url,
		Key:      canonical,
		Strategy: out.strategy,
		Method:   out.method,
		Hash:     out.hash,
		Shared:   shared,
		Attempts: out.attempts,
	}, nil
}

// canonical returns the cache identity for key. Keys that are valid but
// cannot be placed at an absolute URL (no storage endpoint configured) are
// identified by their trimmed text.
func (l *Loader) canonical(key, bucket string) (string, error) {
	c, err := l.resolver.Canonical(key, bucket)
	if errors.Is(err, storage.ErrNoBaseURL) {
		return strings.TrimSpace(key), nil
	}
	return c, err
}

// fetch walks the candidates in order. NotFound is specific to one
// location, so the walk moves on; any other non-recoverable kind describes
// the document itself and stops it.
func (l *Loader) fetch(ctx context.Context, key, bucket, canonical string) (*outcome, *classify.Error) {
	candidates, err := l.resolver.Resolve(ctx, key, bucket)
	if err != nil {
		return nil, classify.New(classify.KindInvalidDocument, err)
	}

	var (
		last     *classify.Error
		attempts int
	)
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			last = classify.New(classify.KindNetwork, err)
			break
		}

		data, u, n, cerr := l.attempt(ctx, c)
		attempts += n
		if cerr == nil {
			out := &outcome{
				data:     data,
				url:      u,
				strategy: c.Strategy,
				method:   c.Method,
				hash:     docloader.HashBytes(data),
				attempts: attempts,
			}
			l.store(ctx, canonical, out)
			return out, nil
		}

		last = cerr
		if cerr.Kind != classify.KindNotFound && !cerr.Recoverable {
			l.logger.Debug("stopping fallback chain",
				"key", key,
				"strategy", c.Strategy,
				"kind", cerr.Kind,
			)
			break
		}
	}

	if last == nil {
		last = classify.New(classify.KindNetwork, errNoCandidates)
	}
	return nil, last
}

// attempt runs one candidate, retrying once after a fixed delay when the
// failure is a network error. It returns the number of tries made.
func (l *Loader) attempt(ctx context.Context, c resolve.Candidate) ([]byte, string, int, *classify.Error) {
	var (
		data  []byte
		u     string
		tries int
	)
	backoff := retry.WithMaxRetries(1, retry.NewConstant(l.retryDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		tries++
		d, fetchedURL, err := c.Retrieve(ctx, l.fetcher)
		if err == nil {
			data, u = d, fetchedURL
			telemetry.RecordCandidateAttempt(ctx, string(c.Method), "success")
			return nil
		}

		cerr := classify.Classify(err)
		telemetry.RecordCandidateAttempt(ctx, string(c.Method), string(cerr.Kind))
		l.logger.Debug("candidate failed",
			"strategy", c.Strategy,
			"url", fetchedURL,
			"try", tries,
			"kind", cerr.Kind,
			"error", err,
		)

		if cerr.Kind == classify.KindNetwork && ctx.Err() == nil {
			if tries == 1 {
				telemetry.RecordRetry(ctx, string(c.Method))
			}
			return retry.RetryableError(cerr)
		}
		return cerr
	})
	if err != nil {
		return nil, "", tries, classify.Classify(err)
	}
	return data, u, tries, nil
}

// store caches a successful fetch under the canonical key and under the
// URL that served it. Signed URLs carry expiring tokens and are not useful
// identities. Nothing is cached if every caller has already gone away.
func (l *Loader) store(ctx context.Context, canonical string, out *outcome) {
	if ctx.Err() != nil {
		l.logger.Debug("fetch finished after cancellation, not caching", "key", canonical)
		return
	}

	l.cache.Bytes().Set(canonical, out.data, 0)
	if out.method == resolve.MethodSigned || out.method == resolve.MethodDownload || out.url == "" {
		return
	}
	if alias, err := docloader.CanonicalString(out.url); err == nil && alias != canonical {
		l.cache.Bytes().Set(alias, out.data, 0)
	}
}

// Resolver returns the loader's resolver.
func (l *Loader) Resolver() *resolve.Resolver {
	return l.resolver
}

// Cache returns the loader's cache manager.
func (l *Loader) Cache() *cache.Manager {
	return l.cache
}

// CacheStats reports both caches.
func (l *Loader) CacheStats() cache.Stats {
	return l.cache.Stats()
}

// ClearCache empties the named caches, or both when none are named.
func (l *Loader) ClearCache(names ...cache.Name) {
	l.cache.Clear(names...)
}

// DirectURL returns a link for opening the document outside the loader.
func (l *Loader) DirectURL(key, bucket string) (string, error) {
	return l.resolver.DirectURL(key, bucket)
}
