// Package resolve turns a storage key into an ordered list of retrieval
// candidates across the configured bucket layout.
//
// For a key that is not already a URL, buckets are tried in priority order:
// the hinted (or default) bucket, then each alternate. Each bucket is tried
// with the key verbatim and then with the conventional prefix. All
// synchronous candidates come before any that need a network call: the
// public URLs of every bucket, then a URL composed directly from the base
// endpoint, then the signed URL variants and, when enabled, authenticated
// downloads. The direct candidate is always present, so a valid key never
// yields zero candidates.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/storage"
)

// Defaults for the hymn library bucket layout.
const (
	DefaultBucket       = "hymn-pdf"
	DefaultAlternate    = "hymn-files"
	DefaultPrefix       = "pdf/"
	DefaultDirectBucket = "hymn"
	DefaultSignedURLTTL = time.Hour
)

// Method is how a candidate obtains its URL or bytes.
type Method string

const (
	// MethodURL is a key that was already an absolute URL.
	MethodURL Method = "url"
	// MethodPublic composes the public object URL without a network call.
	MethodPublic Method = "public_url"
	// MethodSigned mints a signed URL with one storage round trip.
	MethodSigned Method = "signed_url"
	// MethodDownload reads the bytes through the storage service's
	// credentials.
	MethodDownload Method = "download"
	// MethodDirect is the last-resort URL composed from the base endpoint.
	MethodDirect Method = "direct"
)

// Synchronous reports whether the method needs no network call before the
// byte fetch.
func (m Method) Synchronous() bool {
	switch m {
	case MethodURL, MethodPublic, MethodDirect:
		return true
	}
	return false
}

// Fetcher retrieves bytes from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Candidate is one concrete way of retrieving a document. Candidates are
// built fresh by each Resolve call.
type Candidate struct {
	Strategy string
	Method   Method
	Bucket   string
	Path     string

	url    string
	svc    storage.Service
	ttl    time.Duration
	logger *slog.Logger
}

// Synchronous reports whether the candidate needs no network call before the
// byte fetch.
func (c Candidate) Synchronous() bool {
	return c.Method.Synchronous()
}

// URL produces the candidate's fetch URL. Signed candidates make one storage
// round trip. Download candidates report the object's public URL, which is
// only used for identity.
func (c Candidate) URL(ctx context.Context) (string, error) {
	switch c.Method {
	case MethodURL, MethodDirect:
		if c.url == "" {
			return "", storage.ErrNoBaseURL
		}
		return c.url, nil
	case MethodPublic, MethodDownload:
		return c.svc.PublicURL(c.Bucket, c.Path)
	case MethodSigned:
		return c.svc.SignedURL(ctx, c.Bucket, c.Path, c.ttl)
	}
	return "", fmt.Errorf("unknown resolution method %q", c.Method)
}

// Retrieve runs the candidate: produce a URL and fetch it, or download the
// object directly. It returns the bytes and the URL they came from.
func (c Candidate) Retrieve(ctx context.Context, f Fetcher) ([]byte, string, error) {
	if c.Method == MethodDownload {
		data, err := c.svc.Download(ctx, c.Bucket, c.Path)
		if err != nil {
			return nil, "", err
		}
		u, err := c.svc.PublicURL(c.Bucket, c.Path)
		if err != nil {
			c.logger.Warn("downloaded object has no public url",
				"bucket", c.Bucket,
				"path", c.Path,
				"error", err,
			)
			return data, "", nil
		}
		return data, u, nil
	}

	u, err := c.URL(ctx)
	if err != nil {
		return nil, "", err
	}
	data, err := f.Fetch(ctx, u)
	if err != nil {
		return nil, u, err
	}
	return data, u, nil
}

func (c Candidate) String() string {
	return c.Strategy
}

// Config is the bucket layout.
type Config struct {
	// DefaultBucket is used when no hint is given.
	DefaultBucket string

	// AlternateBuckets are tried in order after the primary bucket.
	AlternateBuckets []string

	// Prefix is prepended to keys that contain no path separator.
	Prefix string

	// BaseURL is the storage endpoint used for the direct candidate.
	BaseURL string

	// DirectBucket is the bucket named in the direct URL template.
	DirectBucket string

	// SignedURLTTL is the lifetime requested for signed URLs.
	SignedURLTTL time.Duration

	// Download adds an authenticated download candidate per bucket.
	Download bool
}

// DefaultConfig returns the default layout with no base URL.
func DefaultConfig() Config {
	return Config{
		DefaultBucket:    DefaultBucket,
		AlternateBuckets: []string{DefaultAlternate},
		Prefix:           DefaultPrefix,
		DirectBucket:     DefaultDirectBucket,
		SignedURLTTL:     DefaultSignedURLTTL,
	}
}

// Resolver builds candidate lists. It is safe for concurrent use.
type Resolver struct {
	cfg    Config
	svc    storage.Service
	logger *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver. svc may be nil, in which case only URL keys and
// the direct candidate are available.
func New(cfg Config, svc storage.Service, opts ...Option) *Resolver {
	if cfg.DefaultBucket == "" {
		cfg.DefaultBucket = DefaultBucket
	}
	if cfg.DirectBucket == "" {
		cfg.DirectBucket = DefaultDirectBucket
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = DefaultSignedURLTTL
	}
	if cfg.Prefix != "" && !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	r := &Resolver{
		cfg:    cfg,
		svc:    svc,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "resolver")
	return r
}

// Config returns the effective layout.
func (r *Resolver) Config() Config {
	return r.cfg
}

// Resolve returns the ordered candidates for raw. It fails only when raw is
// not a valid key; sentinel values are rejected before any candidate is
// built. No network call is made.
func (r *Resolver) Resolve(_ context.Context, raw, hint string) ([]Candidate, error) {
	key, err := docloader.ParseKey(raw)
	if err != nil {
		return nil, err
	}

	if key.IsURL() {
		return []Candidate{{
			Strategy: "url",
			Method:   MethodURL,
			url:      key.Raw,
		}}, nil
	}

	buckets, p := r.layout(key, hint)

	// Every synchronous candidate precedes every network one: public URLs in
	// bucket order, then the direct URL, then signed URLs and downloads.
	var (
		out      []Candidate
		variants = r.variants(p)
	)
	if r.svc != nil {
		for _, bucket := range buckets {
			if !storage.PublicReadable(r.svc, bucket) {
				continue
			}
			for _, v := range variants {
				out = append(out, r.candidate(MethodPublic, bucket, v))
			}
		}
	}
	out = append(out, Candidate{
		Strategy: "direct",
		Method:   MethodDirect,
		Bucket:   r.cfg.DirectBucket,
		Path:     r.directPath(p),
		url:      r.directURL(p),
	})
	if r.svc != nil {
		for _, bucket := range buckets {
			for _, v := range variants {
				out = append(out, r.candidate(MethodSigned, bucket, v))
			}
		}
		if r.cfg.Download {
			for _, bucket := range buckets {
				for _, v := range variants {
					out = append(out, r.candidate(MethodDownload, bucket, v))
				}
			}
		}
	}

	r.logger.Debug("resolved key",
		"key", key.Raw,
		"hint", hint,
		"buckets", buckets,
		"candidates", len(out),
	)
	return out, nil
}

// Canonical returns the cache identity for raw: the normalized URL for URL
// keys, otherwise the first public candidate URL (or the direct URL when no
// storage service is configured).
func (r *Resolver) Canonical(raw, hint string) (string, error) {
	key, err := docloader.ParseKey(raw)
	if err != nil {
		return "", err
	}
	if key.IsURL() {
		return docloader.CanonicalURL(key.URL), nil
	}

	buckets, p := r.layout(key, hint)
	if r.svc != nil {
		if u, err := r.svc.PublicURL(buckets[0], p); err == nil {
			return docloader.CanonicalString(u)
		}
	}
	u := r.directURL(p)
	if u == "" {
		return "", storage.ErrNoBaseURL
	}
	return docloader.CanonicalString(u)
}

// CacheKey normalizes a cache key. Relative keys resolve against the default
// bucket; keys that cannot be canonicalized are returned unchanged.
func (r *Resolver) CacheKey(k string) string {
	c, err := r.Canonical(k, "")
	if err != nil {
		return k
	}
	return c
}

// DirectURL returns a link for opening the document outside the loader.
func (r *Resolver) DirectURL(raw, hint string) (string, error) {
	key, err := docloader.ParseKey(raw)
	if err != nil {
		return "", err
	}
	if key.IsURL() {
		return key.Raw, nil
	}
	_, p := r.layout(key, hint)
	u := r.directURL(p)
	if u == "" {
		return "", storage.ErrNoBaseURL
	}
	return u, nil
}

// layout returns the bucket priority list and the object path. A key whose
// first segment names a known bucket selects that bucket over the hint.
func (r *Resolver) layout(key docloader.Key, hint string) ([]string, string) {
	p := key.Path
	primary := strings.TrimSpace(hint)

	if first, rest := key.Segments(); rest != "" && r.knownBucket(first) {
		primary, p = first, rest
	}
	if primary == "" {
		primary = r.cfg.DefaultBucket
	}

	buckets := []string{primary}
	for _, b := range r.cfg.AlternateBuckets {
		if b != "" && !slices.Contains(buckets, b) {
			buckets = append(buckets, b)
		}
	}
	return buckets, p
}

func (r *Resolver) knownBucket(name string) bool {
	return name == r.cfg.DefaultBucket || name == r.cfg.DirectBucket || slices.Contains(r.cfg.AlternateBuckets, name)
}

type variant struct {
	name string
	path string
}

// variants returns the key verbatim and, for a bare filename, with the
// prefix prepended.
func (r *Resolver) variants(p string) []variant {
	out := []variant{{"verbatim", p}}
	if r.cfg.Prefix != "" && !strings.Contains(p, "/") {
		out = append(out, variant{"prefixed", r.cfg.Prefix + p})
	}
	return out
}

func (r *Resolver) candidate(m Method, bucket string, v variant) Candidate {
	return Candidate{
		Strategy: bucket + ":" + string(m) + ":" + v.name,
		Method:   m,
		Bucket:   bucket,
		Path:     v.path,
		svc:      r.svc,
		ttl:      r.cfg.SignedURLTTL,
		logger:   r.logger,
	}
}

func (r *Resolver) directPath(p string) string {
	if r.cfg.Prefix == "" || strings.HasPrefix(p, r.cfg.Prefix) {
		return p
	}
	return r.cfg.Prefix + p
}

func (r *Resolver) directURL(p string) string {
	if r.cfg.BaseURL == "" {
		return ""
	}
	return r.cfg.BaseURL + storage.PublicPath + r.cfg.DirectBucket + "/" + storage.EscapePath(r.directPath(p))
}
