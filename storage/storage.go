// Package storage defines the Storage Service contract the resolver and loader
// consume, and provides implementations for Supabase Storage, Google Cloud
// Storage and a local bbolt-backed emulator.
package storage

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/docloader"
)

var (
	// ErrObjectNotFound is returned when an object does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when a bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrBucketNotPublic is returned when a private bucket is read through its
	// public URL.
	ErrBucketNotPublic = errors.New("permission denied: bucket is not public")

	// ErrInvalidSignature is returned when a signed URL token is malformed,
	// forged or expired.
	ErrInvalidSignature = errors.New("permission denied: invalid signature")

	// ErrNoBaseURL is returned when a URL is requested from a service that has
	// no public endpoint configured.
	ErrNoBaseURL = errors.New("storage base url not configured")
)

// ObjectError is a failure concerning one stored object.
type ObjectError struct {
	Op     string
	Bucket string
	Path   string
	Err    error
}

func (e *ObjectError) Error() string {
	name := e.Bucket
	if e.Path != "" {
		name += "/" + e.Path
	}
	if e.Op != "" {
		name = e.Op + " " + name
	}
	return name + ": " + e.Err.Error()
}

func (e *ObjectError) Unwrap() error {
	return e.Err
}

// Object returns the bucket and path the failure concerns.
func (e *ObjectError) Object() (bucket, path string) {
	return e.Bucket, e.Path
}

// Service is the storage backend contract. Objects are addressed by bucket
// and a slash separated path.
// Implementations must be safe for concurrent use.
type Service interface {
	// PublicURL composes the unauthenticated URL for an object. It makes no
	// network call and does not check the object exists.
	PublicURL(bucket, path string) (string, error)

	// SignedURL mints a time-limited URL for an object. This is one network
	// round trip for remote services.
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)

	// Download returns the object's bytes using the service's own credentials.
	Download(ctx context.Context, bucket, path string) ([]byte, error)
}

// PublicReader is implemented by services that know which buckets refuse
// anonymous reads.
type PublicReader interface {
	PublicReadable(bucket string) bool
}

// PublicReadable reports whether bucket can be read through its public URL.
// Services that do not implement PublicReader are assumed to allow it.
func PublicReadable(svc Service, bucket string) bool {
	if pr, ok := svc.(PublicReader); ok {
		return pr.PublicReadable(bucket)
	}
	return true
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Bucket      string         `json:"bucket"`
	Path        string         `json:"path"`
	Size        int64          `json:"size"`
	Hash        docloader.Hash `json:"hash"`
	ContentType string         `json:"content_type,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// PublicPath is the path template shared by Supabase public object URLs and
// the emulator routes.
const PublicPath = "/storage/v1/object/public/"

// HTTPStatus maps a storage error onto the status the emulator answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrObjectNotFound), errors.Is(err, ErrBucketNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrBucketNotPublic), errors.Is(err, ErrInvalidSignature):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// EscapePath escapes each segment of an object path for use in a URL.
func EscapePath(p string) string {
	segs := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

// joinURL appends escaped bucket and object path segments to base.
func joinURL(base, prefix, bucket, path string) (string, error) {
	if base == "" {
		return "", ErrNoBaseURL
	}
	return strings.TrimRight(base, "/") + prefix + url.PathEscape(bucket) + "/" + EscapePath(path), nil
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrObjectNotFound):
		return "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	var sc interface{ HTTPStatus() int }
	if errors.As(err, &sc) && sc.HTTPStatus() == http.StatusNotFound {
		return "not_found"
	}
	return "error"
}
