package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/wolfeidau/docloader/classify"
	"github.com/wolfeidau/docloader/fetch"
)

// DefaultGCSBaseURL serves public objects as {base}/{bucket}/{object}.
const DefaultGCSBaseURL = "https://storage.googleapis.com"

// GCSConfig configures a Google Cloud Storage service.
type GCSConfig struct {
	// BaseURL overrides the public object host.
	BaseURL string

	// MaxSize caps downloads. Defaults to fetch.DefaultMaxSize.
	MaxSize int64

	// PrivateBuckets refuse anonymous reads. GCS answers 403 rather than 404
	// for those, so no public URL candidate is offered for them.
	PrivateBuckets []string

	Logger *slog.Logger
}

// GCS implements Service on Google Cloud Storage. Signed URLs are V4 and
// need credentials able to sign, e.g. a service account key.
type GCS struct {
	client  *storage.Client
	baseURL string
	maxSize int64
	private map[string]bool
	logger  *slog.Logger
}

// NewGCS creates a GCS service. opts are passed through to the underlying
// client, allowing credential injection.
func NewGCS(ctx context.Context, cfg GCSConfig, opts ...option.ClientOption) (*GCS, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create GCS client: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGCSBaseURL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = fetch.DefaultMaxSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	private := make(map[string]bool, len(cfg.PrivateBuckets))
	for _, b := range cfg.PrivateBuckets {
		private[b] = true
	}
	return &GCS{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		maxSize: cfg.MaxSize,
		private: private,
		logger:  cfg.Logger.With("component", "gcs"),
	}, nil
}

// PublicURL returns {base}/{bucket}/{path}. The object must be publicly
// readable for the URL to work.
func (g *GCS) PublicURL(bucket, path string) (string, error) {
	return joinURL(g.baseURL, "/", bucket, path)
}

// PublicReadable reports whether bucket is not listed as private.
func (g *GCS) PublicReadable(bucket string) bool {
	return !g.private[bucket]
}

// SignedURL mints a V4 GET URL. Signing is local when the credentials carry
// a private key, otherwise it calls the IAM credentials API.
func (g *GCS) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if _, err := g.client.Bucket(bucket).Object(path).Attrs(ctx); err != nil {
		return "", &ObjectError{Op: "signing", Bucket: bucket, Path: path, Err: gcsError(err)}
	}
	u, err := g.client.Bucket(bucket).SignedURL(path, &storage.SignedURLOptions{
		Method:  http.MethodGet,
		Expires: time.Now().Add(ttl),
		Scheme:  storage.SigningSchemeV4,
	})
	if err != nil {
		return "", &ObjectError{Op: "signing", Bucket: bucket, Path: path, Err: err}
	}
	return u, nil
}

// Download reads the object through the authenticated client.
func (g *GCS) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	r, err := g.client.Bucket(bucket).Object(path).NewReader(ctx)
	if err != nil {
		return nil, &ObjectError{Op: "reading", Bucket: bucket, Path: path, Err: gcsError(err)}
	}
	defer func() { _ = r.Close() }()

	if r.Attrs.Size > g.maxSize {
		return nil, &ObjectError{Op: "reading", Bucket: bucket, Path: path, Err: fetch.ErrTooLarge}
	}
	data, err := fetch.ReadLimited(r, g.maxSize)
	if err != nil {
		return nil, &ObjectError{Op: "reading", Bucket: bucket, Path: path, Err: err}
	}
	g.logger.Debug("downloaded", "bucket", bucket, "path", path, "bytes", len(data))
	return data, nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}

// gcsError maps client errors onto ones the classifier understands.
func gcsError(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %w", ErrObjectNotFound, &classify.StatusError{StatusCode: http.StatusNotFound})
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("%w: %w", ErrBucketNotFound, &classify.StatusError{StatusCode: http.StatusNotFound})
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return fmt.Errorf("%w: %w", err, &classify.StatusError{StatusCode: gerr.Code, Body: gerr.Message})
	}
	return err
}

var (
	_ Service      = (*GCS)(nil)
	_ PublicReader = (*GCS)(nil)
)
