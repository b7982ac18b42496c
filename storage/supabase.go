package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/docloader/fetch"
)

var errEmptySignedURL = errors.New("unexpected response: empty signedURL")

// SupabaseConfig configures a Supabase Storage client.
type SupabaseConfig struct {
	// BaseURL is the project URL, e.g. https://abc.supabase.co.
	BaseURL string

	// APIKey is sent as both the apikey header and a bearer token. The anon
	// key is enough for public buckets; signing private objects needs a key
	// with read access to them.
	APIKey string

	// Fetcher performs the HTTP requests. Defaults to a fetcher labelled
	// "supabase".
	Fetcher *fetch.Fetcher

	Logger *slog.Logger
}

// Supabase implements Service against the Supabase Storage REST API.
type Supabase struct {
	baseURL string
	apiKey  string
	fetcher *fetch.Fetcher
	logger  *slog.Logger
}

// NewSupabase creates a Supabase Storage client.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.BaseURL == "" {
		return nil, ErrNoBaseURL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = fetch.New(
			fetch.WithClient(fetch.NewClient("supabase", 30*time.Second)),
			fetch.WithLogger(cfg.Logger),
		)
	}
	return &Supabase{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		fetcher: cfg.Fetcher,
		logger:  cfg.Logger.With("component", "supabase"),
	}, nil
}

// PublicURL returns {base}/storage/v1/object/public/{bucket}/{path}.
func (s *Supabase) PublicURL(bucket, path string) (string, error) {
	return joinURL(s.baseURL, PublicPath, bucket, path)
}

type signRequest struct {
	ExpiresIn int `json:"expiresIn"`
}

type signResponse struct {
	SignedURL string `json:"signedURL"`
}

// SignedURL calls POST /storage/v1/object/sign/{bucket}/{path}. The API
// answers with a path relative to /storage/v1.
func (s *Supabase) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	endpoint, err := joinURL(s.baseURL, "/storage/v1/object/sign/", bucket, path)
	if err != nil {
		return "", err
	}

	secs := int(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	body, err := json.Marshal(signRequest{ExpiresIn: secs})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	s.authorize(req)

	data, err := s.fetcher.Do(req)
	if err != nil {
		return "", &ObjectError{Op: "signing", Bucket: bucket, Path: path, Err: err}
	}

	var resp signResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decoding sign response: unexpected response: %w", err)
	}
	if resp.SignedURL == "" {
		return "", &ObjectError{Op: "signing", Bucket: bucket, Path: path, Err: errEmptySignedURL}
	}

	if strings.HasPrefix(resp.SignedURL, "http://") || strings.HasPrefix(resp.SignedURL, "https://") {
		return resp.SignedURL, nil
	}
	return s.baseURL + "/storage/v1" + resp.SignedURL, nil
}

// Download calls the authenticated GET /storage/v1/object/{bucket}/{path}.
func (s *Supabase) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	endpoint, err := joinURL(s.baseURL, "/storage/v1/object/", bucket, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	s.authorize(req)

	data, err := s.fetcher.Do(req)
	if err != nil {
		return nil, &ObjectError{Op: "downloading", Bucket: bucket, Path: path, Err: err}
	}
	s.logger.Debug("downloaded", "bucket", bucket, "path", path, "bytes", len(data))
	return data, nil
}

func (s *Supabase) authorize(req *http.Request) {
	if s.apiKey == "" {
		return
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
}

var _ Service = (*Supabase)(nil)
