// Package fetch retrieves document bytes over HTTP. Unsuccessful responses
// become *classify.StatusError so the classifier can read the status, and
// bodies are capped at a maximum document size.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/wolfeidau/docloader/classify"
	"github.com/wolfeidau/docloader/telemetry"
)

// DefaultMaxSize is the largest document accepted, 30 MiB.
const DefaultMaxSize = 30 << 20

// maxErrorBody bounds how much of an error response is kept for messages.
const maxErrorBody = 4 << 10

// ErrTooLarge is returned when a response body exceeds the maximum size. The
// text classifies as an invalid document.
var ErrTooLarge = errors.New("invalid document: exceeds maximum size")

// Fetcher performs GET requests for document bytes.
type Fetcher struct {
	client    *http.Client
	maxSize   int64
	userAgent string
	logger    *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client. The default client decompresses gzip
// responses and records upstream fetch metrics.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithMaxSize sets the maximum accepted body size in bytes.
func WithMaxSize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxSize = n
		}
	}
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// NewClient returns the default instrumented client labelled with source.
func NewClient(source string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: telemetry.NewInstrumentedTransport(gzhttp.Transport(http.DefaultTransport), source),
		Timeout:   timeout,
	}
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		maxSize:   DefaultMaxSize,
		userAgent: "docloader",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = NewClient("direct", 0)
	}
	return f
}

// MaxSize returns the configured size cap.
func (f *Fetcher) MaxSize() int64 {
	return f.maxSize
}

// Fetch GETs url and returns the body.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request url: %w", err)
	}
	return f.Do(req)
}

// Do sends req and returns the body of a 2xx response.
func (f *Fetcher) Do(req *http.Request) ([]byte, error) {
	if f.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", redact(req), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		serr := statusError(resp.StatusCode, redact(req), body)
		f.logger.Debug("upstream error",
			"url", serr.URL,
			"status", resp.StatusCode,
			"mapped_status", serr.StatusCode,
			"duration", time.Since(start),
		)
		return nil, serr
	}

	if resp.ContentLength > f.maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}

	data, err := ReadLimited(resp.Body, f.maxSize)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", redact(req), err)
	}

	f.logger.Debug("fetched",
		"url", redact(req),
		"bytes", len(data),
		"duration", time.Since(start),
	)
	return data, nil
}

// ReadLimited reads r to EOF, failing with ErrTooLarge past max bytes.
func ReadLimited(r io.Reader, max int64) ([]byte, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if n > max {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}

// errorEnvelope is the JSON error body used by Supabase Storage and the
// emulator. statusCode is a string in some versions and a number in others.
type errorEnvelope struct {
	StatusCode any    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

// statusError builds a StatusError, preferring the status embedded in a JSON
// error body when the response itself is a generic 400.
func statusError(code int, url string, body []byte) *classify.StatusError {
	serr := &classify.StatusError{StatusCode: code, URL: url}

	var env errorEnvelope
	if json.Unmarshal(body, &env) != nil {
		serr.Body = strings.TrimSpace(string(body))
		return serr
	}

	serr.Body = env.Message
	if serr.Body == "" {
		serr.Body = env.Error
	}
	if code == http.StatusBadRequest {
		if embedded := envelopeStatus(env.StatusCode); embedded >= 400 && embedded <= 599 {
			serr.StatusCode = embedded
		}
	}
	return serr
}

func envelopeStatus(v any) int {
	switch s := v.(type) {
	case float64:
		return int(s)
	case string:
		n, err := strconv.Atoi(s)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// redact drops the query string, which carries signed URL tokens.
func redact(req *http.Request) string {
	u := *req.URL
	if u.RawQuery != "" {
		u.RawQuery = "redacted"
	}
	return u.String()
}
