package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/wolfeidau/docloader/cache"
	"github.com/wolfeidau/docloader/classify"
	"github.com/wolfeidau/docloader/telemetry"
)

const (
	// DefaultVersion is the worker release requested from the CDNs.
	DefaultVersion = "3.4.120"

	// DefaultLocalWorker is the bundled worker, relative to the working
	// directory.
	DefaultLocalWorker = "assets/pdf.worker.min.js"
)

// WorkerSource is one place a worker script can be loaded from.
type WorkerSource struct {
	Name string
	URL  string
}

// DefaultWorkerSources returns the bundled worker followed by the primary
// and secondary CDNs. An empty local path skips the bundled worker.
func DefaultWorkerSources(version, local string) []WorkerSource {
	if version == "" {
		version = DefaultVersion
	}
	var out []WorkerSource
	if local != "" {
		out = append(out, WorkerSource{Name: "local", URL: local})
	}
	return append(out,
		WorkerSource{Name: "unpkg", URL: "https://unpkg.com/pdfjs-dist@" + version + "/build/pdf.worker.min.js"},
		WorkerSource{Name: "jsdelivr", URL: "https://cdn.jsdelivr.net/npm/pdfjs-dist@" + version + "/build/pdf.worker.min.js"},
	)
}

// Prober checks that a worker source is reachable.
type Prober interface {
	Probe(ctx context.Context, src string) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, src string) error

func (f ProberFunc) Probe(ctx context.Context, src string) error {
	return f(ctx, src)
}

// HTTPProber issues a HEAD request for URLs and stats local paths.
type HTTPProber struct {
	Client *http.Client
}

func (p HTTPProber) Probe(ctx context.Context, src string) error {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		_, err := os.Stat(src)
		return err
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, src, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return &classify.StatusError{StatusCode: resp.StatusCode, URL: src}
	}
	return nil
}

// Bootstrap configures the engine's worker.
type Bootstrap struct {
	engine  Engine
	cache   *cache.Manager
	prober  Prober
	sources []WorkerSource
	logger  *slog.Logger
}

// Option configures a Bootstrap.
type Option func(*Bootstrap)

// WithProber sets the reachability check.
func WithProber(p Prober) Option {
	return func(b *Bootstrap) {
		b.prober = p
	}
}

// WithSources replaces the worker sources, tried in order.
func WithSources(sources ...WorkerSource) Option {
	return func(b *Bootstrap) {
		b.sources = sources
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bootstrap) {
		b.logger = logger
	}
}

// NewBootstrap creates a Bootstrap. Parsed documents are kept in the
// documents cache of c.
func NewBootstrap(engine Engine, c *cache.Manager, opts ...Option) *Bootstrap {
	b := &Bootstrap{
		engine:  engine,
		cache:   c,
		prober:  HTTPProber{},
		sources: DefaultWorkerSources(DefaultVersion, DefaultLocalWorker),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "renderer")
	return b
}

// Configure sets the engine's worker from the first reachable source and
// returns the Renderer handle. An engine that already has a worker is left
// alone, so calling Configure again has no further effect. When every
// source fails, Configure returns ErrRendererUnavailable along with a
// Renderer whose Available reports false.
func (b *Bootstrap) Configure(ctx context.Context) (*Renderer, error) {
	if src := b.engine.WorkerSource(); src != "" {
		return b.renderer(src), nil
	}

	var errs []error
	for _, s := range b.sources {
		if err := b.prober.Probe(ctx, s.URL); err != nil {
			telemetry.RecordRendererConfigure(ctx, s.Name, "unreachable")
			b.logger.Warn("worker source unreachable", "source", s.Name, "url", s.URL, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		if err := b.engine.ConfigureWorker(s.URL); err != nil {
			telemetry.RecordRendererConfigure(ctx, s.Name, "error")
			b.logger.Warn("failed to configure worker", "source", s.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
			continue
		}
		telemetry.RecordRendererConfigure(ctx, s.Name, "success")
		b.logger.Info("renderer configured", "source", s.Name, "url", s.URL)
		return b.renderer(s.URL), nil
	}

	b.logger.Error("renderer unavailable, documents will be offered for download")
	err := ErrRendererUnavailable
	if len(errs) > 0 {
		err = fmt.Errorf("%w: %w", ErrRendererUnavailable, errors.Join(errs...))
	}
	return &Renderer{cache: b.cache, logger: b.logger}, err
}

func (b *Bootstrap) renderer(src string) *Renderer {
	return &Renderer{
		engine:    b.engine,
		cache:     b.cache,
		source:    src,
		available: true,
		logger:    b.logger,
	}
}

// Renderer is the configured engine handle.
type Renderer struct {
	engine    Engine
	cache     *cache.Manager
	source    string
	available bool
	logger    *slog.Logger
}

// Available reports whether a worker was configured.
func (r *Renderer) Available() bool {
	return r != nil && r.available
}

// WorkerSource returns the configured worker, or "" when unavailable.
func (r *Renderer) WorkerSource() string {
	if r == nil {
		return ""
	}
	return r.source
}

// Open parses data, serving and populating the documents cache under key.
// Failures are returned as a *classify.Error.
func (r *Renderer) Open(ctx context.Context, key string, data []byte) (Document, error) {
	if !r.Available() {
		return nil, classify.New(classify.KindRender, ErrRendererUnavailable)
	}

	if v, ok := r.cache.Documents().Get(key); ok {
		if doc, ok := v.(Document); ok {
			telemetry.RecordCacheLookup(ctx, string(cache.Documents), telemetry.CacheHit)
			return doc, nil
		}
	}
	telemetry.RecordCacheLookup(ctx, string(cache.Documents), telemetry.CacheMiss)

	doc, err := r.engine.Parse(ctx, data)
	if err != nil {
		cerr := classify.Classify(err)
		r.logger.Debug("parse failed", "key", key, "kind", cerr.Kind, "error", err)
		return nil, cerr
	}
	r.cache.Documents().Set(key, doc, 0)
	return doc, nil
}
