// Package server provides the HTTP interface to the document loader.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/cache"
	"github.com/wolfeidau/docloader/classify"
	"github.com/wolfeidau/docloader/download"
	"github.com/wolfeidau/docloader/loader"
	"github.com/wolfeidau/docloader/render"
	"github.com/wolfeidau/docloader/storage"
	"github.com/wolfeidau/docloader/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// ServiceKey guards cache administration and the emulator's
	// authenticated storage routes. Empty disables the check.
	ServiceKey string

	// Loader serves document requests. Required.
	Loader *loader.Loader

	// Renderer backs the info endpoint. A nil or unavailable renderer makes
	// the endpoint answer with the download fallback.
	Renderer *render.Renderer

	// Local enables the storage emulator routes when set.
	Local *storage.Local

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the document loader.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	loader   *loader.Loader
	renderer *render.Renderer
	local    *storage.Local
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Loader == nil {
		return nil, errors.New("server: loader is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		loader:   cfg.Loader,
		renderer: cfg.Renderer,
		local:    cfg.Local,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the server's root handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("DELETE /cache", s.requireServiceKey(s.handleCacheClear))

	// Keys are accepted in the path or, for absolute URLs which the mux
	// would otherwise clean, in the key query parameter.
	mux.HandleFunc("GET /documents", s.handleDocument)
	mux.HandleFunc("GET /documents/{key...}", s.handleDocument)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /info/{key...}", s.handleInfo)

	if s.local != nil {
		s.registerEmulatorRoutes(mux)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	download.WriteJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"renderer": s.renderer.Available(),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_stats")
	download.WriteJSON(w, http.StatusOK, s.loader.CacheStats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "cache_clear")

	var names []cache.Name
	for _, which := range r.URL.Query()["which"] {
		name, err := cache.ParseName(which)
		if err != nil {
			download.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		names = append(names, name)
	}

	s.loader.ClearCache(names...)
	download.WriteJSON(w, http.StatusOK, s.loader.CacheStats())
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "document")
	key, bucket := documentKey(r)

	res, err := s.loader.Load(r.Context(), key, loader.WithBucket(bucket))
	if err != nil {
		s.loadError(w, r, key, bucket, err)
		return
	}

	cacheResult := telemetry.CacheMiss
	if res.FromCache {
		cacheResult = telemetry.CacheHit
	}
	telemetry.SetCacheResult(r, cacheResult)

	download.ServeDocument(w, r, res.Data, res.Hash, download.ServeOptions{
		ExtraHeaders: map[string]string{
			"X-Cache":              string(cacheResult),
			"X-Docloader-Strategy": res.Strategy,
		},
	}, s.logger)
}

// infoResponse describes a loaded document.
type infoResponse struct {
	Key       string         `json:"key"`
	URL       string         `json:"url"`
	Strategy  string         `json:"strategy"`
	Size      int            `json:"size"`
	Hash      docloader.Hash `json:"hash"`
	FromCache bool           `json:"from_cache"`
	Renderer  string         `json:"renderer"`
	Worker    string         `json:"worker,omitempty"`
	Pages     int            `json:"pages,omitempty"`
	DirectURL string         `json:"direct_url,omitempty"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "info")
	key, bucket := documentKey(r)

	res, err := s.loader.Load(r.Context(), key, loader.WithBucket(bucket))
	if err != nil {
		s.loadError(w, r, key, bucket, err)
		return
	}

	info := infoResponse{
		Key:       res.Key,
		URL:       res.URL,
		Strategy:  res.Strategy,
		Size:      len(res.Data),
		Hash:      res.Hash,
		FromCache: res.FromCache,
		Renderer:  "unavailable",
	}

	if !s.renderer.Available() {
		info.DirectURL = s.directURL(key, bucket)
		download.WriteJSON(w, http.StatusOK, info)
		return
	}

	doc, err := s.renderer.Open(r.Context(), res.Key, res.Data)
	if err != nil {
		s.loadError(w, r, key, bucket, err)
		return
	}
	info.Renderer = "available"
	info.Worker = s.renderer.WorkerSource()
	info.Pages = doc.Pages()
	download.WriteJSON(w, http.StatusOK, info)
}

func (s *Server) loadError(w http.ResponseWriter, r *http.Request, key, bucket string, err error) {
	telemetry.SetErrorKind(r, string(classify.Classify(err).Kind))
	download.HandleError(w, s.logger, err, s.directURL(key, bucket))
}

func (s *Server) directURL(key, bucket string) string {
	u, err := s.loader.DirectURL(key, bucket)
	if err != nil {
		return ""
	}
	return u
}

// documentKey reads the key from the key query parameter or the path, and
// the bucket hint from the bucket query parameter.
func documentKey(r *http.Request) (key, bucket string) {
	q := r.URL.Query()
	key = q.Get("key")
	if key == "" {
		key = r.PathValue("key")
	}
	return key, q.Get("bucket")
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.ErrorKind != "" {
			attrs = append(attrs, "error_kind", tags.ErrorKind)
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on l, for callers that need the bound address
// before serving.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("starting server", "address", l.Addr().String())
	return s.httpServer.Serve(l)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// BaseURL returns an http URL for a listen address, mapping an unspecified
// host to localhost.
func BaseURL(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return "http://" + strings.TrimPrefix(address, "http://")
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
