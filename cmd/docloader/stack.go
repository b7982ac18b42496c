package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"google.golang.org/api/option"

	"github.com/wolfeidau/docloader/cache"
	"github.com/wolfeidau/docloader/config"
	"github.com/wolfeidau/docloader/fetch"
	"github.com/wolfeidau/docloader/loader"
	"github.com/wolfeidau/docloader/render"
	"github.com/wolfeidau/docloader/resolve"
	"github.com/wolfeidau/docloader/server"
	"github.com/wolfeidau/docloader/storage"
)

// stack is the wired loader with its storage service and renderer.
type stack struct {
	resolver *resolve.Resolver
	cache    *cache.Manager
	loader   *loader.Loader
	renderer *render.Renderer
	local    *storage.Local

	closers []func() error
}

func (s *stack) Close() error {
	var errs []error
	for _, fn := range slices.Backward(s.closers) {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

func (s *stack) fetcher(cfg *config.Config, source string, logger *slog.Logger) *fetch.Fetcher {
	return fetch.New(
		fetch.WithClient(fetch.NewClient(source, cfg.Loader.Timeout)),
		fetch.WithMaxSize(cfg.Loader.MaxSize),
		fetch.WithUserAgent(cfg.Loader.UserAgent),
		fetch.WithLogger(logger),
	)
}

// newStack wires storage, resolver, cache and loader from cfg. The renderer
// is only configured when withRenderer is set, since probing worker sources
// makes network calls.
func newStack(ctx context.Context, cfg *config.Config, logger *slog.Logger, withRenderer bool) (*stack, error) {
	s := &stack{}

	svc, err := s.openStorage(ctx, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.resolver = resolve.New(cfg.ResolveConfig(), svc, resolve.WithLogger(logger))
	s.cache = cache.New(
		cache.WithTTLs(cfg.Cache.BytesTTL, cfg.Cache.DocumentTTL),
		cache.WithKeyFunc(s.resolver.CacheKey),
		cache.WithLogger(logger),
	)
	s.loader = loader.New(s.resolver, s.cache, s.fetcher(cfg, "upstream", logger),
		loader.WithRetryDelay(cfg.Loader.RetryDelay),
		loader.WithLogger(logger),
	)

	if withRenderer && !cfg.Renderer.Disabled {
		b := render.NewBootstrap(render.NewStructuralEngine(), s.cache,
			render.WithSources(render.DefaultWorkerSources(cfg.Renderer.Version, cfg.Renderer.LocalWorker)...),
			render.WithProber(render.HTTPProber{Client: fetch.NewClient("worker", 5*time.Second)}),
			render.WithLogger(logger),
		)
		// An unavailable renderer is a degraded mode, not a startup failure.
		s.renderer, err = b.Configure(ctx)
		if err != nil {
			logger.Warn("renderer unavailable", "error", err)
		}
	}
	return s, nil
}

// openStorage builds the configured storage service. For the local backend the
// base URL defaults to the server's listen address, and the resolver's
// buckets are created when missing.
func (s *stack) openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Service, error) {
	var svc storage.Service

	switch cfg.Storage.Backend {
	case config.BackendNone:
		return nil, nil

	case config.BackendSupabase:
		sb, err := storage.NewSupabase(storage.SupabaseConfig{
			BaseURL: cfg.Storage.BaseURL,
			APIKey:  cfg.Storage.APIKey,
			Fetcher: s.fetcher(cfg, "supabase", logger),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		svc = sb

	case config.BackendGCS:
		var opts []option.ClientOption
		if cfg.Storage.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Storage.CredentialsFile))
		}
		gcs, err := storage.NewGCS(ctx, storage.GCSConfig{
			BaseURL:        cfg.Storage.BaseURL,
			MaxSize:        cfg.Loader.MaxSize,
			PrivateBuckets: cfg.Storage.PrivateBuckets,
			Logger:         logger,
		}, opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, gcs.Close)
		svc = gcs

	case config.BackendLocal:
		if cfg.Storage.BaseURL == "" {
			cfg.Storage.BaseURL = server.BaseURL(cfg.Server.Listen)
		}
		local, err := storage.OpenLocal(storage.LocalConfig{
			Path:    cfg.Storage.Path,
			BaseURL: cfg.Storage.BaseURL,
			Secret:  []byte(cfg.Storage.Secret),
			MaxSize: cfg.Loader.MaxSize,
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, local.Close)
		if err := ensureBuckets(local, cfg.Resolver); err != nil {
			return nil, err
		}
		s.local = local
		svc = local

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	return storage.NewInstrumented(svc, cfg.Storage.Backend), nil
}

// ensureBuckets creates missing layout buckets: the default and direct
// buckets public, alternates private.
func ensureBuckets(local *storage.Local, rc config.ResolverConfig) error {
	existing, err := local.Buckets()
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, b := range existing {
		have[b.Name] = true
	}

	create := func(name string, public bool) error {
		if name == "" || have[name] {
			return nil
		}
		have[name] = true
		return local.CreateBucket(name, public)
	}

	if err := create(rc.DefaultBucket, true); err != nil {
		return err
	}
	if err := create(rc.DirectBucket, true); err != nil {
		return err
	}
	for _, b := range rc.AlternateBuckets {
		if err := create(b, false); err != nil {
			return err
		}
	}
	return nil
}
