package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/wolfeidau/docloader/config"
	"github.com/wolfeidau/docloader/loader"
	"github.com/wolfeidau/docloader/server"
	"github.com/wolfeidau/docloader/storage"
	"github.com/wolfeidau/docloader/telemetry"
)

// ServeCmd runs the HTTP server.
type ServeCmd struct {
	Listen string `help:"Address to listen on." env:"DOCLOADER_LISTEN"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "docloader",
		ServiceVersion:   version,
		OTLPEndpoint:     cfg.Metrics.OTLPEndpoint,
		EnablePrometheus: cfg.Metrics.Prometheus,
		FlushInterval:    cfg.Metrics.FlushInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	// Bind before wiring so the local emulator's URLs use the real port.
	l, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Server.Listen, err)
	}
	if cfg.Storage.Backend == config.BackendLocal && cfg.Storage.BaseURL == "" {
		cfg.Storage.BaseURL = server.BaseURL(l.Addr().String())
	}

	st, err := newStack(ctx, cfg, logger, true)
	if err != nil {
		_ = l.Close()
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("failed to close storage", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:    l.Addr().String(),
		ServiceKey: cfg.Storage.APIKey,
		Loader:     st.loader,
		Renderer:   st.renderer,
		Local:      st.local,
		Logger:     logger,
	})
	if err != nil {
		_ = l.Close()
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"backend", cfg.Storage.Backend,
		"renderer", st.renderer.Available(),
		"documents_url", server.BaseURL(srv.Address())+"/documents/",
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// FetchCmd loads one document and writes it to a file or stdout.
type FetchCmd struct {
	Key    string `arg:"" help:"Storage key: a filename, bucket/path or absolute URL."`
	Bucket string `help:"Bucket hint." short:"b"`
	Out    string `help:"Output file. Defaults to stdout." short:"o" type:"path"`
}

func (c *FetchCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := newStack(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Loader.Timeout)
	defer cancel()

	res, err := st.loader.Load(ctx, c.Key, loader.WithBucket(c.Bucket))
	if err != nil {
		if direct, derr := st.loader.DirectURL(c.Key, c.Bucket); derr == nil {
			logger.Info("document can be opened directly", "url", direct)
		}
		return err
	}

	logger.Info("loaded document",
		"key", res.Key,
		"url", res.URL,
		"strategy", res.Strategy,
		"attempts", res.Attempts,
		"bytes", len(res.Data),
		"hash", res.Hash.ShortString(),
	)

	if c.Out == "" {
		_, err = os.Stdout.Write(res.Data)
		return err
	}
	return os.WriteFile(c.Out, res.Data, 0o644)
}

// ResolveCmd prints the candidate list for a key. No network calls are made;
// signed URLs are shown as pending.
type ResolveCmd struct {
	Key    string `arg:"" help:"Storage key: a filename, bucket/path or absolute URL."`
	Bucket string `help:"Bucket hint." short:"b"`
}

func (c *ResolveCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := newStack(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer st.Close()

	candidates, err := st.resolver.Resolve(ctx, c.Key, c.Bucket)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTRATEGY\tMETHOD\tURL")
	for i, cand := range candidates {
		u := "(minted on demand)"
		if cand.Synchronous() {
			if u, err = cand.URL(ctx); err != nil {
				u = "error: " + err.Error()
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, cand.Strategy, cand.Method, u)
	}
	return tw.Flush()
}

// PutCmd stores a file in the local emulator.
type PutCmd struct {
	Bucket      string `arg:"" help:"Bucket name. Created when missing."`
	Path        string `arg:"" help:"Object path within the bucket."`
	File        string `arg:"" help:"File to upload." type:"existingfile"`
	Public      bool   `help:"Create a missing bucket as public."`
	ContentType string `help:"Content type recorded with the object." default:"application/pdf"`
}

func (c *PutCmd) Run(g *Globals) error {
	cfg, logger, err := g.setup()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend != config.BackendLocal {
		return fmt.Errorf("put requires the %s storage backend, configured: %s", config.BackendLocal, cfg.Storage.Backend)
	}

	data, err := os.ReadFile(c.File)
	if err != nil {
		return err
	}

	local, err := storage.OpenLocal(storage.LocalConfig{
		Path:    cfg.Storage.Path,
		BaseURL: cfg.Storage.BaseURL,
		MaxSize: cfg.Loader.MaxSize,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer local.Close()

	buckets, err := local.Buckets()
	if err != nil {
		return err
	}
	exists := false
	for _, b := range buckets {
		exists = exists || b.Name == c.Bucket
	}
	if !exists {
		if err := local.CreateBucket(c.Bucket, c.Public); err != nil {
			return err
		}
		logger.Info("created bucket", "bucket", c.Bucket, "public", c.Public)
	}

	info, err := local.Put(context.Background(), c.Bucket, c.Path, data, c.ContentType)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(info)
}
