// Command docloader resolves, fetches and serves hymn library documents from
// Supabase Storage, Google Cloud Storage or a local emulator.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/docloader/config"
)

var version = "dev"

// Globals are the flags shared by every command. Set flags override the
// configuration file.
type Globals struct {
	Config    string `help:"YAML configuration file." short:"c" type:"path" env:"DOCLOADER_CONFIG"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." env:"DOCLOADER_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." env:"DOCLOADER_LOG_FORMAT"`
	Backend   string `help:"Storage backend (none, supabase, gcs, local)." env:"DOCLOADER_STORAGE_BACKEND"`
	BaseURL   string `help:"Storage base URL." name:"base-url" env:"DOCLOADER_BASE_URL"`
	APIKey    string `help:"Storage API key, also required by the server's admin and emulator routes." name:"api-key" env:"DOCLOADER_API_KEY"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

type cli struct {
	Globals

	Serve   ServeCmd   `cmd:"" help:"Serve documents over HTTP."`
	Fetch   FetchCmd   `cmd:"" help:"Load one document through the resolver and cache."`
	Resolve ResolveCmd `cmd:"" help:"Print the retrieval candidates for a key without fetching."`
	Put     PutCmd     `cmd:"" help:"Store a file in the local storage emulator."`
}

func main() {
	_ = godotenv.Load()

	var c cli
	ctx := kong.Parse(&c,
		kong.Name("docloader"),
		kong.Description("Document resolution, caching and loading for the hymn library."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	ctx.FatalIfErrorf(ctx.Run(&c.Globals))
}

// load reads the configuration file, or the defaults when none is given,
// and applies flag overrides.
func (g *Globals) load() (*config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		var err error
		if cfg, err = config.Load(g.Config); err != nil {
			return nil, err
		}
	}

	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	if g.Backend != "" {
		cfg.Storage.Backend = g.Backend
	}
	if g.BaseURL != "" {
		cfg.Storage.BaseURL = g.BaseURL
	}
	if g.APIKey != "" {
		cfg.Storage.APIKey = g.APIKey
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}
	return slog.New(handler), nil
}

// setup loads the configuration and builds the logger.
func (g *Globals) setup() (*config.Config, *slog.Logger, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}
