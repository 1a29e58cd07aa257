// tilestored runs the tile store daemon: it owns the shared storage
// context registry, the slab index cache tiers, and the descriptor
// catalogs, and serves the admin HTTP surface over them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/geopyramid/tilestore/book"
	"github.com/geopyramid/tilestore/cache"
	"github.com/geopyramid/tilestore/indexdb"
	"github.com/geopyramid/tilestore/proj"
	"github.com/geopyramid/tilestore/server"
	"github.com/geopyramid/tilestore/storage"
	"github.com/geopyramid/tilestore/style"
	"github.com/geopyramid/tilestore/telemetry"
	"github.com/geopyramid/tilestore/tms"
)

// version is stamped at build time via -ldflags.
var version = "dev"

var cli struct {
	Addr string `help:"Admin HTTP listen address." default:":8080" env:"TILESTORE_ADDR"`

	TMSDir   string `help:"Directory of tile matrix set descriptors." default:"catalog/tms" env:"TILESTORE_TMS_DIR"`
	StyleDir string `help:"Directory of style descriptors." default:"catalog/styles" env:"TILESTORE_STYLE_DIR"`

	CacheCapacity int           `help:"Maximum slab indexes held in memory." default:"100" env:"TILESTORE_CACHE_CAPACITY"`
	CacheValidity time.Duration `help:"Age after which a cached slab index is stale." default:"300s" env:"TILESTORE_CACHE_VALIDITY"`

	IndexPath     string        `help:"Path of the persistent slab index database. Empty disables persistence." env:"TILESTORE_INDEX_PATH"`
	IndexValidity time.Duration `help:"Age after which a persisted slab index is stale." default:"24h" env:"TILESTORE_INDEX_VALIDITY"`
	ReapInterval  time.Duration `help:"Interval between sweeps for stale persisted indexes." default:"5m" env:"TILESTORE_REAP_INTERVAL"`

	Open []string `help:"Backends to open at startup, each as type:location (file:/data/pyramids, object:tiles, http:https://tiles.example.com). Opened contexts are held until shutdown." placeholder:"TYPE:LOCATION" env:"TILESTORE_OPEN"`

	S3Endpoint  string `help:"Object store endpoint host:port." env:"TILESTORE_S3_ENDPOINT"`
	S3AccessKey string `help:"Object store access key." env:"TILESTORE_S3_ACCESS_KEY"`
	S3SecretKey string `help:"Object store secret key." env:"TILESTORE_S3_SECRET_KEY"`
	S3Region    string `help:"Object store region." env:"TILESTORE_S3_REGION"`
	S3Secure    bool   `help:"Use TLS for the object store connection." default:"true" negatable:"" env:"TILESTORE_S3_SECURE"`

	OTLPEndpoint     string `help:"OTLP gRPC endpoint for metric export. Empty disables export." env:"TILESTORE_OTLP_ENDPOINT"`
	EnablePrometheus bool   `help:"Expose prometheus metrics on /metrics." default:"true" negatable:"" env:"TILESTORE_PROMETHEUS"`

	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"TILESTORE_LOG_LEVEL"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text" env:"TILESTORE_LOG_FORMAT"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("tilestored"),
		kong.Description("Tile store daemon: pooled storage backends, slab index caching, and descriptor catalogs behind an admin HTTP surface."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run())
}

func run() error {
	logger := newLogger(cli.LogLevel, cli.LogFormat)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flushMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "tilestored",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising telemetry: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := flushMetrics(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	registry := storage.NewRegistry(storage.WithRegistryLogger(logger))
	indexCache := cache.New(
		cache.WithCapacity(cli.CacheCapacity),
		cache.WithValidity(cli.CacheValidity),
		cache.WithLogger(logger),
	)

	var store *indexdb.Store
	var reaperDone chan struct{}
	if cli.IndexPath != "" {
		store = indexdb.NewStore(
			indexdb.WithValidity(cli.IndexValidity),
			indexdb.WithLogger(logger),
		)
		if err := store.Open(cli.IndexPath); err != nil {
			return fmt.Errorf("opening index store: %w", err)
		}
		reaper := indexdb.NewReaper(store,
			indexdb.WithReaperInterval(cli.ReapInterval),
			indexdb.WithReaperLogger(logger),
		)
		reaperDone = make(chan struct{})
		go func() {
			defer close(reaperDone)
			reaper.Run(ctx)
		}()
	}

	tmsBook := tms.NewBook(book.WithLogger(logger))
	if err := tmsBook.Load(ctx, cli.TMSDir); err != nil {
		return fmt.Errorf("loading tile matrix sets: %w", err)
	}
	styleBook := style.NewBook(book.WithLogger(logger))
	if err := styleBook.Load(ctx, cli.StyleDir); err != nil {
		return fmt.Errorf("loading styles: %w", err)
	}

	projections := proj.NewPool()

	backendCfg := storage.Config{
		Endpoint:  cli.S3Endpoint,
		AccessKey: cli.S3AccessKey,
		SecretKey: cli.S3SecretKey,
		Secure:    cli.S3Secure,
		Region:    cli.S3Region,
	}
	leases := make([]*storage.Lease, 0, len(cli.Open))
	for _, target := range cli.Open {
		lease, err := openBackend(ctx, registry, target, backendCfg)
		if err != nil {
			return err
		}
		leases = append(leases, lease)
	}

	srv, err := server.New(server.Config{
		Address:  cli.Addr,
		TMSDir:   cli.TMSDir,
		StyleDir: cli.StyleDir,
		Logger:   logger,
	}, server.Deps{
		Registry:  registry,
		Cache:     indexCache,
		Index:     store,
		TMSBook:   tmsBook,
		StyleBook: styleBook,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("daemon started",
		"version", version,
		"addr", cli.Addr,
		"tms_sets", tmsBook.Len(),
		"styles", styleBook.Len(),
		"backends", len(leases),
		"index_path", cli.IndexPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}

	cancel()
	if reaperDone != nil {
		<-reaperDone
	}

	for _, lease := range leases {
		lease.Release()
	}
	if err := registry.Close(); err != nil {
		logger.Warn("closing storage contexts", "error", err)
	}
	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("closing index store", "error", err)
		}
	}
	projections.Shutdown()
	tmsBook.Clear()
	styleBook.Clear()

	logger.Info("daemon stopped")
	return nil
}

// openBackend acquires a long-lived storage context from a TYPE:LOCATION
// argument. The lease is held until shutdown so the context survives idle
// eviction.
func openBackend(ctx context.Context, registry *storage.Registry, target string, cfg storage.Config) (*storage.Lease, error) {
	typeName, location, ok := strings.Cut(target, ":")
	if !ok {
		return nil, fmt.Errorf("invalid backend %q: want type:location", target)
	}
	typ, err := storage.ParseType(typeName)
	if err != nil {
		return nil, fmt.Errorf("invalid backend %q: %w", target, err)
	}
	lease, err := registry.Acquire(ctx, typ, location, cfg)
	if err != nil {
		return nil, fmt.Errorf("opening backend %q: %w", target, err)
	}
	return lease, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      lvl,
			TimeFormat: time.Kitchen,
		})
	}
	return slog.New(handler)
}
