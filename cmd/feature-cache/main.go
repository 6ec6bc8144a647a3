// Command feature-cache is a feature-signature service for images, with
// a content-addressed result cache in front of the extraction pipeline.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	featurecache "github.com/wolfeidau/feature-cache"
	"github.com/wolfeidau/feature-cache/extractor/orb"
	"github.com/wolfeidau/feature-cache/server"
	"github.com/wolfeidau/feature-cache/telemetry"
)

var version = "dev"

type globals struct {
	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

type serveCmd struct {
	Address   string `help:"Address to listen on." default:":8080"`
	AuthToken string `help:"Bearer token required on API requests. Empty disables authentication." env:"FEATURE_CACHE_AUTH_TOKEN"`

	Backend       string `help:"Remote cache tier." enum:"none,bolt,redis" default:"none"`
	BoltPath      string `help:"Database file for the bolt backend." default:"feature-cache.db"`
	RedisAddr     string `help:"Redis address for the redis backend." default:"localhost:6379"`
	RedisPassword string `help:"Redis password." env:"FEATURE_CACHE_REDIS_PASSWORD"`
	RedisDB       int    `help:"Redis database number." default:"0"`

	MaxImageBytes int64  `help:"Maximum accepted image size in bytes." default:"33554432"`
	StagingDir    string `help:"Directory for staging uploads before extraction. Empty uses the OS temp directory."`

	CacheMaxEntries int           `help:"Maximum cached results. Zero disables the entry bound." default:"10000"`
	CacheMaxBytes   int64         `help:"Maximum bytes of cached results. Zero disables the byte bound." default:"1073741824"`
	CacheTTL        time.Duration `help:"Time-to-live for cached results." default:"15m"`
	SlidingTTL      bool          `help:"Refresh a result's expiry on every cache hit."`
	RemoteTTL       time.Duration `help:"TTL for the remote tier. Zero falls back to --cache-ttl."`

	Workers    int `help:"Extraction workers. Zero uses the number of CPUs." default:"0"`
	QueueDepth int `help:"Pending extraction queue depth, negative for unbounded." default:"64"`

	OTLPEndpoint     string `help:"OTLP gRPC endpoint for metrics export. Empty disables export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnablePrometheus bool   `help:"Serve Prometheus metrics on /metrics." default:"true"`
}

type fingerprintCmd struct {
	Paths []string `arg:"" help:"Image files to fingerprint." type:"existingfile"`
}

type cli struct {
	globals

	Serve       serveCmd       `cmd:"" help:"Run the feature cache server." default:"withargs"`
	Fingerprint fingerprintCmd `cmd:"" help:"Print the fingerprint of image files without contacting a server."`
}

func main() {
	var app cli
	ktx := kong.Parse(&app,
		kong.Name("feature-cache"),
		kong.Description("Image feature-signature service with a content-addressed result cache."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(app.globals)
	ktx.FatalIfErrorf(err)
	slog.SetDefault(logger)

	ktx.FatalIfErrorf(ktx.Run(logger))
}

func newLogger(g globals) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", g.LogLevel)
	}

	var handler slog.Handler
	switch g.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", g.LogFormat)
	}

	return slog.New(handler), nil
}

func (c *serveCmd) Run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "feature-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.EnablePrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:         c.Address,
		AuthToken:       c.AuthToken,
		Extractor:       orb.New(),
		Backend:         c.Backend,
		BoltPath:        c.BoltPath,
		RedisAddr:       c.RedisAddr,
		RedisPassword:   c.RedisPassword,
		RedisDB:         c.RedisDB,
		MaxImageBytes:   c.MaxImageBytes,
		StagingDir:      c.StagingDir,
		CacheMaxEntries: c.CacheMaxEntries,
		CacheMaxBytes:   c.CacheMaxBytes,
		CacheTTL:        c.CacheTTL,
		SlidingTTL:      c.SlidingTTL,
		RemoteTTL:       c.RemoteTTL,
		Workers:         c.Workers,
		QueueDepth:      c.QueueDepth,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"backend", c.Backend,
		"cache_ttl", c.CacheTTL,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (c *fingerprintCmd) Run(logger *slog.Logger) error {
	for _, path := range c.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		fp := featurecache.FingerprintBytes(data)
		fmt.Printf("%s  %s\n", fp, path)
	}

	return nil
}
