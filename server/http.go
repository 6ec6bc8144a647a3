// Package server provides the HTTP server for the feature cache.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	featurecache "github.com/wolfeidau/feature-cache"
	"github.com/wolfeidau/feature-cache/cache"
	"github.com/wolfeidau/feature-cache/detector"
	"github.com/wolfeidau/feature-cache/extractor"
	"github.com/wolfeidau/feature-cache/pool"
	"github.com/wolfeidau/feature-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when non-empty.
	// /health and /metrics stay open for probes and scrapers.
	AuthToken string

	// Extractor computes feature signatures from staged image files.
	// Required.
	Extractor extractor.Extractor

	// Backend selects the remote cache tier: "none", "bolt" or "redis".
	Backend string

	// BoltPath is the database file when Backend is "bolt".
	BoltPath string

	// RedisAddr, RedisPassword and RedisDB apply when Backend is "redis".
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MaxImageBytes rejects larger uploads. Default: 32MB.
	MaxImageBytes int64

	// StagingDir is where uploads are staged for extraction.
	// Empty means the OS temp directory.
	StagingDir string

	// CacheMaxEntries and CacheMaxBytes bound the in-memory result
	// cache. Zero leaves the corresponding bound disabled.
	CacheMaxEntries int
	CacheMaxBytes   int64

	// CacheTTL is the time-to-live for cached results.
	CacheTTL time.Duration

	// SlidingTTL refreshes a result's expiry on every hit.
	SlidingTTL bool

	// RemoteTTL is the expiry applied to the remote tier. Zero falls
	// back to CacheTTL.
	RemoteTTL time.Duration

	// Workers and QueueDepth size the extraction pool. Zero values use
	// the pool defaults.
	Workers    int
	QueueDepth int

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the feature cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	cache    *cache.Tiered
	pool     *pool.Pool
	detector *detector.Detector
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Extractor == nil {
		return nil, errors.New("server: extractor is required")
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 32 * 1024 * 1024
	}

	memCfg := cache.DefaultConfig()
	memCfg.MaxEntries = cfg.CacheMaxEntries
	memCfg.MaxBytes = cfg.CacheMaxBytes
	memCfg.SlidingTTL = cfg.SlidingTTL
	memCfg.Logger = cfg.Logger.With("component", "cache")
	if cfg.CacheTTL > 0 {
		memCfg.DefaultTTL = cfg.CacheTTL
	}
	local := cache.NewMemory(memCfg)

	remote, err := newRemoteBackend(cfg)
	if err != nil {
		return nil, err
	}

	tiered, err := cache.NewTiered(local, remote, cache.TieredConfig{
		RemoteTTL: cfg.RemoteTTL,
		Logger:    cfg.Logger.With("component", "cache"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating tiered cache: %w", err)
	}

	workerPool := pool.New(pool.Config{
		Workers:    cfg.Workers,
		QueueDepth: cfg.QueueDepth,
		Logger:     cfg.Logger.With("component", "pool"),
	})

	det := detector.New(tiered, workerPool, cfg.Extractor, detector.Config{
		MaxImageBytes: cfg.MaxImageBytes,
		StagingDir:    cfg.StagingDir,
		Logger:        cfg.Logger.With("component", "detector"),
	})

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		cache:    tiered,
		pool:     workerPool,
		detector: det,
	}

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // extraction of large images can be slow
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// newRemoteBackend builds the optional second cache tier.
func newRemoteBackend(cfg Config) (cache.Backend, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "bolt":
		if cfg.BoltPath == "" {
			return nil, errors.New("server: bolt backend requires a database path")
		}
		bolt, err := cache.NewBolt(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("opening bolt backend: %w", err)
		}
		return cache.NewInstrumentedBackend(bolt, "bolt"), nil
	case "redis":
		redis := cache.NewRedis(cache.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return cache.NewInstrumentedBackend(redis, "redis"), nil
	default:
		return nil, fmt.Errorf("server: unknown backend %q", cfg.Backend)
	}
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache and pipeline stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Feature detection
	mux.HandleFunc("POST /detect", s.handleDetect)
}

// detectResponse is the JSON body returned by POST /detect.
type detectResponse struct {
	Fingerprint string               `json:"fingerprint"`
	CacheHit    bool                 `json:"cache_hit"`
	Coalesced   bool                 `json:"coalesced"`
	Result      *featurecache.Result `json:"result"`
}

// handleDetect accepts an image as the raw request body, or as the
// "image" field of a multipart form, and returns its feature signature.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "detect")

	imageBytes, err := s.readImage(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	result, outcome, err := s.detector.Detect(r.Context(), imageBytes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	switch {
	case outcome.CacheHit:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		w.Header().Set("X-Cache", "hit")
	case outcome.Coalesced:
		telemetry.SetCacheResult(r, telemetry.CacheCoalesced)
		w.Header().Set("X-Cache", "coalesced")
	default:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
		w.Header().Set("X-Cache", "miss")
	}

	stats := s.cache.Stats()
	telemetry.UpdateCacheState(r.Context(), stats.Entries, stats.Bytes)

	resp := detectResponse{
		Fingerprint: featurecache.FingerprintBytes(imageBytes).String(),
		CacheHit:    outcome.CacheHit,
		Coalesced:   outcome.Coalesced,
		Result:      result,
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding detect response", "error", err)
	}
}

// readImage extracts the image bytes from the request, enforcing the
// upload size limit at the transport edge.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxImageBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("%w: missing multipart field %q", featurecache.ErrInvalidInput, "image")
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			return nil, sizeLimitError(err)
		}
		return data, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, sizeLimitError(err)
	}
	return data, nil
}

func sizeLimitError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return fmt.Errorf("%w: image exceeds limit of %d bytes", featurecache.ErrInvalidInput, maxBytesErr.Limit)
	}
	return fmt.Errorf("reading image: %w", err)
}

// statsResponse is the JSON body returned by GET /stats.
type statsResponse struct {
	Cache    cache.TieredStats `json:"cache"`
	Pool     pool.Stats        `json:"pool"`
	InFlight int64             `json:"inflight_jobs"`
	Waiters  int64             `json:"inflight_waiters"`
}

// handleStats handles cache statistics requests.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	stats := s.cache.Stats()
	telemetry.UpdateCacheState(r.Context(), stats.Entries, stats.Bytes)

	resp := statsResponse{
		Cache:    stats,
		Pool:     s.pool.Stats(),
		InFlight: s.detector.InFlight(),
		Waiters:  s.detector.Waiters(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("encoding stats response", "error", err)
	}
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// writeError maps service errors onto HTTP status codes and writes a
// JSON error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var extractionErr *featurecache.ExtractionError
	switch {
	case errors.Is(err, featurecache.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, featurecache.ErrServiceBusy):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.As(err, &extractionErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("detect request failed", "error", err, "path", r.URL.Path)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
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

		// Wrap response writer to capture status and bytes
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
		}

		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the cache, worker pool and HTTP listener. It blocks
// until the listener stops.
func (s *Server) Start(ctx context.Context) error {
	s.cache.Start(ctx)
	s.pool.Start(ctx)

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, draining the pool and
// closing the cache tiers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	s.pool.Stop()
	if cerr := s.cache.Close(); cerr != nil && err == nil {
		err = cerr
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests that drive the
// server through httptest.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code
// and bytes written.
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

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
