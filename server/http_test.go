package server

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	featurecache "github.com/wolfeidau/feature-cache"
	"github.com/wolfeidau/feature-cache/extractor"
)

var testResult = &featurecache.Result{
	Keypoints:      []featurecache.KeyPoint{{X: 10, Y: 20, Size: 31}},
	Descriptors:    [][]byte{{1, 2, 3}},
	DescriptorBits: 256,
}

func staticExtractor() extractor.Extractor {
	return extractor.Func(func(ctx context.Context, path string) (*featurecache.Result, error) {
		return testResult, nil
	})
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	if cfg.Extractor == nil {
		cfg.Extractor = staticExtractor()
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.StagingDir = t.TempDir()

	srv, err := New(cfg)
	require.NoError(t, err)

	srv.cache.Start(t.Context())
	srv.pool.Start(t.Context())
	t.Cleanup(func() {
		srv.pool.Stop()
		require.NoError(t, srv.cache.Close())
	})

	return srv
}

func doDetect(t *testing.T, srv *Server, body []byte) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader(body))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestDetect_RawBody(t *testing.T) {
	srv := newTestServer(t, Config{})

	image := []byte("raw image bytes")
	w := doDetect(t, srv, image)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "miss", w.Header().Get("X-Cache"))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var resp detectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, featurecache.FingerprintBytes(image).String(), resp.Fingerprint)
	require.False(t, resp.CacheHit)
	require.Equal(t, testResult, resp.Result)
}

func TestDetect_SecondRequestIsCacheHit(t *testing.T) {
	srv := newTestServer(t, Config{})

	image := []byte("raw image bytes")
	w := doDetect(t, srv, image)
	require.Equal(t, http.StatusOK, w.Code)

	w = doDetect(t, srv, image)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "hit", w.Header().Get("X-Cache"))

	var resp detectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.CacheHit)
}

func TestDetect_Multipart(t *testing.T) {
	srv := newTestServer(t, Config{})

	image := []byte("multipart image bytes")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", "photo.jpg")
	require.NoError(t, err)
	_, err = fw.Write(image)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/detect", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp detectResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, featurecache.FingerprintBytes(image).String(), resp.Fingerprint)
}

func TestDetect_EmptyBody(t *testing.T) {
	srv := newTestServer(t, Config{})

	w := doDetect(t, srv, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDetect_OversizedBody(t *testing.T) {
	srv := newTestServer(t, Config{MaxImageBytes: 64})

	w := doDetect(t, srv, make([]byte, 65))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDetect_ExtractionFailure(t *testing.T) {
	srv := newTestServer(t, Config{
		Extractor: extractor.Func(func(ctx context.Context, path string) (*featurecache.Result, error) {
			return nil, featurecache.NewExtractionError("image could not be decoded", nil)
		}),
	})

	w := doDetect(t, srv, []byte("not an image"))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp["error"], "image could not be decoded")
}

func TestDetect_BusyReturns503(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{}, 2)

	srv := newTestServer(t, Config{
		Workers:    1,
		QueueDepth: 1,
		Extractor: extractor.Func(func(ctx context.Context, path string) (*featurecache.Result, error) {
			started <- struct{}{}
			<-release
			return testResult, nil
		}),
	})

	// Saturate the worker and the queue with two distinct images.
	for _, img := range []string{"image-a", "image-b"} {
		go func(body string) {
			doDetect(t, srv, []byte(body))
		}(img)
	}
	<-started

	require.Eventually(t, func() bool {
		w := doDetect(t, srv, []byte("image-c"))
		if w.Code != http.StatusServiceUnavailable {
			return false
		}
		require.Equal(t, "1", w.Header().Get("Retry-After"))
		return true
	}, time.Second, 5*time.Millisecond)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, Config{})

	doDetect(t, srv, []byte("image-1"))
	doDetect(t, srv, []byte("image-1"))

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, int64(1), resp.Cache.Entries)
	require.Equal(t, int64(1), resp.Cache.Hits)
}

func TestAuth_RequiredWhenConfigured(t *testing.T) {
	srv := newTestServer(t, Config{AuthToken: "secret-token"})

	w := doDetect(t, srv, []byte("image"))
	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader([]byte("image")))
	req.Header.Set("Authorization", "Bearer wrong-token")
	w2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w2, req)
	require.Equal(t, http.StatusUnauthorized, w2.Code)

	req = httptest.NewRequest(http.MethodPost, "/detect", bytes.NewReader([]byte("image")))
	req.Header.Set("Authorization", "Bearer secret-token")
	w3 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w3, req)
	require.Equal(t, http.StatusOK, w3.Code)
}

func TestAuth_HealthExempt(t *testing.T) {
	srv := newTestServer(t, Config{AuthToken: "secret-token"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownBackendRejected(t *testing.T) {
	_, err := New(Config{Extractor: staticExtractor(), Backend: "cassandra"})
	require.Error(t, err)
}

func TestExtractorRequired(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
