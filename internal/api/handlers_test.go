// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordinator"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

const testVideoID = "jNQXAC9IVRw"

type fixture struct {
	server    *Server
	store     *coordstore.Client
	artifacts *thumbnail.Store
	handler   http.Handler
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := coordstore.NewFromClient(rdb, zerolog.Nop())

	artifacts := thumbnail.NewStore(t.TempDir(), zerolog.Nop())
	coord := coordinator.New(artifacts, store, coordinator.Config{
		MaxQueueSize:       int64(cfg.Storage.MaxQueueSize),
		MaxPositionForSync: int64(cfg.Storage.MaxBeforeAsyncGeneration),
		SyncWaitTimeout:    500 * time.Millisecond,
	}, zerolog.Nop())

	server := New(coord, store, cfg, "test", zerolog.Nop())
	return &fixture{
		server:    server,
		store:     store,
		artifacts: artifacts,
		handler:   server.Routes(),
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.ProjectURL = "https://github.com/ajayyy/DeArrowThumbnailCache"
	cfg.StatusAuthToken = "status-secret"
	cfg.FrontAuth = "front-secret"
	require.NoError(t, cfg.Validate())
	return &cfg
}

func (f *fixture) writeImage(t *testing.T, offset float64, data []byte) thumbnail.Fingerprint {
	t.Helper()
	fp, err := thumbnail.NewFingerprint(testVideoID, offset)
	require.NoError(t, err)
	_, err = f.artifacts.EnsureFolder(fp.VideoID)
	require.NoError(t, err)
	imagePath, _, err := f.artifacts.FilePaths(fp, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(imagePath, data, 0o644))
	return fp
}

func (f *fixture) get(t *testing.T, target string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestRootRedirects(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	rec := fx.get(t, "/", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://github.com/ajayyy/DeArrowThumbnailCache", rec.Header().Get("Location"))
}

func TestThumbnailInvalidVideoID(t *testing.T) {
	fx := newFixture(t, testConfig(t))

	rec := fx.get(t, "/thumbnail?videoID=..%2Fetc&time=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// No folder was created for the hostile id.
	entries, err := os.ReadDir(fx.artifacts.Root())
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestThumbnailInvalidTime(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	rec := fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=-5", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestThumbnailCacheHit(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	fx.writeImage(t, 5.3, []byte("image body"))

	rec := fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=5.3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/webp", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5.3", rec.Header().Get("X-Timestamp"))
	assert.Equal(t, []byte("image body"), rec.Body.Bytes())
	assert.Empty(t, rec.Header().Get("X-Title"))
}

func TestThumbnailTitleRoundtrip(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	fx.writeImage(t, 5.3, []byte("image body"))

	rec := fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=5.3&title=Me+at+the+zoo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Title"), "the client already holds the title")

	rec = fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=5.3", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Me at the zoo", rec.Header().Get("X-Title"))
}

func TestThumbnailNotReady(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	rec := fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=0", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestThumbnailOverloaded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.MaxQueueSize = 1
	fx := newFixture(t, cfg)

	_, err := fx.store.EnqueueJob(t.Context(), coordstore.JobPayload{VideoID: "bdq-IYxhByw", Time: 1}, coordstore.PriorityNormal)
	require.NoError(t, err)

	start := time.Now()
	rec := fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=0", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestThumbnailFrontAuthUsesHighQueue(t *testing.T) {
	fx := newFixture(t, testConfig(t))

	rec := fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=0", map[string]string{
		"Authorization": "Bearer front-secret",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	high, err := fx.store.QueueDepth(t.Context(), coordstore.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, int64(1), high)
}

func TestThumbnailWithoutFrontAuthUsesNormalQueue(t *testing.T) {
	fx := newFixture(t, testConfig(t))

	rec := fx.get(t, "/thumbnail?videoID="+testVideoID+"&time=0", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	normal, err := fx.store.QueueDepth(t.Context(), coordstore.PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, int64(1), normal)
}

func TestStatusUnprivileged(t *testing.T) {
	fx := newFixture(t, testConfig(t))

	rec := fx.get(t, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "test", resp.Version)
	assert.Nil(t, resp.QueueHigh)
	assert.Nil(t, resp.StorageBytes)
	assert.Nil(t, resp.Workers)
}

func TestStatusPrivileged(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	ctx := t.Context()

	_, err := fx.store.AddStorage(ctx, 12345)
	require.NoError(t, err)
	require.NoError(t, fx.store.WorkerHeartbeat(ctx, "host-abcd"))
	_, err = fx.store.EnqueueJob(ctx, coordstore.JobPayload{VideoID: "bdq-IYxhByw", Time: 1}, coordstore.PriorityHigh)
	require.NoError(t, err)

	rec := fx.get(t, "/status?auth=status-secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.QueueHigh)
	assert.Equal(t, int64(1), *resp.QueueHigh)
	require.NotNil(t, resp.StorageBytes)
	assert.Equal(t, int64(12345), *resp.StorageBytes)
	require.NotNil(t, resp.Workers)
	assert.Equal(t, 1, *resp.Workers)
}

func TestStatusWrongToken(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	rec := fx.get(t, "/status?auth=wrong", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.QueueHigh, "privileged fields require the right token")
}

func TestHealthz(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	rec := fx.get(t, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t, testConfig(t))
	rec := fx.get(t, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
