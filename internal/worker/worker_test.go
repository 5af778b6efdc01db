// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package worker

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/generator"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/playback"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxy"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go-redis connection pools reap idle connections in the background.
		goleak.IgnoreTopFunction("github.com/redis/go-redis/v9/internal/pool.(*ConnPool).reaper"),
	)
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, videoID, proxyURL string) (*playback.PlaybackURL, error) {
	return &playback.PlaybackURL{URL: "https://cdn.example/v", FPS: 30}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, source string, offset float64, proxyURL, outPath string) error {
	return os.WriteFile(outPath, bytes.Repeat([]byte{0xCD}, 256), 0o644)
}

type fakeProxies struct{}

func (fakeProxies) Select(ctx context.Context) (*proxy.Info, error) { return nil, nil }

func TestWorkerProcessesJob(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	store := coordstore.NewFromClient(rdb, zerolog.Nop())

	artifacts := thumbnail.NewStore(t.TempDir(), zerolog.Nop())
	gen := generator.New(artifacts, store, fakeResolver{}, fakeExtractor{}, fakeProxies{},
		generator.Config{MinImageSize: 100}, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	payload := coordstore.JobPayload{VideoID: "jNQXAC9IVRw", Time: 5.3, Title: "Me at the zoo"}
	created, err := store.EnqueueJob(ctx, payload, coordstore.PriorityNormal)
	require.NoError(t, err)
	require.True(t, created)

	w := New(store, gen, "test-worker", zerolog.Nop())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()

	fp, err := thumbnail.NewFingerprint("jNQXAC9IVRw", 5.3)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := artifacts.Read(fp)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond, "worker should generate the artifact")

	// The dedup marker is cleared so the fingerprint is schedulable again.
	require.Eventually(t, func() bool {
		return !mr.Exists("job:jNQXAC9IVRw-5.3")
	}, 5*time.Second, 50*time.Millisecond)

	thumb, err := artifacts.Read(fp)
	require.NoError(t, err)
	assert.Len(t, thumb.Image, 256)
	assert.Equal(t, "Me at the zoo", thumb.Title)

	// The worker registered a heartbeat.
	count, err := store.WorkerCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not stop on context cancellation")
	}
}

func TestHealthHandler(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer func() { _ = rdb.Close() }()
	store := coordstore.NewFromClient(rdb, zerolog.Nop())

	rec := httptest.NewRecorder()
	HealthHandler(store).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, rec.Code)

	// An unreachable store flips the endpoint unhealthy.
	mr.Close()
	rec = httptest.NewRecorder()
	HealthHandler(store).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}
