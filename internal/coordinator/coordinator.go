// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package coordinator arbitrates thumbnail requests: cache hit, attach to an
// in-flight build, enqueue a new build, or reject for queue pressure.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// ErrOverloaded is returned when the job queues are saturated.
var ErrOverloaded = errors.New("generation queue is overloaded")

// ErrNotReady is returned when the artifact is not available yet: the job is
// queued too deep for a synchronous wait, or the wait timed out.
var ErrNotReady = errors.New("thumbnail not generated yet")

// ErrGenerationFailed is returned when the job published a failure status.
var ErrGenerationFailed = errors.New("thumbnail generation failed")

// Config holds the admission tunables.
type Config struct {
	MaxQueueSize       int64
	MaxPositionForSync int64
	SyncWaitTimeout    time.Duration
}

// Request is one thumbnail request after HTTP parsing.
type Request struct {
	VideoID      string
	Time         *float64 // nil requests "any recent thumbnail"
	Title        string
	GenerateNow  bool
	IsLivestream bool
	Priority     coordstore.Priority
}

// Coordinator implements request admission and dedup over the shared store.
type Coordinator struct {
	artifacts *thumbnail.Store
	store     *coordstore.Client
	cfg       Config
	logger    zerolog.Logger

	// latestSF collapses concurrent directory scans for the same video.
	latestSF singleflight.Group
}

// New builds a coordinator.
func New(artifacts *thumbnail.Store, store *coordstore.Client, cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{artifacts: artifacts, store: store, cfg: cfg, logger: logger}
}

// Get returns the artifact for the request, generating it on demand.
func (c *Coordinator) Get(ctx context.Context, req Request) (*thumbnail.Thumbnail, error) {
	if !thumbnail.ValidVideoID(req.VideoID) {
		return nil, thumbnail.ErrInvalidVideoID
	}

	if req.Time == nil {
		return c.getLatest(ctx, req.VideoID)
	}
	fp, err := thumbnail.NewFingerprint(req.VideoID, *req.Time)
	if err != nil {
		return nil, err
	}

	if thumb, err := c.readHit(ctx, fp, req.Title); err == nil {
		metrics.IncThumbnailRequest("hit")
		return thumb, nil
	} else if !errors.Is(err, thumbnail.ErrNotFound) {
		return nil, err
	}

	return c.awaitGeneration(ctx, fp, req)
}

// readHit serves an existing artifact: recency update, title write-through,
// best-time maintenance.
func (c *Coordinator) readHit(ctx context.Context, fp thumbnail.Fingerprint, title string) (*thumbnail.Thumbnail, error) {
	thumb, err := c.artifacts.Read(fp)
	if err != nil {
		return nil, err
	}

	if err := c.store.UpdateLastUsed(ctx, fp.VideoID); err != nil {
		c.logger.Warn().Err(err).Str("video_id", fp.VideoID).Msg("failed to update last used")
	}

	if title != "" {
		if err := c.artifacts.WriteTitle(fp, title); err != nil {
			c.logger.Warn().Err(err).Str("video_id", fp.VideoID).Msg("failed to store title")
		} else {
			c.markBest(ctx, fp)
		}
		// The client already holds the title; don't echo it back.
		thumb.Title = ""
	} else if thumb.Title != "" {
		c.markBest(ctx, fp)
	}
	return thumb, nil
}

// getLatest serves the "any recent thumbnail" path: the best-time hint if its
// artifact survives, else the newest artifact on disk. Never generates.
func (c *Coordinator) getLatest(ctx context.Context, videoID string) (*thumbnail.Thumbnail, error) {
	result, err, _ := c.latestSF.Do(videoID, func() (any, error) {
		best, _, err := c.store.BestTime(ctx, videoID)
		if err != nil {
			c.logger.Warn().Err(err).Str("video_id", videoID).Msg("failed to read best-time hint")
		}
		t, err := c.artifacts.Latest(videoID, best)
		if err != nil {
			return nil, err
		}
		fp, err := thumbnail.NewFingerprint(videoID, t)
		if err != nil {
			return nil, err
		}
		return c.readHit(ctx, fp, "")
	})
	if err != nil {
		return nil, err
	}
	metrics.IncThumbnailRequest("hit")
	return result.(*thumbnail.Thumbnail), nil
}

// awaitGeneration enqueues (or attaches to) the build for fp and waits for
// its terminal status, bounded by the sync-wait timeout.
func (c *Coordinator) awaitGeneration(ctx context.Context, fp thumbnail.Fingerprint, req Request) (*thumbnail.Thumbnail, error) {
	depth, err := c.store.TotalQueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	if depth >= c.cfg.MaxQueueSize {
		metrics.IncThumbnailRequest("overloaded")
		return nil, ErrOverloaded
	}

	payload := coordstore.JobPayload{
		VideoID:      fp.VideoID,
		Time:         fp.Time,
		Title:        req.Title,
		IsLivestream: req.IsLivestream,
	}
	created, err := c.store.EnqueueJob(ctx, payload, req.Priority)
	if err != nil {
		return nil, err
	}
	if created {
		c.logger.Debug().
			Str("job_id", fp.JobID()).
			Str("priority", string(req.Priority)).
			Msg("enqueued generation job")
	}

	position, err := c.store.Position(ctx, fp)
	if err != nil {
		return nil, err
	}
	if position > c.cfg.MaxPositionForSync && !req.GenerateNow {
		metrics.IncThumbnailRequest("not_ready")
		return nil, ErrNotReady
	}

	// Subscribe before the re-read: completion between the two is then
	// caught by one of them. Status messages are not replayed.
	sub := c.store.SubscribeStatus(ctx, fp)
	defer func() { _ = sub.Close() }()

	if thumb, err := c.readHit(ctx, fp, req.Title); err == nil {
		metrics.IncThumbnailRequest("hit")
		return thumb, nil
	} else if !errors.Is(err, thumbnail.ErrNotFound) {
		return nil, err
	}

	timer := time.NewTimer(c.cfg.SyncWaitTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			metrics.IncThumbnailRequest("not_ready")
			return nil, ErrNotReady
		case msg, ok := <-sub.Channel():
			if !ok {
				metrics.IncThumbnailRequest("not_ready")
				return nil, ErrNotReady
			}
			if msg.Payload != "true" {
				metrics.IncThumbnailRequest("failed")
				return nil, ErrGenerationFailed
			}
			thumb, err := c.readHit(ctx, fp, req.Title)
			if err != nil {
				return nil, err
			}
			metrics.IncThumbnailRequest("generated")
			return thumb, nil
		}
	}
}

// markBest records fp as the offset to serve when no time is requested.
func (c *Coordinator) markBest(ctx context.Context, fp thumbnail.Fingerprint) {
	if err := c.store.SetBestTime(ctx, fp.VideoID, fp.Time); err != nil {
		c.logger.Warn().Err(err).Str("video_id", fp.VideoID).Msg("failed to set best-time hint")
	}
}

// QueueDepths reports current queue depths for the status endpoint.
func (c *Coordinator) QueueDepths(ctx context.Context) (high, normal int64, err error) {
	high, err = c.store.QueueDepth(ctx, coordstore.PriorityHigh)
	if err != nil {
		return 0, 0, err
	}
	normal, err = c.store.QueueDepth(ctx, coordstore.PriorityNormal)
	if err != nil {
		return 0, 0, err
	}
	metrics.SetQueueDepth("high", float64(high))
	metrics.SetQueueDepth("normal", float64(normal))
	return high, normal, nil
}
