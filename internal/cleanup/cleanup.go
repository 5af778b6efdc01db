// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package cleanup enforces the disk budget by evicting the least recently
// used videos, tolerating drift between the recency index and the
// filesystem.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// activeWindow protects very recently touched videos from eviction: their
// generator may still be writing.
const activeWindow = 10 * time.Second

// lruBatch is how many index entries one walk step reads.
const lruBatch = 64

// Config holds the eviction tunables.
type Config struct {
	MaxSize           int64
	CleanupMultiplier float64
	DriftAllowed      int
	Interval          time.Duration
}

// Cleaner trims the artifact store down to the configured budget.
type Cleaner struct {
	store     *coordstore.Client
	artifacts *thumbnail.Store
	cfg       Config
	logger    zerolog.Logger

	running atomic.Bool
	trigger chan struct{}
}

// New builds a cleaner.
func New(store *coordstore.Client, artifacts *thumbnail.Store, cfg Config, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		store:     store,
		artifacts: artifacts,
		cfg:       cfg,
		logger:    logger,
		trigger:   make(chan struct{}, 1),
	}
}

// NotifyStorage schedules a pass when the counter crossed the budget.
// Safe to call from any goroutine; redundant notifications coalesce.
func (c *Cleaner) NotifyStorage(_ context.Context, total int64) {
	if total <= c.cfg.MaxSize {
		return
	}
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Loop runs passes when triggered and periodically to reconcile drift.
func (c *Cleaner) Loop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.trigger:
			c.MaybeRun(ctx)
		case <-ticker.C:
			c.MaybeRun(ctx)
		}
	}
}

// MaybeRun executes a pass when the counter is over budget. Concurrent
// invocations collapse into one running pass.
func (c *Cleaner) MaybeRun(ctx context.Context) {
	total, err := c.store.ReadStorage(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to read storage counter")
		return
	}
	metrics.SetStorageBytes(float64(total))
	if total <= c.cfg.MaxSize {
		return
	}
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	defer c.running.Store(false)

	if err := c.Run(ctx); err != nil {
		c.logger.Error().Err(err).Msg("cleanup pass failed")
	}
}

// Run performs one full eviction pass:
// walk the recency index oldest-first deleting folders until the counter is
// at or below target, then reconcile folders the index never saw, then
// recompute the counter from disk.
func (c *Cleaner) Run(ctx context.Context) error {
	metrics.IncCleanupRun()
	target := int64(float64(c.cfg.MaxSize) * c.cfg.CleanupMultiplier)

	counter, err := c.store.ReadStorage(ctx)
	if err != nil {
		return err
	}

	evicted := 0
	offset := int64(0)
	for counter > target {
		entries, err := c.store.LRUWindow(ctx, offset+lruBatch)
		if err != nil {
			return err
		}
		if int64(len(entries)) <= offset {
			break // index exhausted
		}
		for _, entry := range entries[offset:] {
			offset++
			if counter <= target {
				break
			}
			// Skip anything touched inside the active window; an
			// in-flight generator may own it.
			if time.Since(entry.LastUsed) < activeWindow {
				continue
			}

			folder, err := c.artifacts.FolderPath(entry.VideoID)
			if err != nil {
				c.logger.Warn().Err(err).Str("video_id", entry.VideoID).Msg("skipping malformed index entry")
				continue
			}
			size, _, err := thumbnail.FolderSize(folder)
			if err != nil {
				c.logger.Warn().Err(err).Str("video_id", entry.VideoID).Msg("failed to size folder, skipping")
				continue
			}
			if err := c.artifacts.DeleteVideo(entry.VideoID); err != nil {
				c.logger.Warn().Err(err).Str("video_id", entry.VideoID).Msg("failed to delete folder, skipping")
				continue
			}
			if err := c.store.RemoveRecency(ctx, entry.VideoID); err != nil {
				c.logger.Warn().Err(err).Str("video_id", entry.VideoID).Msg("failed to drop recency entry")
			}
			counter -= size
			evicted++
		}
	}

	// The index may have missed folders written around a crash. Tolerate a
	// bounded number of unindexed folders before reaping them.
	diskTotal, _, err := thumbnail.FolderSize(c.artifacts.Root())
	if err != nil {
		return err
	}
	if diskTotal > target {
		reaped, err := c.reapUnindexed(ctx, target)
		if err != nil {
			c.logger.Warn().Err(err).Msg("unindexed folder reconciliation failed")
		}
		evicted += reaped
	}

	// Self-heal the counter from what is actually on disk.
	diskTotal, _, err = thumbnail.FolderSize(c.artifacts.Root())
	if err != nil {
		return err
	}
	if err := c.store.ResetStorage(ctx, diskTotal); err != nil {
		return err
	}
	metrics.SetStorageBytes(float64(diskTotal))
	metrics.AddVideosEvicted(evicted)

	c.logger.Info().
		Int("evicted", evicted).
		Int64("storage_bytes", diskTotal).
		Int64("target", target).
		Msg("cleanup pass finished")
	return nil
}

// reapUnindexed deletes folders absent from the recency index,
// oldest-mtime-first, once their count exceeds the drift allowance.
func (c *Cleaner) reapUnindexed(ctx context.Context, target int64) (int, error) {
	indexed, err := c.store.IndexedVideos(ctx)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(c.artifacts.Root())
	if err != nil {
		return 0, err
	}

	type orphan struct {
		videoID string
		mtime   time.Time
	}
	var orphans []orphan
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, ok := indexed[entry.Name()]; ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		orphans = append(orphans, orphan{videoID: entry.Name(), mtime: info.ModTime()})
	}
	if len(orphans) <= c.cfg.DriftAllowed {
		return 0, nil
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i].mtime.Before(orphans[j].mtime) })

	reaped := 0
	for _, o := range orphans {
		diskTotal, _, err := thumbnail.FolderSize(c.artifacts.Root())
		if err != nil {
			return reaped, err
		}
		if diskTotal <= target {
			break
		}
		if err := os.RemoveAll(filepath.Join(c.artifacts.Root(), o.videoID)); err != nil {
			c.logger.Warn().Err(err).Str("video_id", o.videoID).Msg("failed to delete unindexed folder, skipping")
			continue
		}
		reaped++
	}
	return reaped, nil
}
