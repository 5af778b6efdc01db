// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package generator produces artifacts for fingerprints: it resolves a
// playback URL, drives the frame extractor and persists the result.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/playback"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxy"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/telemetry"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// ErrGeneration marks a transient extraction failure. The job is retried
// once on this error class; everything else propagates immediately.
var ErrGeneration = errors.New("thumbnail generation failed")

// ErrUndersized marks an output below the minimum size threshold. The
// upstream served a premiere or placeholder frame; retrying won't help.
var ErrUndersized = errors.New("generated thumbnail is undersized")

const downloadTimeout = 5 * time.Second

// URLResolver resolves a video id to a playable media URL.
type URLResolver interface {
	Resolve(ctx context.Context, videoID, proxyURL string) (*playback.PlaybackURL, error)
}

// FrameExtractor produces a single frame from a media source.
type FrameExtractor interface {
	Extract(ctx context.Context, source string, offset float64, proxyURL, outPath string) error
}

// ProxySelector picks an egress proxy for upstream calls.
type ProxySelector interface {
	Select(ctx context.Context) (*proxy.Info, error)
}

// Config holds the generator's tunables.
type Config struct {
	MinImageSize    int64
	SkipLocalFFmpeg bool
}

// Options modify one generation run.
type Options struct {
	Title        string
	UpdateIndex  bool
	IsLivestream bool
}

// Generator is the worker-side pipeline for one fingerprint.
type Generator struct {
	artifacts *thumbnail.Store
	store     *coordstore.Client
	resolver  URLResolver
	extractor FrameExtractor
	proxies   ProxySelector
	cfg       Config
	logger    zerolog.Logger

	// onStorage is invoked with the new counter total after every
	// successful write, so the owner can schedule a cleanup pass.
	onStorage func(ctx context.Context, total int64)
}

// New builds a generator.
func New(artifacts *thumbnail.Store, store *coordstore.Client, resolver URLResolver,
	ext FrameExtractor, proxies ProxySelector, cfg Config, logger zerolog.Logger,
	onStorage func(ctx context.Context, total int64)) *Generator {
	if cfg.MinImageSize <= 0 {
		cfg.MinImageSize = 100
	}
	if onStorage == nil {
		onStorage = func(context.Context, int64) {}
	}
	return &Generator{
		artifacts: artifacts,
		store:     store,
		resolver:  resolver,
		extractor: ext,
		proxies:   proxies,
		cfg:       cfg,
		logger:    logger,
		onStorage: onStorage,
	}
}

// Generate produces and persists the artifact for fp, then publishes the
// job's terminal status. Exactly one status is published per call.
func (g *Generator) Generate(ctx context.Context, fp thumbnail.Fingerprint, opts Options) error {
	start := time.Now()
	logger := g.logger.With().Str("video_id", fp.VideoID).Str("time", fp.TimeString()).Logger()

	tracer := telemetry.Tracer("datc.generator")
	ctx, span := tracer.Start(ctx, "job.generate", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(telemetry.ThumbnailAttributes(fp.VideoID, fp.TimeString(), opts.IsLivestream)...)
	defer span.End()

	err := g.generate(ctx, fp, opts, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to generate thumbnail")
		span.RecordError(err)
		g.publishStatus(ctx, fp, false, logger)
		return err
	}

	g.publishStatus(ctx, fp, true, logger)
	metrics.IncThumbnailsGenerated()
	metrics.ObserveGenerationDuration(time.Since(start).Seconds())
	logger.Info().Dur("duration", time.Since(start)).Msg("generated thumbnail")
	return nil
}

func (g *Generator) generate(ctx context.Context, fp thumbnail.Fingerprint, opts Options, logger zerolog.Logger) error {
	if opts.UpdateIndex {
		// Best-effort; a stale recency entry only risks early eviction.
		if err := g.store.UpdateLastUsed(ctx, fp.VideoID); err != nil {
			logger.Warn().Err(err).Msg("failed to update last used")
		}
	}

	// Transient extraction failures get exactly one more attempt.
	imagePath, err := backoff.Retry(ctx, func() (string, error) {
		path, err := g.generateAndStore(ctx, fp, opts.IsLivestream, logger)
		if err != nil && !errors.Is(err, ErrGeneration) {
			return "", backoff.Permanent(err)
		}
		return path, err
	}, backoff.WithBackOff(backoff.NewConstantBackOff(time.Second)), backoff.WithMaxTries(2))
	if err != nil {
		switch {
		case errors.Is(err, ErrGeneration):
			metrics.IncGenerationFailure("extract")
		case errors.Is(err, ErrUndersized):
			metrics.IncGenerationFailure("undersized")
		default:
			metrics.IncGenerationFailure("resolve")
		}
		return err
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return fmt.Errorf("stat generated image: %w", err)
	}
	if info.Size() < g.cfg.MinImageSize {
		_ = os.Remove(imagePath)
		metrics.IncGenerationFailure("undersized")
		return fmt.Errorf("%w: %d bytes", ErrUndersized, info.Size())
	}

	titleBytes := int64(0)
	if opts.Title != "" {
		if err := g.artifacts.WriteTitle(fp, opts.Title); err != nil {
			return err
		}
		titleBytes = int64(len(opts.Title))
	}

	total, err := g.store.AddStorage(ctx, info.Size()+titleBytes)
	if err != nil {
		// Best-effort; the cleanup loop reconciles drift.
		logger.Warn().Err(err).Msg("failed to update storage counter")
	} else {
		metrics.SetStorageBytes(float64(total))
		g.onStorage(ctx, total)
	}
	return nil
}

// generateAndStore resolves the playback URL and drives the extractor,
// returning the path of the written image.
func (g *Generator) generateAndStore(ctx context.Context, fp thumbnail.Fingerprint, livestream bool, logger zerolog.Logger) (string, error) {
	proxyInfo, err := g.proxies.Select(ctx)
	if err != nil {
		return "", fmt.Errorf("select proxy: %w", err)
	}
	proxyURL := ""
	proxyCountry := ""
	if proxyInfo != nil {
		proxyURL = proxyInfo.URL
		proxyCountry = proxyInfo.CountryCode
	}

	playbackURL, err := g.resolver.Resolve(ctx, fp.VideoID, proxyURL)
	if err != nil {
		return "", err
	}

	if _, err := g.artifacts.EnsureFolder(fp.VideoID); err != nil {
		return "", err
	}
	imagePath, _, err := g.artifacts.FilePaths(fp, livestream || playbackURL.IsLive)
	if err != nil {
		return "", err
	}

	offset := roundToFrame(fp.Time, playbackURL.FPS)

	if livestream || playbackURL.IsLive {
		if err := g.extractFromDownload(ctx, playbackURL.URL, offset, proxyURL, imagePath); err != nil {
			return "", fmt.Errorf("%w (proxy %q): %w", ErrGeneration, proxyCountry, err)
		}
		return imagePath, nil
	}

	// Local extraction may be disabled so that all decode traffic leaves
	// through the proxy fleet.
	firstProxy := ""
	if g.cfg.SkipLocalFFmpeg {
		firstProxy = proxyURL
	}

	err = g.extractor.Extract(ctx, playbackURL.URL, offset, firstProxy, imagePath)
	if err != nil && proxyURL != "" && firstProxy == "" {
		logger.Debug().Str("proxy_country", proxyCountry).Msg("retrying extraction through proxy")
		err = g.extractor.Extract(ctx, playbackURL.URL, offset, proxyURL, imagePath)
	}
	if err != nil {
		return "", fmt.Errorf("%w (proxy %q): %w", ErrGeneration, proxyCountry, err)
	}
	return imagePath, nil
}

// extractFromDownload fetches the media segment locally before decoding.
// Livestream manifests don't support the ranged reads the extractor would
// otherwise issue against the remote URL.
func (g *Generator) extractFromDownload(ctx context.Context, mediaURL string, offset float64, proxyURL, imagePath string) error {
	tmp, err := os.CreateTemp("", "datc-live-*.media")
	if err != nil {
		return fmt.Errorf("create temp media file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	transport := &http.Transport{}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}
	client := &http.Client{Timeout: downloadTimeout, Transport: transport}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download media: status %d", resp.StatusCode)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		return fmt.Errorf("download media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return g.extractor.Extract(ctx, tmpPath, offset, "", imagePath)
}

// roundToFrame floors the offset to the frame grid so results match what a
// browser seeking to the same position displays. High-rate feeds get an
// extra centisecond floor to compensate for decoder rounding that otherwise
// returns the adjacent frame.
func roundToFrame(t, fps float64) float64 {
	if fps <= 0 {
		return t
	}
	rounded := math.Floor(t*fps) / fps
	if fps >= 60 {
		rounded = math.Floor(rounded*100-1) / 100
		if rounded < 0 {
			rounded = 0
		}
	}
	return rounded
}

// publishStatus notifies all waiters of the job's terminal status. Waiters
// block on this message, so it is retried with backoff before giving up.
func (g *Generator) publishStatus(ctx context.Context, fp thumbnail.Fingerprint, ok bool, logger zerolog.Logger) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.Multiplier = 3

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, g.store.PublishStatus(ctx, fp, ok)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(5))
	if err != nil {
		logger.Error().Err(err).Bool("status", ok).Msg("failed to publish job status")
	}
}
