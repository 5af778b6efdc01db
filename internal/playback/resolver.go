// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package playback resolves video ids to playable media URLs through an
// ordered list of upstream providers with fallback.
package playback

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// PlaybackURL is a resolved media source.
type PlaybackURL struct {
	URL    string
	FPS    float64
	IsLive bool
}

// Terminal resolution errors. These abort the provider chain: trying another
// provider cannot make an unavailable video playable.
var (
	// ErrNotPlayable means the upstream reported the video unplayable.
	ErrNotPlayable = errors.New("video not playable")
	// ErrLoginRequired means the upstream demands credentials.
	ErrLoginRequired = errors.New("login required")
)

// ErrResolveFailed is returned when every provider failed transiently.
var ErrResolveFailed = errors.New("all playback providers failed")

// Provider is one upstream playback-URL source.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, videoID, proxyURL string) (*PlaybackURL, error)
}

// Resolver tries providers in configured order and returns the first success.
type Resolver struct {
	providers []Provider
	logger    zerolog.Logger
}

// NewResolver builds a resolver over the given provider order.
func NewResolver(logger zerolog.Logger, providers ...Provider) *Resolver {
	return &Resolver{providers: providers, logger: logger}
}

// Resolve returns the first provider's successful result. Playability and
// login failures are terminal; transient failures fall through to the next
// provider.
func (r *Resolver) Resolve(ctx context.Context, videoID, proxyURL string) (*PlaybackURL, error) {
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("%w: no providers enabled", ErrResolveFailed)
	}

	var lastErr error
	for _, provider := range r.providers {
		result, err := provider.Resolve(ctx, videoID, proxyURL)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrNotPlayable) || errors.Is(err, ErrLoginRequired) {
			return nil, err
		}
		r.logger.Warn().
			Err(err).
			Str("provider", provider.Name()).
			Str("video_id", videoID).
			Msg("playback provider failed, trying next")
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %w", ErrResolveFailed, lastErr)
}
