// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package playback

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name   string
	result *PlaybackURL
	err    error
	calls  int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Resolve(ctx context.Context, videoID, proxyURL string) (*PlaybackURL, error) {
	f.calls++
	return f.result, f.err
}

func TestResolverFirstSuccessWins(t *testing.T) {
	first := &fakeProvider{name: "first", result: &PlaybackURL{URL: "http://one", FPS: 30}}
	second := &fakeProvider{name: "second", result: &PlaybackURL{URL: "http://two", FPS: 60}}
	r := NewResolver(zerolog.Nop(), first, second)

	got, err := r.Resolve(context.Background(), "jNQXAC9IVRw", "")
	require.NoError(t, err)
	assert.Equal(t, "http://one", got.URL)
	assert.Equal(t, 1, first.calls)
	assert.Zero(t, second.calls)
}

func TestResolverFallsThroughTransientFailures(t *testing.T) {
	first := &fakeProvider{name: "first", err: errors.New("connection reset")}
	second := &fakeProvider{name: "second", result: &PlaybackURL{URL: "http://two", FPS: 25}}
	r := NewResolver(zerolog.Nop(), first, second)

	got, err := r.Resolve(context.Background(), "jNQXAC9IVRw", "")
	require.NoError(t, err)
	assert.Equal(t, "http://two", got.URL)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestResolverTerminalErrorsAbortChain(t *testing.T) {
	for _, terminal := range []error{ErrNotPlayable, ErrLoginRequired} {
		first := &fakeProvider{name: "first", err: terminal}
		second := &fakeProvider{name: "second", result: &PlaybackURL{URL: "http://two"}}
		r := NewResolver(zerolog.Nop(), first, second)

		_, err := r.Resolve(context.Background(), "jNQXAC9IVRw", "")
		assert.ErrorIs(t, err, terminal)
		assert.Zero(t, second.calls, "terminal error must not fall through")
	}
}

func TestResolverAllFailed(t *testing.T) {
	first := &fakeProvider{name: "first", err: errors.New("boom")}
	r := NewResolver(zerolog.Nop(), first)

	_, err := r.Resolve(context.Background(), "jNQXAC9IVRw", "")
	assert.ErrorIs(t, err, ErrResolveFailed)
}

func TestResolverNoProviders(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	_, err := r.Resolve(context.Background(), "jNQXAC9IVRw", "")
	assert.ErrorIs(t, err, ErrResolveFailed)
}

func TestPickFormat(t *testing.T) {
	formats := []adaptiveFormat{
		{MimeType: "audio/webm", FPS: 0, Height: 0, URL: "audio"},
		{MimeType: "video/mp4", FPS: 30, Height: 1080, URL: "1080p"},
		{MimeType: "video/mp4", FPS: 30, Height: 720, URL: "720p"},
		{MimeType: "video/webm", FPS: 30, Height: 360, URL: "360p"},
	}

	cases := []struct {
		name      string
		maxHeight int
		want      adaptiveFormat
		found     bool
	}{
		{name: "prefers largest at or below max", maxHeight: 720, want: formats[2], found: true},
		{name: "exact ceiling", maxHeight: 360, want: formats[3], found: true},
		{name: "falls back to smallest above max", maxHeight: 144, want: formats[3], found: true},
		{name: "everything fits", maxHeight: 2160, want: formats[1], found: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := pickFormat(formats, tc.maxHeight)
			require.Equal(t, tc.found, ok)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("pickFormat mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPickFormatNoVideo(t *testing.T) {
	_, ok := pickFormat([]adaptiveFormat{{MimeType: "audio/mp4", URL: "a"}}, 720)
	assert.False(t, ok)
}
