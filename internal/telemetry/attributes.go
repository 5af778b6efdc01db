// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	VideoIDKey      = "thumbnail.video_id"
	TimeOffsetKey   = "thumbnail.time"
	LivestreamKey   = "thumbnail.livestream"
	ProviderKey     = "playback.provider"
	ProxyCountryKey = "playback.proxy_country"
	JobPriorityKey  = "job.priority"
	JobStatusKey    = "job.status"
)

// ThumbnailAttributes creates span attributes for one generation job.
func ThumbnailAttributes(videoID, timeOffset string, livestream bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(VideoIDKey, videoID),
		attribute.String(TimeOffsetKey, timeOffset),
		attribute.Bool(LivestreamKey, livestream),
	}
}
