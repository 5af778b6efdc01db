// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordinator"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/metrics"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.cfg.ProjectURL, http.StatusFound)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "coordinator store unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	logger := log.WithComponentFromContext(r.Context(), "api")

	videoID := query.Get("videoID")
	if !thumbnail.ValidVideoID(videoID) {
		metrics.IncThumbnailRequest("invalid")
		http.Error(w, "invalid videoID", http.StatusBadRequest)
		return
	}

	req := coordinator.Request{
		VideoID:      videoID,
		Title:        query.Get("title"),
		GenerateNow:  query.Get("generateNow") == "1",
		IsLivestream: query.Get("isLivestream") == "1",
		Priority:     s.priorityFor(r),
	}

	if raw := query.Get("time"); raw != "" {
		t, err := thumbnail.ParseTime(raw)
		if err != nil {
			metrics.IncThumbnailRequest("invalid")
			http.Error(w, "invalid time", http.StatusBadRequest)
			return
		}
		req.Time = &t
	}

	thumb, err := s.coord.Get(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, thumbnail.ErrInvalidVideoID), errors.Is(err, thumbnail.ErrInvalidTime):
		metrics.IncThumbnailRequest("invalid")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, coordinator.ErrOverloaded):
		http.Error(w, "generation queue is full, please try again later", http.StatusServiceUnavailable)
		return
	case errors.Is(err, coordinator.ErrNotReady),
		errors.Is(err, coordinator.ErrGenerationFailed),
		errors.Is(err, thumbnail.ErrNotFound):
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		logger.Error().Err(err).Str("video_id", videoID).Msg("thumbnail request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/webp")
	w.Header().Set("X-Timestamp", thumbnail.FormatTime(thumb.Time))
	if thumb.Title != "" {
		w.Header().Set("X-Title", thumb.Title)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(thumb.Image); err != nil {
		logger.Debug().Err(err).Msg("client went away during response write")
	}
}

// priorityFor places front-auth holders on the high queue.
func (s *Server) priorityFor(r *http.Request) coordstore.Priority {
	if s.cfg.FrontAuth == "" {
		return coordstore.PriorityNormal
	}
	token := r.Header.Get("Authorization")
	token = strings.TrimPrefix(token, "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("authorization")
	}
	if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.FrontAuth)) == 1 {
		return coordstore.PriorityHigh
	}
	return coordstore.PriorityNormal
}

type statusResponse struct {
	Version string `json:"version"`
	Uptime  int64  `json:"uptimeSeconds"`

	// Privileged fields, present only with a valid status token.
	QueueHigh    *int64 `json:"queueHigh,omitempty"`
	QueueNormal  *int64 `json:"queueNormal,omitempty"`
	StorageBytes *int64 `json:"storageBytes,omitempty"`
	Workers      *int   `json:"workers,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponentFromContext(r.Context(), "api")

	resp := statusResponse{
		Version: s.version,
		Uptime:  int64(time.Since(s.startTime).Seconds()),
	}

	if s.statusAuthorized(r) {
		ctx := r.Context()
		high, normal, err := s.coord.QueueDepths(ctx)
		if err == nil {
			resp.QueueHigh = &high
			resp.QueueNormal = &normal
		} else {
			logger.Warn().Err(err).Msg("failed to read queue depths")
		}
		if storage, err := s.store.ReadStorage(ctx); err == nil {
			resp.StorageBytes = &storage
		} else {
			logger.Warn().Err(err).Msg("failed to read storage counter")
		}
		if workers, err := s.store.WorkerCount(ctx); err == nil {
			resp.Workers = &workers
		} else {
			logger.Warn().Err(err).Msg("failed to count workers")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Debug().Err(err).Msg("failed to write status response")
	}
}

func (s *Server) statusAuthorized(r *http.Request) bool {
	if s.cfg.StatusAuthToken == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("auth")
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.StatusAuthToken)) == 1
}
