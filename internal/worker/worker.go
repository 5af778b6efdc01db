// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package worker consumes generation jobs from the priority queues.
// Each worker process runs one job at a time; fleet parallelism equals the
// number of worker processes.
package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/generator"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
)

const (
	popTimeout        = 5 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Worker pops jobs and runs the generator for each.
type Worker struct {
	store  *coordstore.Client
	gen    *generator.Generator
	name   string
	logger zerolog.Logger
}

// New builds a worker with the given registered identity.
func New(store *coordstore.Client, gen *generator.Generator, name string, logger zerolog.Logger) *Worker {
	return &Worker{store: store, gen: gen, name: name, logger: logger}
}

// Run processes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Str("worker", w.name).Msg("worker started")
	w.heartbeat(ctx)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeat.C:
			w.heartbeat(ctx)
		default:
		}

		job, err := w.store.PopJob(ctx, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *coordstore.QueuedJob) {
	fp, err := job.Payload.Fingerprint()
	if err != nil {
		w.logger.Error().Err(err).Msg("dropping malformed job")
		return
	}

	jobCtx := log.ContextWithJobID(ctx, fp.JobID())
	err = w.gen.Generate(jobCtx, fp, generator.Options{
		Title:        job.Payload.Title,
		UpdateIndex:  true,
		IsLivestream: job.Payload.IsLivestream,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		w.logger.Error().Err(err).Str("job_id", fp.JobID()).Msg("job failed")
	}

	// Clear the dedup marker last: the fingerprint becomes schedulable
	// again only after its terminal status went out.
	if err := w.store.ClearJob(ctx, fp); err != nil {
		w.logger.Warn().Err(err).Str("job_id", fp.JobID()).Msg("failed to clear job marker")
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	if err := w.store.WorkerHeartbeat(ctx, w.name); err != nil {
		w.logger.Warn().Err(err).Msg("worker heartbeat failed")
	}
}

// HealthHandler returns the worker's health-check endpoint.
func HealthHandler(store *coordstore.Client) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "coordinator store unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}
