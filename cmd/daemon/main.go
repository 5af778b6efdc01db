// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/api"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/cleanup"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/config"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordinator"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/coordstore"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/extractor"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/generator"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/log"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/nsig"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/playback"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/proxy"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/telemetry"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
	"github.com/mini-bomba/DeArrowThumbnailCache/internal/worker"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "config" {
		os.Exit(runConfigCLI(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "config.yaml", "path to config file (YAML)")
	mode := flag.String("mode", "server", "run mode: server or worker")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "thumbnail-cache",
		Version: version,
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	// Re-configure logger with loaded configuration.
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	log.Configure(log.Config{
		Level:   level,
		Service: "thumbnail-cache",
		Version: version,
	})
	logger.Info().
		Str("event", "config.loaded").
		Str("path", *configPath).
		Str("mode", *mode).
		Msg("loaded configuration")

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "",
		ServiceName:    "thumbnail-cache",
		ServiceVersion: version,
		Endpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(shutdownCtx)
	}()

	store, err := coordstore.New(coordstore.Config{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, log.WithComponent("coordstore"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to the coordinator store")
	}
	defer func() { _ = store.Close() }()

	artifacts := thumbnail.NewStore(cfg.Storage.Path, log.WithComponent("store"))

	var runErr error
	switch *mode {
	case "server":
		runErr = runServer(ctx, cfg, store, artifacts)
	case "worker":
		runErr = runWorker(ctx, cfg, store, artifacts)
	default:
		logger.Fatal().Str("mode", *mode).Msg("unknown run mode")
	}
	if runErr != nil && ctx.Err() == nil {
		logger.Fatal().Err(runErr).Msg("daemon exited with error")
	}
	logger.Info().Msg("daemon stopped")
}

func runServer(ctx context.Context, cfg *config.Config, store *coordstore.Client, artifacts *thumbnail.Store) error {
	logger := log.WithComponent("server")

	coord := coordinator.New(artifacts, store, coordinator.Config{
		MaxQueueSize:       int64(cfg.Storage.MaxQueueSize),
		MaxPositionForSync: int64(cfg.Storage.MaxBeforeAsyncGeneration),
		SyncWaitTimeout:    cfg.TimeoutBeforeAsync(),
	}, log.WithComponent("coordinator"))

	cleaner := cleanup.New(store, artifacts, cleanup.Config{
		MaxSize:           cfg.MaxSizeBytes(),
		CleanupMultiplier: cfg.Storage.CleanupMultiplier,
		DriftAllowed:      cfg.Storage.RedisOffsetAllowed,
		Interval:          cfg.CleanupInterval(),
	}, log.WithComponent("cleanup"))

	server := api.New(coord, store, cfg, version, logger)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.ListenAndServe(ctx) })
	group.Go(func() error { return cleaner.Loop(ctx) })
	group.Go(func() error {
		// Log-level changes apply without a restart; everything else
		// requires one. A missing or unwatchable config file only costs
		// hot reload, never the server.
		err := config.Watch(ctx, flagConfigPath(), logger, func(next *config.Config) {
			level := next.LogLevel
			if next.Debug {
				level = "debug"
			}
			if err := log.SetLevel(level); err != nil {
				logger.Warn().Err(err).Msg("invalid log level in reloaded config")
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("config watch unavailable")
		}
		return nil
	})
	return group.Wait()
}

func runWorker(ctx context.Context, cfg *config.Config, store *coordstore.Client, artifacts *thumbnail.Store) error {
	logger := log.WithComponent("worker")
	workerName := cfg.WorkerName()

	helperAddr := nsig.Addr{Network: "tcp", Address: cfg.YTAuth.NsigHelper.TCP}
	if cfg.YTAuth.NsigHelper.Unix != "" {
		helperAddr = nsig.Addr{Network: "unix", Address: cfg.YTAuth.NsigHelper.Unix}
	}

	var providers []playback.Provider
	if cfg.FloatieEnabled() {
		helper, err := nsig.New(helperAddr, 10*time.Second)
		if err != nil {
			logger.Warn().Err(err).Msg("signing helper not configured, disabling primary provider")
		} else {
			defer func() { _ = helper.Close() }()
			providers = append(providers, playback.NewFloatie(playback.FloatieConfig{
				VisitorData:  cfg.YTAuth.VisitorData,
				POToken:      cfg.YTAuth.POToken,
				MaxPlayerAge: cfg.MaxPlayerAge(),
				MaxHeight:    cfg.DefaultMaxHeight,
				LogDir:       cfg.LogDir,
				WorkerName:   workerName,
			}, helper, log.WithComponent("floatie")))
		}
	}
	if cfg.YtdlpEnabled() {
		providers = append(providers, playback.NewYtdlp(cfg.YTDLPPath, cfg.DefaultMaxHeight, log.WithComponent("ytdlp")))
	}
	resolver := playback.NewResolver(log.WithComponent("playback"), providers...)

	pool := proxy.New(store, cfg, log.WithComponent("proxy"))
	runner := extractor.NewRunner(cfg.FFmpegPath, cfg.LogDir, workerName, log.WithComponent("extractor"))

	cleaner := cleanup.New(store, artifacts, cleanup.Config{
		MaxSize:           cfg.MaxSizeBytes(),
		CleanupMultiplier: cfg.Storage.CleanupMultiplier,
		DriftAllowed:      cfg.Storage.RedisOffsetAllowed,
		Interval:          cfg.CleanupInterval(),
	}, log.WithComponent("cleanup"))

	gen := generator.New(artifacts, store, resolver, runner, pool, generator.Config{
		MinImageSize:    cfg.Storage.MinImageSize,
		SkipLocalFFmpeg: cfg.SkipLocalFFmpeg,
	}, log.WithComponent("generator"), cleaner.NotifyStorage)

	w := worker.New(store, gen, workerName, logger)

	health := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WorkerHealthCheckPort),
		Handler:           worker.HealthHandler(store),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.Run(ctx) })
	group.Go(func() error { return cleaner.Loop(ctx) })
	group.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- health.ListenAndServe() }()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return health.Shutdown(shutdownCtx)
		}
	})
	return group.Wait()
}

// flagConfigPath re-reads the -config flag value after flag parsing.
func flagConfigPath() string {
	if f := flag.Lookup("config"); f != nil {
		return f.Value.String()
	}
	return "config.yaml"
}

func runConfigCLI(args []string) int {
	if len(args) < 1 || args[0] != "upgrade" {
		fmt.Fprintln(os.Stderr, "Usage: daemon config upgrade <path>")
		return 1
	}
	path := "config.yaml"
	if len(args) > 1 {
		path = args[1]
	}
	if err := config.Upgrade(path); err != nil {
		fmt.Fprintf(os.Stderr, "config upgrade failed: %v\n", err)
		return 1
	}
	fmt.Println("Config upgraded successfully!")
	return 0
}
