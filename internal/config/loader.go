// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Defaults returns the baseline configuration before file and env overrides.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Host:                  "localhost",
			Port:                  3001,
			WorkerHealthCheckPort: 3002,
		},
		Storage: StorageConfig{
			Path:                         "cache",
			MaxSize:                      "50MB",
			CleanupMultiplier:            0.5,
			RedisOffsetAllowed:           20,
			MaxBeforeAsyncGeneration:     15,
			TimeoutBeforeAsyncGeneration: "15s",
			MaxQueueSize:                 10000,
			CleanupInterval:              "10m",
			MinImageSize:                 100,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 32774,
		},
		YTAuth: YTAuthConfig{
			NsigHelper: NsigHelperConfig{
				MaxPlayerAge: "1h",
			},
		},
		DefaultMaxHeight: 720,
		ProjectURL:       "https://github.com/ajayyy/DeArrowThumbnailCache",
		FFmpegPath:       "ffmpeg",
		YTDLPPath:        "yt-dlp",
		LogDir:           "logs",
	}
}

// Load reads the configuration with precedence: defaults < file < environment.
// A missing file is not an error; the service starts on defaults until
// `config upgrade` materialises one.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if len(bytes.TrimSpace(data)) > 0 {
				dec := yaml.NewDecoder(bytes.NewReader(data))
				dec.KnownFields(true)
				if err := dec.Decode(&cfg); err != nil {
					return nil, fmt.Errorf("parse config %s: %w", path, err)
				}
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides the handful of settings that differ per deployment
// environment without editing the config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("DATC_REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("DATC_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Redis.Port = port
		}
	}
	if v := os.Getenv("DATC_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DATC_CACHE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("DATC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DATC_FRONT_AUTH"); v != "" {
		cfg.FrontAuth = v
	}
	if v := os.Getenv("DATC_STATUS_AUTH"); v != "" {
		cfg.StatusAuthToken = v
	}
	if v := os.Getenv("DATC_PROXY_TOKEN"); v != "" {
		cfg.ProxyToken = v
	}
}

// Validate checks the configuration and resolves derived fields.
// All problems are collected so a broken config reports everything at once.
func (c *Config) Validate() error {
	var errs []error

	size, err := humanize.ParseBytes(c.Storage.MaxSize)
	if err != nil {
		errs = append(errs, fmt.Errorf("thumbnailStorage.maxSize: %w", err))
	} else {
		c.Storage.maxSizeBytes = int64(size)
	}

	if c.Storage.CleanupMultiplier <= 0 || c.Storage.CleanupMultiplier > 1 {
		errs = append(errs, fmt.Errorf("thumbnailStorage.cleanupMultiplier must be in (0, 1], got %g", c.Storage.CleanupMultiplier))
	}
	if c.Storage.RedisOffsetAllowed < 0 {
		errs = append(errs, errors.New("thumbnailStorage.redisOffsetAllowed must be >= 0"))
	}
	if c.Storage.MaxBeforeAsyncGeneration < 2 {
		errs = append(errs, errors.New("thumbnailStorage.maxBeforeAsyncGeneration must be >= 2"))
	}
	if c.Storage.MaxQueueSize < 1 {
		errs = append(errs, errors.New("thumbnailStorage.maxQueueSize must be >= 1"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("thumbnailStorage.path must not be empty"))
	}

	c.timeoutBeforeAsync, err = time.ParseDuration(c.Storage.TimeoutBeforeAsyncGeneration)
	if err != nil || c.timeoutBeforeAsync <= 0 {
		errs = append(errs, fmt.Errorf("thumbnailStorage.timeoutBeforeAsyncGeneration: invalid duration %q", c.Storage.TimeoutBeforeAsyncGeneration))
	}
	c.cleanupInterval, err = time.ParseDuration(c.Storage.CleanupInterval)
	if err != nil || c.cleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("thumbnailStorage.cleanupInterval: invalid duration %q", c.Storage.CleanupInterval))
	}
	c.maxPlayerAge, err = time.ParseDuration(c.YTAuth.NsigHelper.MaxPlayerAge)
	if err != nil || c.maxPlayerAge < 0 {
		errs = append(errs, fmt.Errorf("ytAuth.nsigHelper.maxPlayerAge: invalid duration %q", c.YTAuth.NsigHelper.MaxPlayerAge))
	}

	if err := validatePort("server.port", c.Server.Port); err != nil {
		errs = append(errs, err)
	}
	if err := validatePort("server.workerHealthCheckPort", c.Server.WorkerHealthCheckPort); err != nil {
		errs = append(errs, err)
	}
	if err := validatePort("redis.port", c.Redis.Port); err != nil {
		errs = append(errs, err)
	}

	if c.DefaultMaxHeight < 1 {
		errs = append(errs, errors.New("defaultMaxHeight must be >= 1"))
	}

	for i, p := range c.ProxyURLs {
		if p.URL == "" {
			errs = append(errs, fmt.Errorf("proxyUrls[%d].url must not be empty", i))
		}
	}

	return errors.Join(errs...)
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s: port %d out of range", name, port)
	}
	return nil
}
