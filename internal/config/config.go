// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config provides configuration management for the thumbnail cache.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// ServerConfig holds listener settings for the request-handling process.
type ServerConfig struct {
	Host                  string `yaml:"host,omitempty"`
	Port                  int    `yaml:"port,omitempty"`
	WorkerHealthCheckPort int    `yaml:"workerHealthCheckPort,omitempty"`
}

// StorageConfig holds the on-disk cache settings.
type StorageConfig struct {
	Path string `yaml:"path,omitempty"`
	// MaxSize accepts human-readable byte sizes, e.g. "50MB".
	MaxSize                      string  `yaml:"maxSize,omitempty"`
	CleanupMultiplier            float64 `yaml:"cleanupMultiplier,omitempty"`
	RedisOffsetAllowed           int     `yaml:"redisOffsetAllowed,omitempty"`
	MaxBeforeAsyncGeneration     int     `yaml:"maxBeforeAsyncGeneration,omitempty"`
	TimeoutBeforeAsyncGeneration string  `yaml:"timeoutBeforeAsyncGeneration,omitempty"` // e.g. "15s"
	MaxQueueSize                 int     `yaml:"maxQueueSize,omitempty"`
	CleanupInterval              string  `yaml:"cleanupInterval,omitempty"` // e.g. "10m"
	MinImageSize                 int64   `yaml:"minImageSize,omitempty"`

	maxSizeBytes int64
}

// RedisConfig holds coordinator store connection settings.
type RedisConfig struct {
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// ProxyInfoConfig describes one statically configured egress proxy.
type ProxyInfoConfig struct {
	URL         string `yaml:"url"`
	CountryCode string `yaml:"countryCode,omitempty"`
}

// NsigHelperConfig holds the signing-helper connection settings.
type NsigHelperConfig struct {
	TCP          string `yaml:"tcp,omitempty"`          // host:port
	Unix         string `yaml:"unix,omitempty"`         // socket path
	MaxPlayerAge string `yaml:"maxPlayerAge,omitempty"` // e.g. "1h"
}

// YTAuthConfig holds upstream auth tokens and the signing-helper settings.
type YTAuthConfig struct {
	VisitorData string           `yaml:"visitorData,omitempty"`
	POToken     string           `yaml:"poToken,omitempty"`
	NsigHelper  NsigHelperConfig `yaml:"nsigHelper,omitempty"`
}

// Config is the root configuration structure, loaded from a single YAML file.
type Config struct {
	LogLevel string `yaml:"logLevel,omitempty"`

	Server  ServerConfig  `yaml:"server,omitempty"`
	Storage StorageConfig `yaml:"thumbnailStorage,omitempty"`
	Redis   RedisConfig   `yaml:"redis,omitempty"`
	YTAuth  YTAuthConfig  `yaml:"ytAuth,omitempty"`

	DefaultMaxHeight int    `yaml:"defaultMaxHeight,omitempty"`
	StatusAuthToken  string `yaml:"statusAuthToken,omitempty"`

	TryFloatie      *bool `yaml:"tryFloatie,omitempty"`
	TryYtdlp        *bool `yaml:"tryYtdlp,omitempty"`
	SkipLocalFFmpeg bool  `yaml:"skipLocalFfmpeg,omitempty"`

	ProxyURLs  []ProxyInfoConfig `yaml:"proxyUrls,omitempty"`
	ProxyToken string            `yaml:"proxyToken,omitempty"`

	FrontAuth       string `yaml:"frontAuth,omitempty"`
	UniqueHostnames bool   `yaml:"uniqueHostnames,omitempty"`
	Debug           bool   `yaml:"debug,omitempty"`
	ProjectURL      string `yaml:"projectUrl,omitempty"`

	FFmpegPath string `yaml:"ffmpegPath,omitempty"`
	YTDLPPath  string `yaml:"ytdlpPath,omitempty"`
	LogDir     string `yaml:"logDir,omitempty"`

	timeoutBeforeAsync time.Duration
	cleanupInterval    time.Duration
	maxPlayerAge       time.Duration
}

// MaxSizeBytes returns the parsed cleanup threshold in bytes.
func (c *Config) MaxSizeBytes() int64 { return c.Storage.maxSizeBytes }

// TimeoutBeforeAsync returns the parsed synchronous wait timeout.
func (c *Config) TimeoutBeforeAsync() time.Duration { return c.timeoutBeforeAsync }

// CleanupInterval returns the parsed periodic cleanup cadence.
func (c *Config) CleanupInterval() time.Duration { return c.cleanupInterval }

// MaxPlayerAge returns the parsed signing-helper player age limit.
func (c *Config) MaxPlayerAge() time.Duration { return c.maxPlayerAge }

// FloatieEnabled reports whether the primary playback provider should be tried.
func (c *Config) FloatieEnabled() bool { return c.TryFloatie == nil || *c.TryFloatie }

// YtdlpEnabled reports whether the secondary playback provider should be tried.
func (c *Config) YtdlpEnabled() bool { return c.TryYtdlp == nil || *c.TryYtdlp }

// RedisAddr returns the coordinator store address in host:port form.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ListenAddr returns the HTTP listen address in host:port form.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WorkerName returns the identity a worker process registers under.
// Unless hostnames are known to be unique, a random suffix avoids collisions
// between workers sharing a host image.
func (c *Config) WorkerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	if c.UniqueHostnames {
		return hostname
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:4])
}
