// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package extractor runs the native frame-extraction subprocess.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/mini-bomba/DeArrowThumbnailCache/internal/thumbnail"
)

// Timeout is the hard limit on one extraction. Exceeding it kills the child.
const Timeout = 20 * time.Second

// ExitError reports a non-zero extractor exit. The exit code is the only
// failure signal the extractor exposes.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("frame extractor exited with exit code %d", e.Code)
}

// Runner invokes the extractor binary. All stdio is redirected to a
// per-invocation log file, kept only when the invocation fails.
type Runner struct {
	BinPath    string
	LogDir     string
	WorkerName string
	logger     zerolog.Logger
}

// NewRunner builds a runner for the given binary.
func NewRunner(binPath, logDir, workerName string, logger zerolog.Logger) *Runner {
	if binPath == "" {
		binPath = "ffmpeg"
	}
	return &Runner{BinPath: binPath, LogDir: logDir, WorkerName: workerName, logger: logger}
}

// Extract decodes a single frame at offset from source into outPath.
// The proxy flag is only passed when a proxy is in use.
func (r *Runner) Extract(ctx context.Context, source string, offset float64, proxyURL, outPath string) error {
	args := []string{"-y"}
	if proxyURL != "" {
		args = append(args, "-http_proxy", proxyURL)
	}
	args = append(args,
		"-ss", thumbnail.FormatTime(offset),
		"-i", source,
		"-vframes", "1",
		"-lossless", "0",
		"-pix_fmt", "bgra",
		outPath,
		"-timelimit", "20",
	)
	return r.run(ctx, args)
}

func (r *Runner) run(ctx context.Context, args []string) error {
	logPath, logFile, err := r.createLogFile()
	if err != nil {
		return err
	}
	defer func() { _ = logFile.Close() }()

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.BinPath, args...)
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	err = cmd.Run()
	if err == nil {
		_ = logFile.Close()
		_ = os.Remove(logPath)
		return nil
	}

	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("frame extractor timed out after %s", Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("frame extractor failed to start: %w", err)
}

func (r *Runner) createLogFile() (string, *os.File, error) {
	dir := filepath.Join(r.LogDir, r.WorkerName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create extractor log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("ffmpeg-%d.log", time.Now().UnixMilli()))
	file, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("create extractor log file: %w", err)
	}
	return path, file, nil
}
