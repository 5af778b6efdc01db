// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package thumbnail

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
)

const (
	// ImageExt is the extension of stored images.
	ImageExt = ".webp"
	// MetadataExt is the extension of stored title metadata.
	MetadataExt = ".txt"
	// LiveSuffix marks images sourced through the livestream pipeline.
	// It sits between the offset and the extension and is write-side only;
	// readers never infer livestream state from the filename.
	LiveSuffix = "-live"
)

// ErrNotFound is returned when no artifact exists for a fingerprint.
var ErrNotFound = errors.New("thumbnail not found")

// Store is the filesystem artifact store rooted at a single cache directory.
type Store struct {
	root   string
	logger zerolog.Logger
}

// NewStore creates a store rooted at dir.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{root: dir, logger: logger}
}

// Root returns the cache root directory.
func (s *Store) Root() string { return s.root }

// FolderPath returns the directory holding all artifacts of one video.
func (s *Store) FolderPath(videoID string) (string, error) {
	if !ValidVideoID(videoID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVideoID, videoID)
	}
	return filepath.Join(s.root, videoID), nil
}

// FilePaths returns the image and metadata paths for a fingerprint.
func (s *Store) FilePaths(fp Fingerprint, livestream bool) (imagePath, metadataPath string, err error) {
	folder, err := s.FolderPath(fp.VideoID)
	if err != nil {
		return "", "", err
	}
	name := fp.TimeString()
	if livestream {
		imagePath = filepath.Join(folder, name+LiveSuffix+ImageExt)
	} else {
		imagePath = filepath.Join(folder, name+ImageExt)
	}
	metadataPath = filepath.Join(folder, name+MetadataExt)
	return imagePath, metadataPath, nil
}

// EnsureFolder creates the video folder if needed and returns its path.
func (s *Store) EnsureFolder(videoID string) (string, error) {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create video folder: %w", err)
	}
	return folder, nil
}

// Read loads the artifact for a fingerprint. An empty image file is deleted
// and reported as ErrNotFound. When the exact filename is absent, the folder
// is scanned for an image whose name begins with the offset truncated to
// millisecond precision; this repairs float-formatting drift between writer
// and reader.
func (s *Store) Read(fp Fingerprint) (*Thumbnail, error) {
	imagePath, metadataPath, err := s.FilePaths(fp, false)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(imagePath)
	if errors.Is(err, fs.ErrNotExist) {
		imagePath, err = s.repairScan(fp)
		if err != nil {
			return nil, err
		}
		data, err = os.ReadFile(imagePath)
	}
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read image: %w", err)
	}

	if len(data) == 0 {
		if rmErr := os.Remove(imagePath); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("path", imagePath).Msg("failed to delete empty image")
		}
		return nil, ErrNotFound
	}

	thumb := &Thumbnail{Image: data, Time: fp.Time}
	if title, err := os.ReadFile(metadataPath); err == nil {
		thumb.Title = string(title)
	}
	return thumb, nil
}

// repairScan looks for any image file whose name begins with the offset
// truncated to millisecond precision, including the livestream variant.
func (s *Store) repairScan(fp Fingerprint) (string, error) {
	folder, err := s.FolderPath(fp.VideoID)
	if err != nil {
		return "", err
	}
	// Truncate textually; multiplying the float by 1000 reintroduces the
	// representation drift this scan exists to repair.
	prefix := FormatTime(fp.Time)
	if i := strings.IndexByte(prefix, '.'); i >= 0 && len(prefix) > i+4 {
		prefix = prefix[:i+4]
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return "", ErrNotFound
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ImageExt) {
			return filepath.Join(folder, name), nil
		}
	}
	return "", ErrNotFound
}

// WriteTitle persists the title metadata next to the image.
func (s *Store) WriteTitle(fp Fingerprint, title string) error {
	if _, err := s.EnsureFolder(fp.VideoID); err != nil {
		return err
	}
	_, metadataPath, err := s.FilePaths(fp, false)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(metadataPath, []byte(title), 0o644); err != nil {
		return fmt.Errorf("write title: %w", err)
	}
	return nil
}

// Latest picks the offset to serve when no time was requested. The best-time
// hint wins when its file still exists; otherwise the newest title-bearing
// artifact, then the newest image. Returns ErrNotFound when the folder holds
// nothing servable.
func (s *Store) Latest(videoID, bestTime string) (float64, error) {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return 0, ErrNotFound
	}

	type fileInfo struct {
		name  string
		mtime int64
	}
	files := make([]fileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{name: entry.Name(), mtime: info.ModTime().UnixNano()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime > files[j].mtime })

	if bestTime != "" {
		want := bestTime + ImageExt
		for _, f := range files {
			if f.name == want {
				return ParseTime(bestTime)
			}
		}
	}

	// Most recent artifact with a title is probably best.
	for _, f := range files {
		if strings.HasSuffix(f.name, MetadataExt) {
			return parseOffsetFromName(f.name)
		}
	}
	for _, f := range files {
		if strings.HasSuffix(f.name, ImageExt) {
			return parseOffsetFromName(f.name)
		}
	}
	return 0, ErrNotFound
}

// parseOffsetFromName recovers the time offset from an artifact filename.
func parseOffsetFromName(name string) (float64, error) {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	name = strings.TrimSuffix(name, LiveSuffix)
	t, err := ParseTime(name)
	if err != nil {
		return 0, ErrNotFound
	}
	return t, nil
}

// DeleteVideo removes a video's folder recursively.
func (s *Store) DeleteVideo(videoID string) error {
	folder, err := s.FolderPath(videoID)
	if err != nil {
		return err
	}
	return os.RemoveAll(folder)
}

// FolderSize walks a directory and returns the total byte size and file count.
func FolderSize(dir string) (int64, int, error) {
	var bytes int64
	var count int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		bytes += info.Size()
		count++
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return bytes, count, nil
}
