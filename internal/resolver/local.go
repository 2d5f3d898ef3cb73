package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"encore/internal/metadata"
)

// LocalSource serves files from a local music library through file:// URLs.
// A file:// URL naming a directory is treated as a playlist of the audio files
// directly inside it, in name order.
type LocalSource struct {
	root      string
	extractor *metadata.Extractor
}

// NewLocalSource creates a source rooted at libraryPath.
func NewLocalSource(libraryPath string, extractor *metadata.Extractor) (*LocalSource, error) {
	root, err := filepath.Abs(libraryPath)
	if err != nil {
		return nil, fmt.Errorf("invalid library path: %w", err)
	}
	return &LocalSource{root: root, extractor: extractor}, nil
}

// Name implements Source
func (s *LocalSource) Name() string { return "local" }

// Match implements Source
func (s *LocalSource) Match(raw string) bool {
	return strings.HasPrefix(raw, "file://")
}

// Resolve implements Source
func (s *LocalSource) Resolve(ctx context.Context, raw string) (Media, error) {
	path, err := s.pathFor(raw)
	if err != nil {
		return Media{}, err
	}
	if !s.extractor.IsAudioFile(path) {
		return Media{}, fmt.Errorf("%s is not a supported audio file", filepath.Base(path))
	}

	info, err := s.extractor.ExtractFromFile(path)
	if err != nil {
		return Media{}, err
	}

	return Media{
		Title:     info.DisplayTitle(),
		Duration:  info.Duration,
		StreamURL: path,
	}, nil
}

// ListPlaylist implements Source
func (s *LocalSource) ListPlaylist(ctx context.Context, raw string) ([]string, error) {
	dir, err := s.pathFor(raw)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !s.extractor.IsAudioFile(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	if len(names) == 0 {
		return nil, errors.New("directory contains no supported audio files")
	}
	sort.Strings(names)

	members := make([]string, 0, len(names))
	for _, name := range names {
		members = append(members, fileURL(filepath.Join(dir, name)))
	}
	return members, nil
}

// pathFor maps a file:// URL to an absolute path inside the library root.
func (s *LocalSource) pathFor(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	p := u.Path
	if u.Host != "" && u.Host != "localhost" {
		// file://relative/path puts the first segment in Host.
		p = filepath.Join(u.Host, p)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)

	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the music library", raw)
	}
	return p, nil
}

func fileURL(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
