package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

const mediaPrintTemplate = "%(title)s\t%(duration)s\t%(thumbnail)s\t%(url)s"

// YTDLPSource resolves remote URLs through the yt-dlp executable.
type YTDLPSource struct {
	format string
}

// NewYTDLPSource creates a yt-dlp backed source.
func NewYTDLPSource() *YTDLPSource {
	return &YTDLPSource{format: "bestaudio[ext=webm]/bestaudio/best"}
}

// Name implements Source
func (s *YTDLPSource) Name() string { return "yt-dlp" }

// Match implements Source
func (s *YTDLPSource) Match(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Resolve implements Source
func (s *YTDLPSource) Resolve(ctx context.Context, raw string) (Media, error) {
	res, err := ytdlp.New().
		Format(s.format).
		NoPlaylist().
		Print(mediaPrintTemplate).
		NoWarnings().
		IgnoreConfig().
		Run(ctx, raw)
	if err != nil {
		if res != nil && strings.Contains(strings.ToLower(res.Stderr), "drm") {
			return Media{}, fmt.Errorf("DRM protected: %w", err)
		}
		return Media{}, err
	}

	return parseMediaLine(res.Stdout)
}

// ListPlaylist implements Source
func (s *YTDLPSource) ListPlaylist(ctx context.Context, raw string) ([]string, error) {
	res, err := ytdlp.New().
		FlatPlaylist().
		Print("%(url)s").
		NoWarnings().
		IgnoreConfig().
		Run(ctx, raw)
	if err != nil {
		return nil, err
	}

	members := parsePlaylistLines(res.Stdout)
	if len(members) == 0 {
		return nil, errors.New("playlist has no entries")
	}
	return members, nil
}

// parseMediaLine reads the first complete line printed with mediaPrintTemplate.
func parseMediaLine(stdout string) (Media, error) {
	for _, line := range strings.Split(strings.TrimSpace(stdout), "\n") {
		parts := strings.Split(strings.TrimRight(line, "\r"), "\t")
		if len(parts) < 4 {
			continue
		}

		media := Media{
			Title:     nonNA(parts[0]),
			Thumbnail: nonNA(parts[2]),
			StreamURL: nonNA(parts[3]),
		}
		if secs, err := strconv.ParseFloat(parts[1], 64); err == nil && secs > 0 {
			media.Duration = time.Duration(secs * float64(time.Second))
		}
		return media, nil
	}
	return Media{}, errors.New("failed to parse yt-dlp output")
}

// parsePlaylistLines keeps the non-empty member URLs, turning bare video IDs
// into watch URLs.
func parsePlaylistLines(stdout string) []string {
	var members []string
	for _, line := range strings.Split(stdout, "\n") {
		line = nonNA(strings.TrimSpace(line))
		if line == "" {
			continue
		}
		if !strings.Contains(line, "://") {
			line = "https://www.youtube.com/watch?v=" + line
		}
		members = append(members, line)
	}
	return members
}

// nonNA maps yt-dlp's placeholder for missing fields to the empty string.
func nonNA(s string) string {
	if s == "NA" {
		return ""
	}
	return s
}
