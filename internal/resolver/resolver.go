package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"encore/internal/cache"
	"encore/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrResolve is returned when a single URL could not be turned into media.
	ErrResolve = errors.New("could not resolve media")
	// ErrList is returned when a playlist listing fails as a whole.
	ErrList = errors.New("could not list playlist")
	// ErrUnsupported is returned when no source accepts the URL.
	ErrUnsupported = errors.New("unsupported source")
)

// Media is the resolved, playable form of a URL.
type Media struct {
	Title     string
	Duration  time.Duration
	Thumbnail string
	StreamURL string
}

// Source is an external media resolver for one family of URLs.
type Source interface {
	// Name identifies the source in logs.
	Name() string
	// Match reports whether this source handles url.
	Match(url string) bool
	// Resolve fetches metadata and a playable stream for one url.
	Resolve(ctx context.Context, url string) (Media, error)
	// ListPlaylist returns the member URLs of a playlist in order.
	ListPlaylist(ctx context.Context, url string) ([]string, error)
}

// Options tunes the adapter.
type Options struct {
	Timeout       time.Duration // per external call
	MaxConcurrent int64
	CacheTTL      time.Duration
}

// Adapter turns URLs into track descriptors. Resolution failures never escape
// as errors from ResolveOne or Load: they come back as failed descriptors.
type Adapter struct {
	sources []Source
	opts    Options
	cache   *cache.MemoryCache[Media]
	sem     *semaphore.Weighted
	logger  *logrus.Entry
}

// NewAdapter creates an adapter over sources, consulted in order.
func NewAdapter(opts Options, logger *logrus.Entry, sources ...Source) *Adapter {
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	return &Adapter{
		sources: sources,
		opts:    opts,
		cache:   cache.NewMemoryCache[Media](opts.CacheTTL),
		sem:     semaphore.NewWeighted(opts.MaxConcurrent),
		logger:  logger,
	}
}

// Close releases the adapter's cache sweeper.
func (a *Adapter) Close() {
	a.cache.Close()
}

// Supports reports whether any source accepts url.
func (a *Adapter) Supports(url string) bool {
	_, err := a.sourceFor(url)
	return err == nil
}

func (a *Adapter) sourceFor(url string) (Source, error) {
	for _, src := range a.sources {
		if src.Match(url) {
			return src, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, url)
}

// ResolveOne resolves url right away and returns a Ready or Failed descriptor.
func (a *Adapter) ResolveOne(ctx context.Context, url, requestedBy string) models.Track {
	return a.Load(ctx, models.NewTrack(url, requestedBy))
}

// Load resolves a pending descriptor. Ready descriptors are returned as-is.
func (a *Adapter) Load(ctx context.Context, track models.Track) models.Track {
	if track.Ready() {
		return track
	}

	media, err := a.resolve(ctx, track.SourceURL)
	if err != nil {
		a.logger.WithFields(logrus.Fields{
			"url":      track.SourceURL,
			"track_id": track.ID,
		}).WithError(err).Warn("Track resolution failed")
		return track.MarkFailed(err.Error())
	}

	track.Title = media.Title
	track.Duration = media.Duration
	track.Thumbnail = media.Thumbnail
	track.StreamURL = media.StreamURL
	track.State = models.StateReady
	track.FailReason = ""
	return track
}

func (a *Adapter) resolve(ctx context.Context, url string) (Media, error) {
	if media, ok := a.cache.Get(url); ok {
		return media, nil
	}

	src, err := a.sourceFor(url)
	if err != nil {
		return Media{}, err
	}

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return Media{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}
	defer a.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	start := time.Now()
	media, err := src.Resolve(callCtx, url)
	if err != nil {
		return Media{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if media.StreamURL == "" {
		return Media{}, fmt.Errorf("%w: %s returned no playable stream", ErrResolve, src.Name())
	}
	if media.Title == "" {
		media.Title = url
	}

	a.logger.WithFields(logrus.Fields{
		"url":     url,
		"source":  src.Name(),
		"title":   media.Title,
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("Resolved media")

	a.cache.Set(url, media)
	return media, nil
}

// ResolvePlaylist lists the playlist at url, drops the entries before the
// 1-indexed startIndex, keeps at most limit entries and returns them as pending
// descriptors to be resolved lazily.
func (a *Adapter) ResolvePlaylist(ctx context.Context, url string, startIndex, limit int, requestedBy string) ([]models.Track, error) {
	if startIndex < 1 {
		return nil, fmt.Errorf("%w: start index must be at least 1", ErrList)
	}

	src, err := a.sourceFor(url)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	members, err := src.ListPlaylist(callCtx, url)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrList, err)
	}

	members = Window(members, startIndex, limit)
	tracks := make([]models.Track, 0, len(members))
	for _, member := range members {
		tracks = append(tracks, models.NewTrack(member, requestedBy))
	}

	a.logger.WithFields(logrus.Fields{
		"url":         url,
		"source":      src.Name(),
		"start_index": startIndex,
		"queued":      len(tracks),
	}).Info("Expanded playlist")

	return tracks, nil
}

// Window returns members[startIndex-1:] truncated to limit entries. A
// non-positive limit means no truncation.
func Window(members []string, startIndex, limit int) []string {
	if startIndex < 1 {
		startIndex = 1
	}
	if startIndex-1 >= len(members) {
		return nil
	}
	members = members[startIndex-1:]
	if limit > 0 && len(members) > limit {
		members = members[:limit]
	}
	return members
}
