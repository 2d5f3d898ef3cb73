package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResolutionState describes how far a track's metadata lookup has progressed.
type ResolutionState int

const (
	StatePending ResolutionState = iota
	StateReady
	StateFailed
)

func (s ResolutionState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s ResolutionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Track describes one queued playable item. SourceURL never changes after
// creation; the metadata fields and StreamURL are filled in once resolution
// completes.
type Track struct {
	ID          string          `json:"id"`
	SourceURL   string          `json:"sourceUrl"`
	Title       string          `json:"title,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	Thumbnail   string          `json:"thumbnail,omitempty"`
	State       ResolutionState `json:"state"`
	FailReason  string          `json:"failReason,omitempty"`
	StreamURL   string          `json:"-"` // playable media handle, never shown to users
	RequestedBy string          `json:"requestedBy,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// NewTrack returns a pending descriptor for url.
func NewTrack(url, requestedBy string) Track {
	return Track{
		ID:          uuid.NewString(),
		SourceURL:   url,
		State:       StatePending,
		RequestedBy: requestedBy,
		EnqueuedAt:  time.Now(),
	}
}

// Ready reports whether the track has a playable stream.
func (t Track) Ready() bool {
	return t.State == StateReady && t.StreamURL != ""
}

// Failed reports whether resolution gave up on the track.
func (t Track) Failed() bool {
	return t.State == StateFailed
}

// DisplayTitle returns the resolved title, falling back to the source URL.
func (t Track) DisplayTitle() string {
	if t.Title != "" {
		return t.Title
	}
	return t.SourceURL
}

// MarkFailed returns a copy of t in the failed state.
func (t Track) MarkFailed(reason string) Track {
	t.State = StateFailed
	t.FailReason = reason
	t.StreamURL = ""
	return t
}

// FormatDuration renders d as m:ss, or "--:--" when unknown.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "--:--"
	}
	return FormatPosition(d)
}

// FormatPosition renders a playback position as m:ss.
func FormatPosition(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}

// PlayRecord is a row of the play history table.
type PlayRecord struct {
	ID          int64     `json:"id"`
	GuildID     string    `json:"guildId"`
	SourceURL   string    `json:"sourceUrl"`
	Title       string    `json:"title"`
	Duration    int       `json:"duration"` // in seconds
	RequestedBy string    `json:"requestedBy"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
	PlayedAt    time.Time `json:"playedAt"`
}
