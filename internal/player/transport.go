package player

import (
	"context"
	"time"

	"encore/pkg/models"
)

// Connection is one live voice connection as seen by the queue.
//
// Play starts streaming track and returns once the stream is under way. done
// is invoked exactly once when that stream ends, whether it ran out, was
// stopped through StopCurrent, or failed. done must never be called from
// inside Play itself.
type Connection interface {
	Play(track models.Track, done func(err error)) error
	StopCurrent() error
	SetPaused(paused bool) error
	Seek(offset time.Duration) error
	Position() time.Duration
	SetDeaf(deaf bool) error
	Disconnect() error
}

// Loader resolves a pending descriptor into a ready or failed one.
type Loader interface {
	Load(ctx context.Context, track models.Track) models.Track
}
