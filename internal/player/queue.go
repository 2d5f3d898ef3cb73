package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"encore/pkg/models"

	"github.com/sirupsen/logrus"
)

// Position selects where Enqueue places a track.
type Position int

const (
	// Back appends to the end of the queue.
	Back Position = iota
	// Front inserts right after the current entry ("play now").
	Front
)

// State is the playback state of a queue.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var (
	ErrNotPlaying    = errors.New("nothing is playing")
	ErrOutOfRange    = errors.New("position out of range")
	ErrCurrentEntry  = fmt.Errorf("%w: that track is playing now, use skip", ErrOutOfRange)
	ErrAlreadyPaused = errors.New("playback is already paused")
	ErrNotPaused     = errors.New("playback is not paused")
	ErrQueueClosed   = errors.New("queue is closed")
)

const noCursor = -1

// Options tunes a Queue.
type Options struct {
	// Prefetch resolves the entry after the current one while it plays.
	Prefetch bool
}

// Queue is the playback queue of one voice session. Every mutation runs under
// a single mutex, and so do completion callbacks from the connection, so
// commands and stream endings never interleave.
//
// Finished, skipped and failed entries are removed, so while something plays
// the current entry sits at the cursor and everything after it is upcoming.
type Queue struct {
	mu      sync.Mutex
	guildID string
	conn    Connection
	loader  Loader
	opts    Options
	logger  *logrus.Entry

	entries    []*models.Track
	cursor     int
	state      State
	generation uint64 // identifies the stream whose completion is awaited
	streaming  bool   // conn is playing entries[cursor]
	loading    map[string]bool
	idleSince  time.Time
	closed     bool

	ctx       context.Context
	cancel    context.CancelFunc
	listeners []chan Event
}

// NewQueue creates an empty, stopped queue that plays through conn.
func NewQueue(guildID string, conn Connection, loader Loader, opts Options, logger *logrus.Entry) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		guildID:   guildID,
		conn:      conn,
		loader:    loader,
		opts:      opts,
		logger:    logger,
		cursor:    noCursor,
		state:     Stopped,
		loading:   make(map[string]bool),
		idleSince: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue adds track at the back, or right after the current entry for Front,
// and returns its 1-indexed position. On a stopped queue the track starts
// playing immediately. Pending and failed tracks are accepted: pending ones
// are resolved when their turn comes, failed ones are skipped with a
// notification.
func (q *Queue) Enqueue(track models.Track, pos Position) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	entry := &track

	if q.state == Stopped {
		q.entries = append(q.entries, entry)
		q.cursor = len(q.entries) - 1
		q.state = Playing
		position := q.cursor + 1
		q.startCurrentLocked()
		return position, nil
	}

	if pos == Front {
		idx := q.cursor + 1
		q.entries = append(q.entries, nil)
		copy(q.entries[idx+1:], q.entries[idx:])
		q.entries[idx] = entry
		q.prefetchLocked()
		return idx + 1, nil
	}

	q.entries = append(q.entries, entry)
	q.prefetchLocked()
	return len(q.entries), nil
}

// EnqueueMany appends tracks at the back in order under one lock hold and
// returns the position of the first one.
func (q *Queue) EnqueueMany(tracks []models.Track) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	if len(tracks) == 0 {
		return 0, nil
	}

	first := len(q.entries) + 1
	for i := range tracks {
		track := tracks[i]
		q.entries = append(q.entries, &track)
	}

	if q.state == Stopped {
		q.cursor = first - 1
		q.state = Playing
		q.startCurrentLocked()
	} else {
		q.prefetchLocked()
	}
	return first, nil
}

// Skip ends the current track. The queue advances when the connection reports
// the stream's end; a track still being resolved is dropped straight away.
func (q *Queue) Skip() (models.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return models.Track{}, ErrQueueClosed
	}
	if q.state == Stopped || q.cursor == noCursor {
		return models.Track{}, ErrNotPlaying
	}

	current := *q.entries[q.cursor]

	if !q.streaming {
		q.advanceLocked()
		return current, nil
	}

	if err := q.conn.StopCurrent(); err != nil {
		q.logger.WithError(err).Warn("Stopping stream for skip failed, advancing anyway")
		q.generation++
		q.streaming = false
		q.advanceLocked()
	}
	return current, nil
}

// Pause pauses the current track.
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.state {
	case Stopped:
		return ErrNotPlaying
	case Paused:
		return ErrAlreadyPaused
	}

	if q.streaming {
		if err := q.conn.SetPaused(true); err != nil {
			return fmt.Errorf("pause: %w", err)
		}
	}
	q.state = Paused
	return nil
}

// Resume continues a paused track.
func (q *Queue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch q.state {
	case Stopped:
		return ErrNotPlaying
	case Playing:
		return ErrNotPaused
	}

	if q.streaming {
		if err := q.conn.SetPaused(false); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	}
	q.state = Playing
	return nil
}

// Stop clears the queue and halts playback. A completion event from the
// stream being stopped is ignored when it arrives.
func (q *Queue) Stop() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.haltLocked()
	return nil
}

// Remove deletes the entry at the 1-indexed position. The playing entry
// cannot be removed this way.
func (q *Queue) Remove(position int) (models.Track, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := position - 1
	if idx < 0 || idx >= len(q.entries) {
		return models.Track{}, fmt.Errorf("%w: %d (queue has %d entries)", ErrOutOfRange, position, len(q.entries))
	}
	if idx == q.cursor && q.state != Stopped {
		return models.Track{}, ErrCurrentEntry
	}

	removed := *q.entries[idx]
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	if idx < q.cursor {
		q.cursor--
	}
	q.prefetchLocked()
	return removed, nil
}

// Seek moves the current stream to offset.
func (q *Queue) Seek(offset time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cursor == noCursor || q.state == Stopped {
		return ErrNotPlaying
	}
	if !q.streaming {
		return fmt.Errorf("%w: track is still loading", ErrNotPlaying)
	}
	if offset < 0 {
		return fmt.Errorf("%w: negative offset", ErrOutOfRange)
	}
	if d := q.entries[q.cursor].Duration; d > 0 && offset >= d {
		return fmt.Errorf("%w: track is only %s long", ErrOutOfRange, models.FormatDuration(d))
	}

	return q.conn.Seek(offset)
}

// Snapshot is a point-in-time copy of a queue.
type Snapshot struct {
	GuildID string         `json:"guildId"`
	Entries []models.Track `json:"entries"`
	Cursor  int            `json:"cursor"`
	State   State          `json:"state"`
	Elapsed time.Duration  `json:"elapsed"` // of the current entry
}

// Current returns the playing entry, if any.
func (s Snapshot) Current() (models.Track, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Entries) {
		return models.Track{}, false
	}
	return s.Entries[s.Cursor], true
}

// Upcoming returns the entries after the current one.
func (s Snapshot) Upcoming() []models.Track {
	if s.Cursor < 0 || s.Cursor >= len(s.Entries) {
		return s.Entries
	}
	return s.Entries[s.Cursor+1:]
}

// Snapshot copies the queue. It holds the lock only for the copy.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{
		GuildID: q.guildID,
		Entries: make([]models.Track, len(q.entries)),
		Cursor:  q.cursor,
		State:   q.state,
	}
	for i, entry := range q.entries {
		snap.Entries[i] = *entry
	}
	if q.streaming {
		snap.Elapsed = q.conn.Position()
	}
	return snap
}

// IdleSince reports when the queue last became stopped, and whether it is
// stopped now.
func (q *Queue) IdleSince() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.idleSince, q.state == Stopped
}

// Close stops playback, cancels pending resolutions and closes subscribers.
// The queue rejects further use.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.haltLocked()
	q.closed = true
	q.cancel()
	q.closeListenersLocked()
}

// haltLocked clears all entries and stops the stream (must be called with lock held).
func (q *Queue) haltLocked() {
	wasActive := q.state != Stopped

	q.generation++
	if q.streaming {
		if err := q.conn.StopCurrent(); err != nil {
			q.logger.WithError(err).Warn("Failed to stop stream")
		}
	}
	q.streaming = false
	q.entries = nil
	q.cursor = noCursor
	q.state = Stopped
	q.idleSince = time.Now()

	if wasActive {
		q.emitLocked(Event{Kind: EventStopped})
	}
}

// startCurrentLocked starts the entry at the cursor, resolving it first if
// needed and skipping failed entries (must be called with lock held).
func (q *Queue) startCurrentLocked() {
	for q.cursor >= 0 && q.cursor < len(q.entries) {
		q.generation++
		entry := q.entries[q.cursor]

		switch {
		case entry.Failed():
			q.failCurrentLocked(entry.FailReason)
			continue

		case !entry.Ready():
			q.requestLoadLocked(entry)
			return
		}

		gen := q.generation
		if err := q.conn.Play(*entry, q.completion(gen)); err != nil {
			q.failCurrentLocked(err.Error())
			continue
		}

		q.streaming = true
		if q.state == Paused {
			if err := q.conn.SetPaused(true); err != nil {
				q.logger.WithError(err).Warn("Failed to keep new track paused")
				q.state = Playing
			}
		}

		q.logger.WithFields(logrus.Fields{
			"track_id": entry.ID,
			"title":    entry.Title,
		}).Info("Now playing")
		q.emitLocked(Event{Kind: EventNowPlaying, Track: *entry})
		q.prefetchLocked()
		return
	}

	q.cursor = noCursor
	q.state = Stopped
	q.idleSince = time.Now()
	q.emitLocked(Event{Kind: EventQueueEnded})
}

// failCurrentLocked reports and drops the entry at the cursor (must be called
// with lock held).
func (q *Queue) failCurrentLocked(reason string) {
	entry := q.entries[q.cursor]
	q.logger.WithFields(logrus.Fields{
		"track_id": entry.ID,
		"url":      entry.SourceURL,
		"reason":   reason,
	}).Warn("Skipping unplayable track")
	q.emitLocked(Event{Kind: EventTrackFailed, Track: *entry, Reason: reason})
	q.removeCurrentLocked()
}

// removeCurrentLocked drops the entry at the cursor; the next entry slides
// into its place (must be called with lock held).
func (q *Queue) removeCurrentLocked() {
	q.entries = append(q.entries[:q.cursor], q.entries[q.cursor+1:]...)
}

// advanceLocked moves past the current entry (must be called with lock held).
func (q *Queue) advanceLocked() {
	q.removeCurrentLocked()
	q.state = Playing
	q.startCurrentLocked()
}

func (q *Queue) completion(gen uint64) func(error) {
	return func(err error) {
		q.onTrackEnd(gen, err)
	}
}

// onTrackEnd handles the end of the stream started under gen. Events from
// streams that were already stopped or replaced are ignored.
func (q *Queue) onTrackEnd(gen uint64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || gen != q.generation || !q.streaming {
		q.logger.WithField("generation", gen).Debug("Ignoring stale completion event")
		return
	}

	q.streaming = false
	if err != nil {
		entry := q.entries[q.cursor]
		q.logger.WithFields(logrus.Fields{
			"track_id": entry.ID,
			"title":    entry.Title,
		}).WithError(err).Warn("Stream ended with error")
		q.emitLocked(Event{Kind: EventTrackFailed, Track: *entry, Reason: err.Error()})
	}
	q.advanceLocked()
}

// requestLoadLocked resolves entry in the background unless that is already
// under way (must be called with lock held).
func (q *Queue) requestLoadLocked(entry *models.Track) {
	if q.loading[entry.ID] {
		return
	}
	q.loading[entry.ID] = true
	go q.load(*entry)
}

// prefetchLocked starts resolving the entry after the current one (must be
// called with lock held).
func (q *Queue) prefetchLocked() {
	if !q.opts.Prefetch || q.cursor == noCursor {
		return
	}
	next := q.cursor + 1
	if next < len(q.entries) && q.entries[next].State == models.StatePending {
		q.requestLoadLocked(q.entries[next])
	}
}

// load resolves track outside the lock, stores the result in its entry and
// starts it if playback is waiting on it.
func (q *Queue) load(track models.Track) {
	resolved := q.loader.Load(q.ctx, track)

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.loading, track.ID)
	if q.closed {
		return
	}

	entry := q.findLocked(track.ID)
	if entry == nil {
		q.logger.WithField("track_id", track.ID).Debug("Resolved track is no longer queued")
		return
	}
	if entry.State == models.StatePending {
		*entry = resolved
	}

	if q.state != Stopped && !q.streaming && q.cursor != noCursor && q.entries[q.cursor] == entry {
		q.startCurrentLocked()
	}
}

// findLocked returns the entry with id (must be called with lock held).
func (q *Queue) findLocked(id string) *models.Track {
	for _, entry := range q.entries {
		if entry.ID == id {
			return entry
		}
	}
	return nil
}
