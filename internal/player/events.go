package player

import (
	"encore/pkg/models"
)

// EventKind identifies what happened on a queue.
type EventKind string

const (
	EventNowPlaying  EventKind = "now_playing"
	EventTrackFailed EventKind = "track_failed"
	EventQueueEnded  EventKind = "queue_ended"
	EventStopped     EventKind = "stopped"
)

// Event is a notification published by a Queue.
type Event struct {
	Kind    EventKind
	GuildID string
	Track   models.Track
	Reason  string
}

// listenerBuffer keeps a slow subscriber from stalling the queue.
const listenerBuffer = 16

// Subscribe adds a listener for queue events. The channel is closed when the
// queue is closed or the listener unsubscribes.
func (q *Queue) Subscribe() <-chan Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan Event, listenerBuffer)
	if q.closed {
		close(ch)
		return ch
	}
	q.listeners = append(q.listeners, ch)
	return ch
}

// Unsubscribe removes a listener (call this when done to prevent leaks)
func (q *Queue) Unsubscribe(ch <-chan Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, listener := range q.listeners {
		if listener == ch {
			close(listener)
			q.listeners = append(q.listeners[:i], q.listeners[i+1:]...)
			break
		}
	}
}

// emitLocked sends an event to all subscribers (must be called with lock held).
// A full listener misses the event rather than blocking playback.
func (q *Queue) emitLocked(ev Event) {
	ev.GuildID = q.guildID
	for _, listener := range q.listeners {
		select {
		case listener <- ev:
		default:
			q.logger.WithField("event", ev.Kind).Warn("Queue event dropped (listener full)")
		}
	}
}

// closeListenersLocked closes every subscriber (must be called with lock held).
func (q *Queue) closeListenersLocked() {
	for _, listener := range q.listeners {
		close(listener)
	}
	q.listeners = nil
}
