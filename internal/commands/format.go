package commands

import (
	"fmt"
	"strings"
	"time"

	"encore/internal/player"
	"encore/pkg/models"
)

// escapeMentions keeps titles from pinging anyone.
func escapeMentions(s string) string {
	return strings.ReplaceAll(s, "@", "@\u200b")
}

// FormatQueue renders the now playing line and one page of upcoming entries.
// Upcoming entries are numbered by queue position, the position remove takes.
func FormatQueue(snap player.Snapshot, page, pageSize int) (Reply, error) {
	current, ok := snap.Current()
	if !ok {
		return Reply{Text: "Queue is empty"}, nil
	}
	if pageSize < 1 {
		pageSize = 10
	}

	upcoming := snap.Upcoming()
	pages := (len(upcoming) + pageSize - 1) / pageSize
	if page < 1 || (pages > 0 && page > pages) || (pages == 0 && page != 1) {
		return Reply{}, fmt.Errorf("%w: page %d", player.ErrOutOfRange, page)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "__**Now playing:**__\n```yaml\n%s | %s/%s\n```",
		current.DisplayTitle(),
		models.FormatPosition(snap.Elapsed),
		models.FormatDuration(current.Duration),
	)

	if len(upcoming) > 0 {
		b.WriteString("\n__**Queue:**__\n```yaml\n")
		first := (page - 1) * pageSize
		last := min(first+pageSize, len(upcoming))
		for i := first; i < last; i++ {
			track := upcoming[i]
			fmt.Fprintf(&b, "%d: %s | %s\n", snap.Cursor+2+i, track.DisplayTitle(), models.FormatDuration(track.Duration))
		}
		if len(upcoming) > pageSize {
			fmt.Fprintf(&b, "page %d/%d", page, pages)
		}
		b.WriteString("\n```")
	}

	return Reply{Embed: &Embed{
		Description: escapeMentions(b.String()),
		ImageURL:    current.Thumbnail,
	}}, nil
}

// FormatHistory lists plays newest first with how long ago they started.
func FormatHistory(plays []models.PlayRecord, now time.Time) Reply {
	if len(plays) == 0 {
		return Reply{Text: "Nothing has been played yet"}
	}

	var b strings.Builder
	b.WriteString("__**Recently played:**__\n```yaml\n")
	for i, p := range plays {
		fmt.Fprintf(&b, "%d: %s | %s | %s ago\n",
			i+1,
			p.Title,
			models.FormatDuration(time.Duration(p.Duration)*time.Second),
			ago(now.Sub(p.PlayedAt)),
		)
	}
	b.WriteString("```")
	return Reply{Text: escapeMentions(b.String())}
}

func ago(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "<1m"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

// EventText renders a queue event as a channel notification. It returns ""
// for events that need no message.
func EventText(ev player.Event) string {
	title := escapeMentions(ev.Track.DisplayTitle())
	switch ev.Kind {
	case player.EventNowPlaying:
		return fmt.Sprintf("Now playing: **%s** (%s)", title, models.FormatDuration(ev.Track.Duration))
	case player.EventTrackFailed:
		return fmt.Sprintf("Skipping **%s**: %s", title, escapeMentions(ev.Reason))
	case player.EventQueueEnded:
		return "Queue finished."
	default:
		return ""
	}
}
