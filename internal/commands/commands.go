package commands

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"encore/internal/player"
	"encore/internal/session"
	"encore/pkg/models"
)

const (
	defaultHistory = 10
	maxHistory     = 25
)

func (h *Handler) register() {
	h.add(&command{name: "join", usage: "join", help: "Join your voice channel", run: h.join})
	h.add(&command{name: "leave", aliases: []string{"gtfo"}, usage: "leave", help: "Leave the voice channel", run: h.leave})
	h.add(&command{name: "play", aliases: []string{"p"}, usage: "play <url> [now]", help: "Queue a song, or play it next with now", run: h.play})
	h.add(&command{name: "playlist", aliases: []string{"pl"}, usage: "playlist <url> [start]", help: "Queue a playlist, optionally from a position", run: h.playlist})
	h.add(&command{name: "skip", aliases: []string{"s"}, usage: "skip", help: "Skip the current song", run: h.skip})
	h.add(&command{name: "remove", aliases: []string{"r"}, usage: "remove <position>", help: "Remove a queued song", run: h.remove})
	h.add(&command{name: "pause", usage: "pause", help: "Pause playback", run: h.pause})
	h.add(&command{name: "resume", usage: "resume", help: "Resume playback", run: h.resume})
	h.add(&command{name: "seek", usage: "seek <seconds|m:ss>", help: "Jump to a point in the current song", run: h.seek})
	h.add(&command{name: "stop", aliases: []string{"cl", "clear"}, usage: "stop", help: "Clear the queue", run: h.stop})
	h.add(&command{name: "queue", aliases: []string{"q"}, usage: "queue [page]", help: "Show the queue", run: h.queue})
	h.add(&command{name: "deafen", usage: "deafen", help: "Deafen the bot", run: h.deafen})
	h.add(&command{name: "undeafen", usage: "undeafen", help: "Undeafen the bot", run: h.undeafen})
	h.add(&command{name: "history", usage: "history [count]", help: "Recently played songs", run: h.recent})
	h.add(&command{name: "help", usage: "help", help: "This list", run: h.help})
}

// joinCaller returns the guild's session, joining the caller's voice channel
// when there is none yet.
func (h *Handler) joinCaller(ctx context.Context, req Request) (*session.Session, bool, error) {
	if s, err := h.sessions.Get(req.GuildID); err == nil {
		return s, false, nil
	}
	if req.VoiceChannelID == "" {
		return nil, false, ErrNotInVoiceChannel
	}
	return h.sessions.GetOrCreate(ctx, req.GuildID, req.VoiceChannelID)
}

func (h *Handler) join(ctx context.Context, req Request) (Reply, error) {
	if req.VoiceChannelID == "" {
		return Reply{}, ErrNotInVoiceChannel
	}
	_, created, err := h.sessions.GetOrCreate(ctx, req.GuildID, req.VoiceChannelID)
	if err != nil {
		return Reply{}, err
	}
	if !created {
		return Reply{Text: "Already connected"}, nil
	}
	return Reply{Text: "Joined voice channel"}, nil
}

func (h *Handler) leave(ctx context.Context, req Request) (Reply, error) {
	if err := h.sessions.Destroy(req.GuildID); err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			return Reply{}, ErrNotInVoiceChannel
		}
		return Reply{}, err
	}
	return Reply{Text: "Left voice channel"}, nil
}

// checkURL validates a user supplied media URL.
func (h *Handler) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" {
		return invalid("Must provide a valid URL")
	}
	settings := h.settings.Load()
	if !settings.schemeAllowed(u.Scheme) || !h.resolver.Supports(raw) {
		return invalid("Must provide a valid URL")
	}
	return nil
}

func (h *Handler) play(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) == 0 {
		return Reply{}, invalid("Must provide a URL to a video or audio")
	}
	raw := req.Args[0]
	if err := h.checkURL(raw); err != nil {
		return Reply{}, err
	}

	pos := player.Back
	if len(req.Args) > 1 && strings.EqualFold(req.Args[1], "now") {
		pos = player.Front
	}

	s, _, err := h.joinCaller(ctx, req)
	if err != nil {
		return Reply{}, err
	}

	// Resolve before touching the queue so a slow lookup never holds it.
	track := h.resolver.ResolveOne(ctx, raw, req.AuthorID)
	if track.Failed() {
		return Reply{Text: fmt.Sprintf("Err starting source: %s", track.FailReason)}, nil
	}

	position, err := s.Queue.Enqueue(track, pos)
	if err != nil {
		return Reply{}, err
	}

	title := escapeMentions(track.DisplayTitle())
	if pos == player.Front {
		return Reply{Text: fmt.Sprintf("Added song to the front of the queue: **%s**", title)}, nil
	}
	return Reply{Text: fmt.Sprintf("Added song to queue: **%s** at position **%d**", title, position)}, nil
}

func (h *Handler) playlist(ctx context.Context, req Request) (Reply, error) {
	if len(req.Args) == 0 {
		return Reply{}, invalid("Must provide a URL to a video or audio")
	}
	raw := req.Args[0]
	if !strings.HasPrefix(raw, "http") && !strings.Contains(raw, "list") && !strings.HasPrefix(raw, "file://") {
		return Reply{}, invalid("Must provide a valid Youtube Playlist URL")
	}
	if err := h.checkURL(raw); err != nil {
		return Reply{}, invalid("Must provide a valid Youtube Playlist URL")
	}

	start := 1
	if len(req.Args) > 1 {
		n, err := strconv.Atoi(req.Args[1])
		if err != nil || n < 1 {
			return Reply{}, invalid("Start position must be a number of at least 1")
		}
		start = n
	}

	s, _, err := h.joinCaller(ctx, req)
	if err != nil {
		return Reply{}, err
	}

	tracks, err := h.resolver.ResolvePlaylist(ctx, raw, start, h.settings.Load().PlaylistCap, req.AuthorID)
	if err != nil {
		return Reply{}, err
	}
	if len(tracks) == 0 {
		return Reply{Text: fmt.Sprintf("Playlist has no songs from position %d", start)}, nil
	}

	if _, err := s.Queue.EnqueueMany(tracks); err != nil {
		return Reply{}, err
	}

	total := len(s.Queue.Snapshot().Entries)
	return Reply{Text: fmt.Sprintf("Added **%d** songs. **%d** Songs in queue", len(tracks), total)}, nil
}

func (h *Handler) activeSession(req Request) (*session.Session, error) {
	return h.sessions.Get(req.GuildID)
}

func (h *Handler) skip(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		return Reply{}, err
	}

	remaining := len(s.Queue.Snapshot().Entries) - 1
	if _, err := s.Queue.Skip(); err != nil {
		return Reply{}, err
	}
	if remaining < 0 {
		remaining = 0
	}
	return Reply{Text: fmt.Sprintf("Song skipped: %d in queue.", remaining)}, nil
}

func (h *Handler) remove(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		return Reply{}, err
	}
	if len(req.Args) == 0 {
		return Reply{}, invalid("Must provide the position of the song to remove")
	}
	position, err := strconv.Atoi(req.Args[0])
	if err != nil {
		return Reply{}, invalid("Position must be a number")
	}

	removed, err := s.Queue.Remove(position)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Song removed: **%s**", escapeMentions(removed.DisplayTitle()))}, nil
}

func (h *Handler) pause(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		return Reply{}, err
	}
	if err := s.Queue.Pause(); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Song paused"}, nil
}

func (h *Handler) resume(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		return Reply{}, err
	}
	if err := s.Queue.Resume(); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Song resumed"}, nil
}

// parseOffset accepts plain seconds or m:ss.
func parseOffset(arg string) (time.Duration, error) {
	if minutes, seconds, ok := strings.Cut(arg, ":"); ok {
		m, err := strconv.ParseUint(minutes, 10, 32)
		if err != nil {
			return 0, err
		}
		s, err := strconv.ParseUint(seconds, 10, 32)
		if err != nil || s >= 60 {
			return 0, fmt.Errorf("invalid seconds %q", seconds)
		}
		return time.Duration(m)*time.Minute + time.Duration(s)*time.Second, nil
	}
	s, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, err
	}
	return time.Duration(s) * time.Second, nil
}

func (h *Handler) seek(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		return Reply{}, err
	}
	if len(req.Args) == 0 {
		return Reply{}, invalid("Must provide a time to seek to")
	}
	offset, err := parseOffset(req.Args[0])
	if err != nil {
		return Reply{}, invalid("Time must be seconds or m:ss")
	}

	if err := s.Queue.Seek(offset); err != nil {
		if errors.Is(err, player.ErrOutOfRange) {
			return Reply{}, invalid("Time is past the end of the song")
		}
		return Reply{}, err
	}
	return Reply{Text: fmt.Sprintf("Song seeked to: %s", models.FormatPosition(offset))}, nil
}

func (h *Handler) stop(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		return Reply{}, err
	}
	if err := s.Queue.Stop(); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Queue cleared."}, nil
}

func (h *Handler) queue(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		return Reply{}, err
	}

	page := 1
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil {
			return Reply{}, invalid("Page must be a number")
		}
		page = n
	}

	reply, err := FormatQueue(s.Queue.Snapshot(), page, h.settings.Load().PageSize)
	if errors.Is(err, player.ErrOutOfRange) {
		return Reply{}, invalid(fmt.Sprintf("Queue has no page %d", page))
	}
	return reply, err
}

func (h *Handler) deafen(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			return Reply{}, ErrNotInVoiceChannel
		}
		return Reply{}, err
	}

	changed, err := s.SetDeaf(true)
	if err != nil {
		return Reply{}, err
	}
	if !changed {
		return Reply{Text: "Already deafened"}, nil
	}
	return Reply{Text: "Deafened"}, nil
}

func (h *Handler) undeafen(ctx context.Context, req Request) (Reply, error) {
	s, err := h.activeSession(req)
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			return Reply{Text: "Not in a voice channel to undeafen in"}, nil
		}
		return Reply{}, err
	}

	if _, err := s.SetDeaf(false); err != nil {
		return Reply{}, err
	}
	return Reply{Text: "Undeafened"}, nil
}

func (h *Handler) recent(ctx context.Context, req Request) (Reply, error) {
	if h.history == nil {
		return Reply{Text: "Play history is disabled"}, nil
	}

	limit := defaultHistory
	if len(req.Args) > 0 {
		n, err := strconv.Atoi(req.Args[0])
		if err != nil || n < 1 {
			return Reply{}, invalid("Count must be a positive number")
		}
		limit = min(n, maxHistory)
	}

	plays, err := h.history.RecentPlays(req.GuildID, limit)
	if err != nil {
		return Reply{}, fmt.Errorf("history lookup: %w", err)
	}
	return FormatHistory(plays, time.Now()), nil
}

func (h *Handler) help(ctx context.Context, req Request) (Reply, error) {
	prefix := h.settings.Load().Prefix

	var b strings.Builder
	b.WriteString("__**Commands:**__\n```\n")
	for _, cmd := range h.ordered {
		line := prefix + cmd.usage
		if aliases := aliasesOf(cmd); len(aliases) > 0 {
			line += " (" + strings.Join(aliases, ", ") + ")"
		}
		fmt.Fprintf(&b, "%-36s %s\n", line, cmd.help)
	}
	b.WriteString("```")
	return Reply{Text: b.String()}, nil
}
