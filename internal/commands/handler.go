// Package commands turns chat commands into queue and session operations and
// renders their replies. It knows nothing about the chat platform: the bot
// hands it a Request and posts the Reply it gets back.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"encore/internal/player"
	"encore/internal/resolver"
	"encore/internal/session"
	"encore/pkg/models"

	"github.com/sirupsen/logrus"
)

var (
	ErrNotInVoiceChannel = errors.New("caller is not in a voice channel")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnknownCommand    = errors.New("unknown command")
)

// Request is one parsed command invocation.
type Request struct {
	GuildID        string
	TextChannelID  string
	AuthorID       string
	VoiceChannelID string // the caller's current voice channel, if any
	Name           string
	Args           []string
}

// Embed is rich reply content.
type Embed struct {
	Description string
	ImageURL    string
}

// Reply is the single response to a Request.
type Reply struct {
	Text    string
	Embed   *Embed
	Mention bool // address the caller directly
	Err     error
}

// Sessions locates and manages voice sessions.
type Sessions interface {
	GetOrCreate(ctx context.Context, guildID, channelID string) (*session.Session, bool, error)
	Get(guildID string) (*session.Session, error)
	Destroy(guildID string) error
}

// Resolver turns URLs into track descriptors.
type Resolver interface {
	Supports(url string) bool
	ResolveOne(ctx context.Context, url, requestedBy string) models.Track
	ResolvePlaylist(ctx context.Context, url string, startIndex, limit int, requestedBy string) ([]models.Track, error)
}

// History lists recently played tracks.
type History interface {
	RecentPlays(guildID string, limit int) ([]models.PlayRecord, error)
}

// Settings are the values a config reload may change.
type Settings struct {
	Prefix         string
	PlaylistCap    int
	PageSize       int
	AllowedSchemes []string
}

func (s *Settings) schemeAllowed(scheme string) bool {
	for _, allowed := range s.AllowedSchemes {
		if strings.EqualFold(allowed, scheme) {
			return true
		}
	}
	return false
}

type command struct {
	name    string
	aliases []string
	usage   string
	help    string
	run     func(ctx context.Context, req Request) (Reply, error)
}

// Handler dispatches commands.
type Handler struct {
	sessions Sessions
	resolver Resolver
	history  History
	logger   *logrus.Entry

	settings atomic.Pointer[Settings]
	commands map[string]*command
	ordered  []*command
}

// NewHandler creates a handler. history may be nil when play history is
// disabled.
func NewHandler(sessions Sessions, res Resolver, history History, settings Settings, logger *logrus.Entry) *Handler {
	h := &Handler{
		sessions: sessions,
		resolver: res,
		history:  history,
		logger:   logger,
		commands: make(map[string]*command),
	}
	h.settings.Store(&settings)
	h.register()
	return h
}

// UpdateSettings swaps in reloaded settings.
func (h *Handler) UpdateSettings(settings Settings) {
	h.settings.Store(&settings)
	h.logger.WithField("prefix", settings.Prefix).Info("Command settings reloaded")
}

// Settings returns the settings in effect.
func (h *Handler) Settings() Settings {
	return *h.settings.Load()
}

func (h *Handler) add(cmd *command) {
	h.ordered = append(h.ordered, cmd)
	h.commands[cmd.name] = cmd
	for _, alias := range cmd.aliases {
		h.commands[alias] = cmd
	}
}

// Parse splits a message into a command name and arguments. It reports false
// when the message is not a command.
func Parse(content, prefix string) (string, []string, bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// Dispatch runs the command named in req and returns exactly one reply.
func (h *Handler) Dispatch(ctx context.Context, req Request) Reply {
	logger := h.logger.WithFields(logrus.Fields{
		"guild_id": req.GuildID,
		"user_id":  req.AuthorID,
		"command":  req.Name,
	})

	cmd, ok := h.commands[req.Name]
	if !ok {
		return h.errorReply(fmt.Errorf("%w: %s", ErrUnknownCommand, req.Name))
	}

	reply, err := cmd.run(ctx, req)
	if err != nil {
		logger.WithError(err).Debug("Command failed")
		return h.errorReply(err)
	}

	logger.Debug("Command handled")
	return reply
}

// usageError is an ErrInvalidArgument whose message is shown verbatim.
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func (e *usageError) Is(target error) bool { return target == ErrInvalidArgument }

func invalid(msg string) error {
	return &usageError{msg: msg}
}

// errorReply maps an error to the message users see.
func (h *Handler) errorReply(err error) Reply {
	reply := Reply{Err: err}

	var usage *usageError
	switch {
	case errors.As(err, &usage):
		reply.Text = usage.msg
	case errors.Is(err, ErrNotInVoiceChannel):
		reply.Text = "Not in a voice channel"
		reply.Mention = true
	case errors.Is(err, ErrUnknownCommand):
		reply.Text = fmt.Sprintf("Unknown command, try `%shelp`", h.Settings().Prefix)
	case errors.Is(err, session.ErrConnection):
		reply.Text = "Error joining the channel"
	case errors.Is(err, session.ErrNoActiveSession), errors.Is(err, player.ErrQueueClosed):
		reply.Text = "Not in a voice channel to play in"
	case errors.Is(err, player.ErrCurrentEntry):
		reply.Text = "That song is playing now, use skip"
	case errors.Is(err, player.ErrOutOfRange):
		reply.Text = "No song at that position"
	case errors.Is(err, player.ErrNotPlaying):
		reply.Text = "Nothing is playing"
	case errors.Is(err, player.ErrAlreadyPaused):
		reply.Text = "Song is already paused"
	case errors.Is(err, player.ErrNotPaused):
		reply.Text = "Song is not paused"
	case errors.Is(err, resolver.ErrUnsupported):
		reply.Text = "Must provide a valid URL"
	case errors.Is(err, resolver.ErrList):
		reply.Text = fmt.Sprintf("Err listing playlist: %v", err)
	default:
		reply.Text = fmt.Sprintf("Failed: %v", err)
	}
	return reply
}

// aliasesOf returns the sorted aliases of cmd.
func aliasesOf(cmd *command) []string {
	aliases := append([]string(nil), cmd.aliases...)
	sort.Strings(aliases)
	return aliases
}
