// Package discord connects the command handler and session manager to a
// Discord gateway session.
package discord

import (
	"context"
	"sync"
	"time"

	"encore/internal/commands"
	"encore/internal/player"
	"encore/internal/session"
	"encore/pkg/models"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

// intents are the gateway events the bot needs: guild messages and their
// content for commands, voice states for joins and channel emptiness.
const intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentMessageContent

// commandTimeout bounds one command, including any resolver lookup it makes.
const commandTimeout = 2 * time.Minute

// Recorder stores play history.
type Recorder interface {
	RecordPlay(guildID string, track models.Track, playedAt time.Time) (int64, error)
}

// messenger is the part of *discordgo.Session used to post messages.
type messenger interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Bot routes Discord messages to commands and queue events back to chat.
type Bot struct {
	dg       *discordgo.Session
	msgr     messenger
	handler  *commands.Handler
	sessions *session.Manager
	recorder Recorder
	presence *Presence
	logger   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	textChannels map[string]string // guild ID -> channel of the last command
}

// Options configures a Bot.
type Options struct {
	Presence bool
}

// NewBot wires handlers onto dg. recorder may be nil. Call Open to connect.
func NewBot(dg *discordgo.Session, handler *commands.Handler, sessions *session.Manager, recorder Recorder, opts Options, logger *logrus.Entry) *Bot {
	b := newBot(dg, handler, sessions, recorder, NewPresence(dg, opts.Presence, logger.WithField("component", "presence")), logger)
	b.dg = dg

	dg.Identify.Intents = intents
	dg.AddHandler(b.onReady)
	dg.AddHandler(b.onMessageCreate)
	dg.AddHandler(b.onVoiceStateUpdate)
	return b
}

func newBot(msgr messenger, handler *commands.Handler, sessions *session.Manager, recorder Recorder, presence *Presence, logger *logrus.Entry) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bot{
		msgr:         msgr,
		handler:      handler,
		sessions:     sessions,
		recorder:     recorder,
		presence:     presence,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		textChannels: make(map[string]string),
	}
	sessions.OnSessionStart(b.watchSession)
	return b
}

// Open connects to the gateway.
func (b *Bot) Open() error {
	return b.dg.Open()
}

// Close cancels running commands, waits for notification loops and closes
// the gateway connection. Sessions must be closed first so the loops end.
func (b *Bot) Close() error {
	b.cancel()
	b.wg.Wait()
	if b.dg == nil {
		return nil
	}
	return b.dg.Close()
}

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.logger.WithFields(logrus.Fields{
		"user":   r.User.Username,
		"guilds": len(r.Guilds),
	}).Info("Connected to Discord")
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}

	name, args, ok := commands.Parse(m.Content, b.handler.Settings().Prefix)
	if !ok {
		return
	}

	req := commands.Request{
		GuildID:       m.GuildID,
		TextChannelID: m.ChannelID,
		AuthorID:      m.Author.ID,
		Name:          name,
		Args:          args,
	}
	if vs, err := s.State.VoiceState(m.GuildID, m.Author.ID); err == nil && vs.ChannelID != "" {
		req.VoiceChannelID = vs.ChannelID
	}

	b.rememberChannel(m.GuildID, m.ChannelID)

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	reply := b.handler.Dispatch(ctx, req)
	b.send(m.ChannelID, m.Reference(), reply)
}

// send posts reply to channelID. Mentioning replies reference the command
// message so the caller is pinged.
func (b *Bot) send(channelID string, ref *discordgo.MessageReference, reply commands.Reply) {
	content, embed := render(reply)

	var err error
	switch {
	case embed != nil:
		_, err = b.msgr.ChannelMessageSendEmbed(channelID, embed)
	case content == "":
		return
	case reply.Mention && ref != nil:
		_, err = b.msgr.ChannelMessageSendReply(channelID, content, ref)
	default:
		_, err = b.msgr.ChannelMessageSend(channelID, content)
	}
	if err != nil {
		b.logger.WithField("channel_id", channelID).WithError(err).Warn("Failed to send message")
	}
}

// render converts a reply into message content or an embed.
func render(reply commands.Reply) (string, *discordgo.MessageEmbed) {
	if reply.Embed == nil {
		return reply.Text, nil
	}

	embed := &discordgo.MessageEmbed{
		Description: reply.Embed.Description,
		Color:       0x1db954,
	}
	if reply.Embed.ImageURL != "" {
		embed.Image = &discordgo.MessageEmbedImage{URL: reply.Embed.ImageURL}
	}
	return "", embed
}

func (b *Bot) rememberChannel(guildID, channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.textChannels[guildID] = channelID
}

// notifyChannel returns where queue events for guildID are posted.
func (b *Bot) notifyChannel(guildID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	channelID, ok := b.textChannels[guildID]
	return channelID, ok
}

// watchSession forwards a new session's queue events to chat, presence and
// play history until the session ends.
func (b *Bot) watchSession(s *session.Session) {
	events := s.Queue.Subscribe()
	logger := b.logger.WithFields(logrus.Fields{
		"guild_id":   s.GuildID,
		"session_id": s.ID,
	})

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.presence.Clear(s.GuildID)

		for ev := range events {
			b.handleEvent(ev, logger)
		}
		logger.Debug("Event stream closed")
	}()
}

func (b *Bot) handleEvent(ev player.Event, logger *logrus.Entry) {
	switch ev.Kind {
	case player.EventNowPlaying:
		b.presence.NowPlaying(ev.GuildID, ev.Track.DisplayTitle())
		if b.recorder != nil {
			if _, err := b.recorder.RecordPlay(ev.GuildID, ev.Track, time.Now()); err != nil {
				logger.WithError(err).Warn("Failed to record play")
			}
		}
	case player.EventQueueEnded, player.EventStopped:
		b.presence.Clear(ev.GuildID)
	}

	text := commands.EventText(ev)
	if text == "" {
		return
	}
	channelID, ok := b.notifyChannel(ev.GuildID)
	if !ok {
		logger.WithField("event", ev.Kind).Debug("No text channel for notification")
		return
	}
	b.send(channelID, nil, commands.Reply{Text: text})
}

func (b *Bot) onVoiceStateUpdate(s *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if s.State.User == nil {
		return
	}
	botID := s.State.User.ID

	if vsu.UserID == botID {
		if vsu.ChannelID == "" && b.sessions.HandleDisconnect(vsu.GuildID) {
			b.logger.WithField("guild_id", vsu.GuildID).Info("Voice connection closed externally")
		}
		return
	}

	current, err := b.sessions.Get(vsu.GuildID)
	if err != nil {
		return
	}
	// Only a listener leaving (or moving away from) the bot's channel matters.
	if vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != current.ChannelID || vsu.ChannelID == current.ChannelID {
		return
	}

	guild, err := s.State.Guild(vsu.GuildID)
	if err != nil {
		return
	}
	s.State.RLock()
	remaining := listenersIn(guild.VoiceStates, current.ChannelID, botID)
	s.State.RUnlock()

	if remaining == 0 {
		b.logger.WithFields(logrus.Fields{
			"guild_id":   vsu.GuildID,
			"channel_id": current.ChannelID,
		}).Info("Voice channel empty, leaving")
		if err := b.sessions.Destroy(vsu.GuildID); err != nil {
			b.logger.WithError(err).Debug("Session already gone")
		}
	}
}

// listenersIn counts the members other than the bot in channelID.
func listenersIn(states []*discordgo.VoiceState, channelID, botID string) int {
	n := 0
	for _, vs := range states {
		if vs.ChannelID == channelID && vs.UserID != botID {
			n++
		}
	}
	return n
}
