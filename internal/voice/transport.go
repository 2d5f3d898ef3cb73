// Package voice streams tracks into Discord voice channels. Audio is decoded
// by ffmpeg to 48kHz stereo PCM, encoded to Opus with gopus and sent in 20ms
// frames over the discordgo voice connection.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"encore/internal/player"
	"encore/pkg/models"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

const (
	channels      = 2
	sampleRate    = 48000
	frameSize     = 960 // 20ms at 48kHz
	frameDuration = 20 * time.Millisecond
	maxOpusBytes  = frameSize * channels * 2
)

// ErrNoStream is returned by stream controls when nothing is playing.
var ErrNoStream = errors.New("no active stream")

// Options configures the transport.
type Options struct {
	FFmpegPath string
	Bitrate    int
}

// Transport joins voice channels through a discordgo session.
type Transport struct {
	session *discordgo.Session
	opts    Options
	logger  *logrus.Entry
}

// NewTransport creates a transport on an open discordgo session.
func NewTransport(session *discordgo.Session, opts Options, logger *logrus.Entry) *Transport {
	return &Transport{session: session, opts: opts, logger: logger}
}

// Connect joins channelID in guildID. The bot joins undeafened.
func (t *Transport) Connect(ctx context.Context, guildID, channelID string) (player.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vc, err := t.session.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return nil, fmt.Errorf("failed to join voice channel: %w", err)
	}

	t.logger.WithFields(logrus.Fields{
		"guild_id":   guildID,
		"channel_id": channelID,
	}).Info("Joined voice channel")

	return &Connection{
		session:   t.session,
		vc:        &discordVoice{vc: vc},
		guildID:   guildID,
		channelID: channelID,
		pcm:       ffmpegSource{path: t.opts.FFmpegPath},
		bitrate:   t.opts.Bitrate,
		logger:    t.logger.WithField("guild_id", guildID),
	}, nil
}

// voiceLink is the part of a discordgo voice connection a stream needs.
type voiceLink interface {
	Send() chan<- []byte
	Speaking(speaking bool) error
	Disconnect() error
}

type discordVoice struct {
	vc *discordgo.VoiceConnection
}

func (d *discordVoice) Send() chan<- []byte          { return d.vc.OpusSend }
func (d *discordVoice) Speaking(speaking bool) error { return d.vc.Speaking(speaking) }
func (d *discordVoice) Disconnect() error            { return d.vc.Disconnect() }

// Connection is one joined voice channel. It plays at most one stream at a
// time.
type Connection struct {
	session   *discordgo.Session
	vc        voiceLink
	guildID   string
	channelID string
	pcm       pcmSource
	bitrate   int
	logger    *logrus.Entry

	mu      sync.Mutex
	current *stream
}

// Play starts streaming track, replacing any stream still running.
func (c *Connection) Play(track models.Track, done func(err error)) error {
	if track.StreamURL == "" {
		return errors.New("track has no stream URL")
	}

	c.mu.Lock()
	prev := c.current
	c.mu.Unlock()

	if prev != nil {
		prev.halt()
		<-prev.finished
	}

	s := newStream(track, done)

	c.mu.Lock()
	c.current = s
	c.mu.Unlock()

	if err := c.vc.Speaking(true); err != nil {
		c.logger.WithError(err).Debug("Failed to set speaking state")
	}

	go c.run(s)
	return nil
}

func (c *Connection) run(s *stream) {
	err := s.pump(c.pcm, c.vc, c.bitrate)

	c.mu.Lock()
	if c.current == s {
		c.current = nil
		if serr := c.vc.Speaking(false); serr != nil {
			c.logger.WithError(serr).Debug("Failed to clear speaking state")
		}
	}
	c.mu.Unlock()

	close(s.finished)

	fields := logrus.Fields{"track_id": s.track.ID, "title": s.track.Title}
	if err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("Stream failed")
	} else {
		c.logger.WithFields(fields).Debug("Stream finished")
	}
	s.done(err)
}

func (c *Connection) active() *stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// StopCurrent ends the running stream. Its done callback fires once the
// stream has wound down.
func (c *Connection) StopCurrent() error {
	if s := c.active(); s != nil {
		s.halt()
	}
	return nil
}

// SetPaused holds or releases the running stream.
func (c *Connection) SetPaused(paused bool) error {
	s := c.active()
	if s == nil {
		return ErrNoStream
	}
	s.setPaused(paused)
	if err := c.vc.Speaking(!paused); err != nil {
		c.logger.WithError(err).Debug("Failed to update speaking state")
	}
	return nil
}

// Seek restarts decoding of the running stream at offset.
func (c *Connection) Seek(offset time.Duration) error {
	s := c.active()
	if s == nil {
		return ErrNoStream
	}
	s.seek(offset)
	return nil
}

// Position reports how far into the track the running stream is.
func (c *Connection) Position() time.Duration {
	if s := c.active(); s != nil {
		return s.position()
	}
	return 0
}

// SetDeaf updates the bot's voice state without leaving the channel.
func (c *Connection) SetDeaf(deaf bool) error {
	if err := c.session.ChannelVoiceJoinManual(c.guildID, c.channelID, false, deaf); err != nil {
		return fmt.Errorf("failed to update voice state: %w", err)
	}
	return nil
}

// Disconnect stops playback and leaves the channel.
func (c *Connection) Disconnect() error {
	if s := c.active(); s != nil {
		s.halt()
		select {
		case <-s.finished:
		case <-time.After(2 * time.Second):
			c.logger.Warn("Stream did not stop before disconnect")
		}
	}

	if err := c.vc.Disconnect(); err != nil {
		return fmt.Errorf("failed to leave voice channel: %w", err)
	}
	c.logger.Info("Left voice channel")
	return nil
}
