package discord

import (
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/sirupsen/logrus"
)

// statusUpdater is the part of *discordgo.Session presence needs.
type statusUpdater interface {
	UpdateStatusComplex(usd discordgo.UpdateStatusData) error
}

// Presence shows what the bot is playing in its Discord status. The status is
// shared by every guild, so the most recently started track wins and the bot
// falls back to another guild's track when that one stops.
type Presence struct {
	updater statusUpdater
	enabled bool
	logger  *logrus.Entry

	mu      sync.Mutex
	playing map[string]string // guild ID -> title
	order   []string          // guild IDs, most recent last
	shown   string
}

// NewPresence creates a presence tracker. A disabled tracker never touches the
// status.
func NewPresence(updater statusUpdater, enabled bool, logger *logrus.Entry) *Presence {
	return &Presence{
		updater: updater,
		enabled: enabled,
		logger:  logger,
		playing: make(map[string]string),
	}
}

// NowPlaying records that guildID started title.
func (p *Presence) NowPlaying(guildID, title string) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.playing[guildID] = title
	p.touchLocked(guildID)
	p.refreshLocked()
}

// Clear records that guildID stopped playing.
func (p *Presence) Clear(guildID string) {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.playing[guildID]; !ok {
		return
	}
	delete(p.playing, guildID)
	p.dropLocked(guildID)
	p.refreshLocked()
}

// Shown returns the title in the status, or "" when idle.
func (p *Presence) Shown() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shown
}

func (p *Presence) touchLocked(guildID string) {
	p.dropLocked(guildID)
	p.order = append(p.order, guildID)
}

func (p *Presence) dropLocked(guildID string) {
	for i, id := range p.order {
		if id == guildID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			return
		}
	}
}

// refreshLocked pushes the status if the title to show changed.
func (p *Presence) refreshLocked() {
	title := ""
	if n := len(p.order); n > 0 {
		title = p.playing[p.order[n-1]]
	}
	if title == p.shown {
		return
	}

	status := discordgo.UpdateStatusData{
		Status:     string(discordgo.StatusOnline),
		Activities: []*discordgo.Activity{},
	}
	if title != "" {
		status.Activities = []*discordgo.Activity{{
			Name: title,
			Type: discordgo.ActivityTypeListening,
		}}
	}

	if err := p.updater.UpdateStatusComplex(status); err != nil {
		p.logger.WithError(err).Warn("Failed to update presence")
		return
	}
	p.shown = title
}
