package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"encore/internal/player"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrNoActiveSession = errors.New("not connected to a voice channel")
	ErrNotFound        = fmt.Errorf("%w: no session for this guild", ErrNoActiveSession)
	ErrConnection      = errors.New("could not connect to the voice channel")
)

// Transport opens voice connections.
type Transport interface {
	Connect(ctx context.Context, guildID, channelID string) (player.Connection, error)
}

// Session is the live association between a guild's voice channel and its
// playback queue.
type Session struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guildId"`
	ChannelID string    `json:"channelId"`
	CreatedAt time.Time `json:"createdAt"`

	Queue *player.Queue `json:"-"`

	conn player.Connection
	mu   sync.Mutex
	deaf bool
}

// Deaf reports whether the bot is deafened in this session.
func (s *Session) Deaf() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deaf
}

// SetDeaf changes the bot's deafened state. It reports false without touching
// the connection when the state already matches.
func (s *Session) SetDeaf(deaf bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deaf == deaf {
		return false, nil
	}
	if err := s.conn.SetDeaf(deaf); err != nil {
		return false, err
	}
	s.deaf = deaf
	return true, nil
}

// Options configures a Manager.
type Options struct {
	Queue        player.Options
	IdleTimeout  time.Duration // 0 disables the idle reaper
	ReapInterval time.Duration
}

// keyLock serializes create and destroy for one guild.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

// Manager maps guilds to their single active session.
type Manager struct {
	transport Transport
	loader    player.Loader
	opts      Options
	logger    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
	keys     map[string]*keyLock
	hooks    []func(*Session)

	stopReaper chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
}

// NewManager creates a session manager. When opts.IdleTimeout is set, a
// background reaper destroys sessions that have been stopped for longer.
func NewManager(transport Transport, loader player.Loader, opts Options, logger *logrus.Entry) *Manager {
	m := &Manager{
		transport:  transport,
		loader:     loader,
		opts:       opts,
		logger:     logger,
		sessions:   make(map[string]*Session),
		keys:       make(map[string]*keyLock),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}

	if opts.IdleTimeout > 0 {
		interval := opts.ReapInterval
		if interval <= 0 {
			interval = opts.IdleTimeout / 4
		}
		go m.reapIdle(interval)
	} else {
		close(m.reaperDone)
	}

	return m
}

// OnSessionStart registers a hook run for every new session, before
// GetOrCreate returns it.
func (m *Manager) OnSessionStart(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// lockKey acquires the per-guild lock and returns its release func.
func (m *Manager) lockKey(guildID string) func() {
	m.mu.Lock()
	kl, ok := m.keys[guildID]
	if !ok {
		kl = &keyLock{}
		m.keys[guildID] = kl
	}
	kl.refs++
	m.mu.Unlock()

	kl.mu.Lock()

	return func() {
		kl.mu.Unlock()

		m.mu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(m.keys, guildID)
		}
		m.mu.Unlock()
	}
}

// GetOrCreate returns the guild's session, connecting to channelID first if
// there is none. The bool reports whether a session was created. Joining again
// returns the existing session unchanged.
func (m *Manager) GetOrCreate(ctx context.Context, guildID, channelID string) (*Session, bool, error) {
	unlock := m.lockKey(guildID)
	defer unlock()

	if s, err := m.Get(guildID); err == nil {
		return s, false, nil
	}

	conn, err := m.transport.Connect(ctx, guildID, channelID)
	if err != nil {
		m.logger.WithFields(logrus.Fields{
			"guild_id":   guildID,
			"channel_id": channelID,
		}).WithError(err).Warn("Voice connection failed")
		return nil, false, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	id := uuid.New().String()
	s := &Session{
		ID:        id,
		GuildID:   guildID,
		ChannelID: channelID,
		CreatedAt: time.Now(),
		conn:      conn,
	}
	s.Queue = player.NewQueue(guildID, conn, m.loader, m.opts.Queue, m.logger.WithFields(logrus.Fields{
		"guild_id":   guildID,
		"session_id": id,
	}))

	m.mu.Lock()
	m.sessions[guildID] = s
	hooks := append([]func(*Session){}, m.hooks...)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook(s)
	}

	m.logger.WithFields(logrus.Fields{
		"guild_id":   guildID,
		"channel_id": channelID,
		"session_id": id,
	}).Info("Session started")
	return s, true, nil
}

// Get returns the guild's session.
func (m *Manager) Get(guildID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Destroy disconnects the guild's session and discards its queue.
func (m *Manager) Destroy(guildID string) error {
	unlock := m.lockKey(guildID)
	defer unlock()

	return m.destroyLocked(guildID, "leave")
}

// HandleDisconnect tears down a session whose voice connection went away
// without a leave command. It reports whether a session existed.
func (m *Manager) HandleDisconnect(guildID string) bool {
	unlock := m.lockKey(guildID)
	defer unlock()

	return m.destroyLocked(guildID, "disconnected") == nil
}

// destroyLocked removes and closes a session (must be called with the guild's
// key lock held).
func (m *Manager) destroyLocked(guildID, reason string) error {
	m.mu.Lock()
	s, ok := m.sessions[guildID]
	delete(m.sessions, guildID)
	m.mu.Unlock()

	if !ok {
		return ErrNoActiveSession
	}

	s.Queue.Close()
	if err := s.conn.Disconnect(); err != nil {
		m.logger.WithField("guild_id", guildID).WithError(err).Warn("Voice disconnect failed")
	}

	m.logger.WithFields(logrus.Fields{
		"guild_id":   guildID,
		"session_id": s.ID,
		"reason":     reason,
		"duration":   time.Since(s.CreatedAt).Round(time.Second).String(),
	}).Info("Session ended")
	return nil
}

// Sessions returns the live sessions ordered by guild.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].GuildID < result[j].GuildID })
	return result
}

// reapIdle runs until Close, destroying sessions idle past the timeout.
func (m *Manager) reapIdle(interval time.Duration) {
	defer close(m.reaperDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-m.stopReaper:
			return
		}
	}
}

// reap destroys every session that has been stopped since before now minus
// the idle timeout.
func (m *Manager) reap(now time.Time) {
	for _, s := range m.Sessions() {
		since, idle := s.Queue.IdleSince()
		if !idle || now.Sub(since) < m.opts.IdleTimeout {
			continue
		}

		unlock := m.lockKey(s.GuildID)
		// The session may have been replaced or resumed while unlocked.
		if current, err := m.Get(s.GuildID); err == nil && current == s {
			if since, idle := s.Queue.IdleSince(); idle && now.Sub(since) >= m.opts.IdleTimeout {
				m.destroyLocked(s.GuildID, "idle")
			}
		}
		unlock()
	}
}

// Close stops the reaper and ends every session.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.stopReaper)
		<-m.reaperDone

		for _, s := range m.Sessions() {
			unlock := m.lockKey(s.GuildID)
			m.destroyLocked(s.GuildID, "shutdown")
			unlock()
		}
	})
}
