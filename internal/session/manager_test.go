package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"encore/internal/player"
	"encore/pkg/models"

	"github.com/sirupsen/logrus"
)

type fakeConn struct {
	mu           sync.Mutex
	deaf         bool
	disconnected bool
	deafErr      error
}

func (c *fakeConn) Play(models.Track, func(error)) error { return nil }
func (c *fakeConn) StopCurrent() error                   { return nil }
func (c *fakeConn) SetPaused(bool) error                 { return nil }
func (c *fakeConn) Seek(time.Duration) error             { return nil }
func (c *fakeConn) Position() time.Duration              { return 0 }

func (c *fakeConn) SetDeaf(deaf bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deafErr != nil {
		return c.deafErr
	}
	c.deaf = deaf
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *fakeConn) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

type fakeTransport struct {
	mu       sync.Mutex
	connects int32
	err      error
	delay    time.Duration
	conns    []*fakeConn
}

func (f *fakeTransport) Connect(ctx context.Context, guildID, channelID string) (player.Connection, error) {
	atomic.AddInt32(&f.connects, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return nil, f.err
	}
	conn := &fakeConn{}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	return conn, nil
}

type passLoader struct{}

func (passLoader) Load(ctx context.Context, track models.Track) models.Track {
	track.State = models.StateReady
	track.StreamURL = track.SourceURL
	return track
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logrus.NewEntry(logger)
}

func newTestManager(t *testing.T, transport Transport, opts Options) *Manager {
	t.Helper()
	m := NewManager(transport, passLoader{}, opts, testLogger())
	t.Cleanup(m.Close)
	return m
}

func TestGetOrCreate(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, transport, Options{})

	s, created, err := m.GetOrCreate(context.Background(), "guild-1", "voice-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if !created || s.GuildID != "guild-1" || s.ChannelID != "voice-1" || s.ID == "" {
		t.Errorf("unexpected session: %+v created=%v", s, created)
	}
	if s.Queue == nil || s.Queue.Snapshot().State != player.Stopped {
		t.Error("new session should own an empty stopped queue")
	}

	t.Run("JoinAgainIsNoOp", func(t *testing.T) {
		again, created, err := m.GetOrCreate(context.Background(), "guild-1", "voice-2")
		if err != nil {
			t.Fatalf("GetOrCreate: %v", err)
		}
		if created || again != s {
			t.Error("second join should return the existing session unchanged")
		}
		if again.ChannelID != "voice-1" {
			t.Errorf("ChannelID = %q, want voice-1", again.ChannelID)
		}
		if n := atomic.LoadInt32(&transport.connects); n != 1 {
			t.Errorf("Connect called %d times, want 1", n)
		}
	})

	t.Run("Get", func(t *testing.T) {
		got, err := m.Get("guild-1")
		if err != nil || got != s {
			t.Errorf("Get = %v, %v", got, err)
		}
		if _, err := m.Get("guild-2"); !errors.Is(err, ErrNotFound) || !errors.Is(err, ErrNoActiveSession) {
			t.Errorf("Get unknown guild: err = %v, want ErrNotFound", err)
		}
	})
}

func TestGetOrCreateConnectionError(t *testing.T) {
	m := newTestManager(t, &fakeTransport{err: errors.New("missing permissions")}, Options{})

	if _, _, err := m.GetOrCreate(context.Background(), "guild-1", "voice-1"); !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
	if _, err := m.Get("guild-1"); !errors.Is(err, ErrNotFound) {
		t.Error("failed connection must leave no session registered")
	}
	if len(m.Sessions()) != 0 {
		t.Error("Sessions() should be empty")
	}
}

func TestConcurrentJoinCreatesOneConnection(t *testing.T) {
	transport := &fakeTransport{delay: 20 * time.Millisecond}
	m := newTestManager(t, transport, Options{})

	const callers = 10
	sessions := make([]*Session, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, _, err := m.GetOrCreate(context.Background(), "guild-1", "voice-1")
			if err != nil {
				t.Errorf("GetOrCreate: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&transport.connects); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	for i := 1; i < callers; i++ {
		if sessions[i] != sessions[0] {
			t.Fatal("concurrent joins returned different sessions")
		}
	}
}

func TestDestroy(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, transport, Options{})

	s, _, _ := m.GetOrCreate(context.Background(), "guild-1", "voice-1")
	s.Queue.Enqueue(models.NewTrack("https://example.com/a", "u"), player.Back)

	if err := m.Destroy("guild-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !transport.conns[0].isDisconnected() {
		t.Error("Destroy should disconnect the voice connection")
	}
	if _, err := s.Queue.Enqueue(models.NewTrack("https://example.com/b", "u"), player.Back); !errors.Is(err, player.ErrQueueClosed) {
		t.Errorf("queue of destroyed session still accepts tracks: %v", err)
	}
	if err := m.Destroy("guild-1"); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("second Destroy: err = %v, want ErrNoActiveSession", err)
	}

	// A new join after leaving gets a fresh session.
	fresh, created, err := m.GetOrCreate(context.Background(), "guild-1", "voice-1")
	if err != nil || !created || fresh == s {
		t.Errorf("rejoin: created=%v err=%v", created, err)
	}
}

func TestHandleDisconnect(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, Options{})
	m.GetOrCreate(context.Background(), "guild-1", "voice-1")

	if !m.HandleDisconnect("guild-1") {
		t.Error("HandleDisconnect should report the torn down session")
	}
	if m.HandleDisconnect("guild-1") {
		t.Error("HandleDisconnect without a session should report false")
	}
}

func TestSetDeaf(t *testing.T) {
	transport := &fakeTransport{}
	m := newTestManager(t, transport, Options{})
	s, _, _ := m.GetOrCreate(context.Background(), "guild-1", "voice-1")

	changed, err := s.SetDeaf(true)
	if err != nil || !changed {
		t.Fatalf("SetDeaf(true) = %v, %v", changed, err)
	}
	if !s.Deaf() || !transport.conns[0].deaf {
		t.Error("session and connection should be deafened")
	}

	changed, err = s.SetDeaf(true)
	if err != nil || changed {
		t.Errorf("repeat SetDeaf(true) = %v, %v, want no change", changed, err)
	}

	transport.conns[0].deafErr = errors.New("gateway closed")
	if _, err := s.SetDeaf(false); err == nil {
		t.Error("expected connection error to be returned")
	}
	if !s.Deaf() {
		t.Error("failed SetDeaf must not change state")
	}
}

func TestOnSessionStartHook(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, Options{})

	var started []string
	m.OnSessionStart(func(s *Session) { started = append(started, s.GuildID) })

	m.GetOrCreate(context.Background(), "guild-1", "voice-1")
	m.GetOrCreate(context.Background(), "guild-1", "voice-1")
	m.GetOrCreate(context.Background(), "guild-2", "voice-9")

	if len(started) != 2 || started[0] != "guild-1" || started[1] != "guild-2" {
		t.Errorf("hook calls = %v, want one per new session", started)
	}
	sessions := m.Sessions()
	if len(sessions) != 2 || sessions[0].GuildID != "guild-1" {
		t.Errorf("Sessions() = %v", sessions)
	}
}

func TestReapIdle(t *testing.T) {
	m := newTestManager(t, &fakeTransport{}, Options{IdleTimeout: time.Hour})

	idle, _, _ := m.GetOrCreate(context.Background(), "guild-idle", "voice-1")
	busy, _, _ := m.GetOrCreate(context.Background(), "guild-busy", "voice-2")
	busy.Queue.Enqueue(models.NewTrack("https://example.com/a", "u"), player.Back)

	m.reap(time.Now().Add(30 * time.Minute))
	if len(m.Sessions()) != 2 {
		t.Fatal("sessions reaped before the idle timeout")
	}

	m.reap(time.Now().Add(2 * time.Hour))
	if _, err := m.Get(idle.GuildID); !errors.Is(err, ErrNotFound) {
		t.Error("idle session should have been reaped")
	}
	if _, err := m.Get(busy.GuildID); err != nil {
		t.Error("playing session must not be reaped")
	}
}

func TestClose(t *testing.T) {
	transport := &fakeTransport{}
	m := NewManager(transport, passLoader{}, Options{IdleTimeout: time.Minute}, testLogger())
	m.GetOrCreate(context.Background(), "guild-1", "voice-1")
	m.GetOrCreate(context.Background(), "guild-2", "voice-2")

	m.Close()
	m.Close()

	if len(m.Sessions()) != 0 {
		t.Error("Close should end every session")
	}
	for i, conn := range transport.conns {
		if !conn.isDisconnected() {
			t.Errorf("connection %d still open", i)
		}
	}
}
