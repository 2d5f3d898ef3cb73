package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"encore/internal/config"
	"encore/internal/player"
	"encore/internal/session"
	"encore/pkg/models"

	"github.com/sirupsen/logrus"
)

type idleConn struct{}

func (idleConn) Play(models.Track, func(error)) error { return nil }
func (idleConn) StopCurrent() error { return nil }
func (idleConn) SetPaused(bool) error { return nil }
func (idleConn) Seek(time.Duration) error { return nil }
func (idleConn) Position() time.Duration { return 30 * time.Second }
func (idleConn) SetDeaf(bool) error { return nil }
func (idleConn) Disconnect() error { return nil }

type idleTransport struct{}

func (idleTransport) Connect(ctx context.Context, guildID, channelID string) (player.Connection, error) {
	return idleConn{}, nil
}

type noLoader struct{}

func (noLoader) Load(ctx context.Context, track models.Track) models.Track { return track }

type fakeHistory struct {
	plays   []models.PlayRecord
	pingErr error
	limit   int
}

func (f *fakeHistory) RecentPlays(guildID string, limit int) ([]models.PlayRecord, error) {
	f.limit = limit
	return f.plays, nil
}

func (f *fakeHistory) CountPlays(guildID string) (int, error) { return len(f.plays) + 10, nil }
func (f *fakeHistory) Ping() error { return f.pingErr }

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logrus.NewEntry(logger)
}

func newTestServer(t *testing.T, history HistoryStore) (*StatusServer, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(idleTransport{}, noLoader{}, session.Options{}, testLogger())
	t.Cleanup(sessions.Close)
	return NewStatusServer(config.DefaultConfig(), sessions, history, nil, testLogger()), sessions
}

func get(t *testing.T, ss *StatusServer, path string, into interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	ss.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if into != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), into); err != nil {
			t.Fatalf("GET %s: invalid JSON %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec
}

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name         string
		history      HistoryStore
		wantCode     int
		wantStatus   string
		wantDatabase string
	}{
		{"Healthy", &fakeHistory{}, http.StatusOK, "healthy", "ok"},
		{"DatabaseDown", &fakeHistory{pingErr: errors.New("disk I/O error")}, http.StatusServiceUnavailable, "unhealthy", "error"},
		{"HistoryDisabled", nil, http.StatusOK, "healthy", "disabled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ss, _ := newTestServer(t, tt.history)

			var health HealthStatus
			rec := get(t, ss, "/health", &health)
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			if health.Status != tt.wantStatus || health.Database != tt.wantDatabase {
				t.Errorf("health = %+v", health)
			}
		})
	}
}

func TestSessionsEndpoints(t *testing.T) {
	ss, sessions := newTestServer(t, nil)

	var empty struct {
		Sessions []json.RawMessage `json:"sessions"`
		Count    int               `json:"count"`
	}
	get(t, ss, "/api/sessions", &empty)
	if empty.Count != 0 || len(empty.Sessions) != 0 {
		t.Errorf("empty listing = %+v", empty)
	}

	s, _, err := sessions.GetOrCreate(context.Background(), "1234", "5678")
	if err != nil {
		t.Fatal(err)
	}
	track := models.NewTrack("https://example.com/a", "user-1")
	track.State = models.StateReady
	track.Title = "a"
	track.StreamURL = "https://cdn.example.com/a"
	if _, err := s.Queue.Enqueue(track, player.Back); err != nil {
		t.Fatal(err)
	}

	var listing struct {
		Sessions []struct {
			GuildID string `json:"guildId"`
			Queue   struct {
				State   string `json:"state"`
				Entries []struct {
					Title     string `json:"title"`
					StreamURL string `json:"streamUrl"`
				} `json:"entries"`
			} `json:"queue"`
		} `json:"sessions"`
		Count int `json:"count"`
	}
	get(t, ss, "/api/sessions", &listing)
	if listing.Count != 1 || listing.Sessions[0].GuildID != "1234" {
		t.Fatalf("listing = %+v", listing)
	}
	queue := listing.Sessions[0].Queue
	if queue.State != "playing" || len(queue.Entries) != 1 || queue.Entries[0].Title != "a" {
		t.Errorf("queue = %+v", queue)
	}
	if queue.Entries[0].StreamURL != "" {
		t.Error("stream URL leaked into the status API")
	}

	t.Run("SingleSession", func(t *testing.T) {
		var status struct {
			ChannelID string `json:"channelId"`
			Queue     struct {
				Elapsed time.Duration `json:"elapsed"`
			} `json:"queue"`
		}
		rec := get(t, ss, "/api/sessions/1234", &status)
		if rec.Code != http.StatusOK || status.ChannelID != "5678" || status.Queue.Elapsed != 30*time.Second {
			t.Errorf("code %d, status %+v", rec.Code, status)
		}
	})

	t.Run("UnknownGuild", func(t *testing.T) {
		if rec := get(t, ss, "/api/sessions/999", nil); rec.Code != http.StatusNotFound {
			t.Errorf("status code = %d, want 404", rec.Code)
		}
	})

	t.Run("InvalidGuild", func(t *testing.T) {
		var result ValidationResult
		rec := get(t, ss, "/api/sessions/abc", &result)
		if rec.Code != http.StatusBadRequest || result.Valid || result.Errors[0].Code != "INVALID_GUILD_ID_FORMAT" {
			t.Errorf("code %d, result %+v", rec.Code, result)
		}
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		ss.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("status code = %d, want 405", rec.Code)
		}
	})
}

func TestHistoryEndpoint(t *testing.T) {
	history := &fakeHistory{plays: []models.PlayRecord{{ID: 1, GuildID: "1234", Title: "a", Duration: 90}}}
	ss, _ := newTestServer(t, history)

	var body struct {
		Plays []models.PlayRecord `json:"plays"`
		Total int                 `json:"total"`
	}
	rec := get(t, ss, "/api/history/1234?limit=5", &body)
	if rec.Code != http.StatusOK || len(body.Plays) != 1 || body.Total != 11 || history.limit != 5 {
		t.Errorf("code %d, body %+v, limit %d", rec.Code, body, history.limit)
	}

	get(t, ss, "/api/history/1234", nil)
	if history.limit != 25 {
		t.Errorf("default limit = %d, want 25", history.limit)
	}

	var result ValidationResult
	rec = get(t, ss, "/api/history/abc?limit=1000", &result)
	if rec.Code != http.StatusBadRequest || len(result.Errors) != 2 {
		t.Errorf("code %d, result %+v", rec.Code, result)
	}

	t.Run("Disabled", func(t *testing.T) {
		ss, _ := newTestServer(t, nil)
		if rec := get(t, ss, "/api/history/1234", nil); rec.Code != http.StatusNotFound {
			t.Errorf("status code = %d, want 404", rec.Code)
		}
	})
}

func TestValidateLimit(t *testing.T) {
	tests := []struct {
		raw      string
		want     int
		wantCode string
	}{
		{"", 25, ""},
		{"1", 1, ""},
		{"100", 100, ""},
		{"0", 0, "INVALID_LIMIT_VALUE"},
		{"101", 0, "INVALID_LIMIT_VALUE"},
		{"ten", 0, "INVALID_LIMIT_FORMAT"},
	}

	for _, tt := range tests {
		got, verr := validateLimit(tt.raw, 25, 100)
		code := ""
		if verr != nil {
			code = verr.Code
		}
		if got != tt.want || code != tt.wantCode {
			t.Errorf("validateLimit(%q) = %d, %q; want %d, %q", tt.raw, got, code, tt.want, tt.wantCode)
		}
	}
}

func TestValidateGuildID(t *testing.T) {
	tests := []struct {
		id       string
		wantCode string
	}{
		{"81384788765712384", ""},
		{"", "MISSING_GUILD_ID"},
		{"123456789012345678901", "GUILD_ID_TOO_LONG"},
		{"12a4", "INVALID_GUILD_ID_FORMAT"},
		{"-1", "INVALID_GUILD_ID_FORMAT"},
	}

	for _, tt := range tests {
		code := ""
		if verr := validateGuildID(tt.id); verr != nil {
			code = verr.Code
		}
		if code != tt.wantCode {
			t.Errorf("validateGuildID(%q) = %q, want %q", tt.id, code, tt.wantCode)
		}
	}
}

func TestPanicRecovery(t *testing.T) {
	ss, _ := newTestServer(t, nil)
	handler := ss.panicRecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status code = %d, want 500", rec.Code)
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[int]string{
		0:               "0B",
		512:             "< 1KB",
		2048:            "2KB",
		5 * 1024 * 1024: "5MB",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
