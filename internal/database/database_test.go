package database

import (
	"path/filepath"
	"testing"
	"time"

	"encore/pkg/models"

	"github.com/sirupsen/logrus"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests

	db, err := NewDatabase(filepath.Join(t.TempDir(), "test.db"), logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func playedTrack(title string) models.Track {
	track := models.NewTrack("https://example.com/"+title, "user-1")
	track.State = models.StateReady
	track.Title = title
	track.Duration = 215 * time.Second
	track.Thumbnail = "https://example.com/" + title + ".jpg"
	return track
}

func TestDatabase(t *testing.T) {
	db := newTestDatabase(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("RecordAndList", func(t *testing.T) {
		for i, title := range []string{"first", "second", "third"} {
			if _, err := db.RecordPlay("guild-1", playedTrack(title), base.Add(time.Duration(i)*time.Minute)); err != nil {
				t.Fatalf("Failed to record play: %v", err)
			}
		}
		if _, err := db.RecordPlay("guild-2", playedTrack("elsewhere"), base); err != nil {
			t.Fatalf("Failed to record play: %v", err)
		}

		plays, err := db.RecentPlays("guild-1", 2)
		if err != nil {
			t.Fatalf("Failed to list plays: %v", err)
		}
		if len(plays) != 2 {
			t.Fatalf("Expected 2 plays, got %d", len(plays))
		}
		if plays[0].Title != "third" || plays[1].Title != "second" {
			t.Errorf("Expected newest first, got %s, %s", plays[0].Title, plays[1].Title)
		}

		p := plays[0]
		if p.GuildID != "guild-1" || p.SourceURL != "https://example.com/third" {
			t.Errorf("Unexpected record: %+v", p)
		}
		if p.Duration != 215 || p.RequestedBy != "user-1" || p.Thumbnail == "" {
			t.Errorf("Unexpected record details: %+v", p)
		}
		if !p.PlayedAt.Equal(base.Add(2 * time.Minute)) {
			t.Errorf("Expected played_at %v, got %v", base.Add(2*time.Minute), p.PlayedAt)
		}
	})

	t.Run("CountPlays", func(t *testing.T) {
		count, err := db.CountPlays("guild-1")
		if err != nil {
			t.Fatalf("Failed to count plays: %v", err)
		}
		if count != 3 {
			t.Errorf("Expected 3 plays, got %d", count)
		}
	})

	t.Run("UnknownGuild", func(t *testing.T) {
		plays, err := db.RecentPlays("guild-none", 10)
		if err != nil {
			t.Fatalf("Failed to list plays: %v", err)
		}
		if len(plays) != 0 {
			t.Errorf("Expected no plays, got %d", len(plays))
		}
	})
}

func TestReopenKeepsHistory(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := NewDatabase(path, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	if _, err := db.RecordPlay("guild-1", playedTrack("kept"), time.Now()); err != nil {
		t.Fatalf("Failed to record play: %v", err)
	}
	db.Close()

	// Migrations must be safe to re-run on an existing file.
	db, err = NewDatabase(path, logrus.NewEntry(logger))
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db.Close()

	count, err := db.CountPlays("guild-1")
	if err != nil || count != 1 {
		t.Errorf("Expected 1 play after reopen, got %d (%v)", count, err)
	}
}

func TestPing(t *testing.T) {
	db := newTestDatabase(t)
	if err := db.Ping(); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}
