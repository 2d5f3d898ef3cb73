package server

import (
	"errors"
	"net/http"
	"time"

	"encore/internal/player"
	"encore/internal/session"
	"encore/pkg/models"
)

// SessionStatus is one live session with its queue.
type SessionStatus struct {
	ID        string          `json:"id"`
	GuildID   string          `json:"guildId"`
	ChannelID string          `json:"channelId"`
	CreatedAt time.Time       `json:"createdAt"`
	Deaf      bool            `json:"deaf"`
	Queue     player.Snapshot `json:"queue"`
}

func sessionStatus(s *session.Session) SessionStatus {
	return SessionStatus{
		ID:        s.ID,
		GuildID:   s.GuildID,
		ChannelID: s.ChannelID,
		CreatedAt: s.CreatedAt,
		Deaf:      s.Deaf(),
		Queue:     s.Queue.Snapshot(),
	}
}

// handleGetSessions returns all live sessions
func (ss *StatusServer) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sessions := ss.sessions.Sessions()
	statuses := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		statuses = append(statuses, sessionStatus(s))
	}

	ss.respondJSON(w, map[string]interface{}{
		"sessions": statuses,
		"count":    len(statuses),
	})
}

// handleGetSession returns one guild's session
func (ss *StatusServer) handleGetSession(w http.ResponseWriter, r *http.Request) {
	guildID := r.PathValue("guildID")
	if verr := validateGuildID(guildID); verr != nil {
		ss.respondWithValidationError(w, r, []ValidationError{*verr})
		return
	}

	s, err := ss.sessions.Get(guildID)
	if errors.Is(err, session.ErrNoActiveSession) {
		ss.respondWithError(w, r, http.StatusNotFound, "No active session for guild", nil)
		return
	}
	if err != nil {
		ss.respondWithError(w, r, http.StatusInternalServerError, "Failed to look up session", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	ss.respondJSON(w, sessionStatus(s))
}

// handleGetHistory returns a guild's recently played tracks
func (ss *StatusServer) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if ss.history == nil {
		ss.respondWithError(w, r, http.StatusNotFound, "Play history is disabled", nil)
		return
	}

	guildID := r.PathValue("guildID")
	var verrs []ValidationError
	if verr := validateGuildID(guildID); verr != nil {
		verrs = append(verrs, *verr)
	}
	limit, verr := validateLimit(r.URL.Query().Get("limit"), 25, 100)
	if verr != nil {
		verrs = append(verrs, *verr)
	}
	if len(verrs) > 0 {
		ss.respondWithValidationError(w, r, verrs)
		return
	}

	plays, err := ss.history.RecentPlays(guildID, limit)
	if err != nil {
		ss.respondWithError(w, r, http.StatusInternalServerError, "Failed to read play history", err)
		return
	}
	total, err := ss.history.CountPlays(guildID)
	if err != nil {
		ss.respondWithError(w, r, http.StatusInternalServerError, "Failed to count plays", err)
		return
	}
	if plays == nil {
		plays = []models.PlayRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	ss.respondJSON(w, map[string]interface{}{
		"guildId": guildID,
		"plays":   plays,
		"total":   total,
	})
}
