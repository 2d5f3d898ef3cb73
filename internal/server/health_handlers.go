package server

import (
	"net/http"
	"time"
)

// HealthStatus represents operational status for the /health endpoint.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Database  string                 `json:"database"`
	Sessions  int                    `json:"activeSessions"`
	PublicURL string                 `json:"publicUrl,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// handleHealthCheck returns basic liveness + dependency checks.
func (ss *StatusServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Uptime:    time.Since(ss.startedAt).Round(time.Second).String(),
		Database:  "ok",
		Sessions:  len(ss.sessions.Sessions()),
		PublicURL: ss.tunnel.PublicURL(),
		Details:   make(map[string]interface{}),
	}

	if ss.history == nil {
		health.Database = "disabled"
	} else if err := ss.history.Ping(); err != nil {
		health.Status = "unhealthy"
		health.Database = "error"
		health.Details["database_error"] = err.Error()
	}

	if health.Status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	ss.respondJSON(w, health)
}
