// Package server exposes a small read-only HTTP status API: liveness, the
// live sessions with their queues, and per-guild play history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"encore/internal/config"
	"encore/internal/ngrok"
	"encore/internal/session"
	"encore/pkg/models"

	"github.com/sirupsen/logrus"
)

// SessionSource lists live sessions.
type SessionSource interface {
	Sessions() []*session.Session
	Get(guildID string) (*session.Session, error)
}

// HistoryStore reads play history.
type HistoryStore interface {
	RecentPlays(guildID string, limit int) ([]models.PlayRecord, error)
	CountPlays(guildID string) (int, error)
	Ping() error
}

// StatusServer serves the status API.
type StatusServer struct {
	config    *config.Config
	sessions  SessionSource
	history   HistoryStore
	tunnel    *ngrok.Service
	logger    *logrus.Entry
	startedAt time.Time
	handler   http.Handler
}

// NewStatusServer creates a status server. history and tunnel may be nil.
func NewStatusServer(cfg *config.Config, sessions SessionSource, history HistoryStore, tunnel *ngrok.Service, logger *logrus.Entry) *StatusServer {
	ss := &StatusServer{
		config:    cfg,
		sessions:  sessions,
		history:   history,
		tunnel:    tunnel,
		logger:    logger,
		startedAt: time.Now(),
	}
	ss.handler = ss.routes()
	return ss
}

// Handler returns the status API with its middleware applied.
func (ss *StatusServer) Handler() http.Handler {
	return ss.handler
}

func (ss *StatusServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", ss.handleHealthCheck)
	mux.HandleFunc("GET /api/sessions", ss.handleGetSessions)
	mux.HandleFunc("GET /api/sessions/{guildID}", ss.handleGetSession)
	mux.HandleFunc("GET /api/history/{guildID}", ss.handleGetHistory)

	var handler http.Handler = mux
	handler = ss.corsMiddleware(handler)
	handler = ss.requestLoggingMiddleware(handler)
	handler = ss.panicRecoveryMiddleware(handler)
	return handler
}

// Run listens on the configured address, opens the ngrok tunnel if there is
// one and serves until ctx is cancelled.
func (ss *StatusServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", ss.config.GetAddress())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ss.config.GetAddress(), err)
	}

	server := &http.Server{
		Handler:     ss.handler,
		ReadTimeout: time.Duration(ss.config.Server.ReadTimeout) * time.Second,
	}

	localAddress := fmt.Sprintf("http://%s", listener.Addr().String())
	ss.logger.WithField("address", localAddress).Info("Status server listening")

	if err := ss.tunnel.StartTunnel(ctx, localAddress); err != nil {
		ss.logger.WithError(err).Warn("Could not start ngrok tunnel")
	} else {
		defer ss.tunnel.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ss.logger.Info("Shutting down status server")
	return server.Shutdown(shutdownCtx)
}

// respondJSON writes v as the JSON response body.
func (ss *StatusServer) respondJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ss.logger.WithError(err).Warn("Failed to encode response")
	}
}
