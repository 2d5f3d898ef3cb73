package ngrok

import (
	"context"
	"errors"
	"fmt"

	"encore/internal/config"

	"github.com/sirupsen/logrus"
	"golang.ngrok.com/ngrok/v2"
)

// ErrNoAuthToken is returned when the tunnel is enabled without a token.
var ErrNoAuthToken = errors.New("ngrok auth token not found, set NGROK_AUTHTOKEN or ngrok.auth_token")

// Service represents the ngrok tunnel service
type Service struct {
	config *config.NgrokConfig
	agent  ngrok.Agent
	tunnel ngrok.EndpointForwarder
	logger *logrus.Entry
}

// NewService creates a new ngrok service instance. It returns a nil service
// when the tunnel is disabled; every method is safe on a nil service.
func NewService(cfg *config.NgrokConfig, logger *logrus.Entry) (*Service, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AuthToken == "" {
		return nil, ErrNoAuthToken
	}

	agent, err := ngrok.NewAgent(ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		return nil, fmt.Errorf("failed to create ngrok agent: %w", err)
	}

	return &Service{
		config: cfg,
		agent:  agent,
		logger: logger,
	}, nil
}

// StartTunnel forwards a public endpoint to the status server at
// localAddress.
func (s *Service) StartTunnel(ctx context.Context, localAddress string) error {
	if s == nil {
		return nil
	}

	s.logger.Info("Starting ngrok tunnel")

	var endpointOpts []ngrok.EndpointOption
	if s.config.Domain != "" {
		endpointOpts = append(endpointOpts, ngrok.WithURL(s.config.Domain))
	}

	tunnel, err := s.agent.Forward(ctx, ngrok.WithUpstream(localAddress), endpointOpts...)
	if err != nil {
		return fmt.Errorf("failed to create ngrok tunnel: %w", err)
	}
	s.tunnel = tunnel

	s.logger.WithFields(logrus.Fields{
		"public_url": tunnel.URL().String(),
		"upstream":   localAddress,
	}).Info("Ngrok tunnel active")
	return nil
}

// PublicURL returns the public URL of the tunnel, or "" when there is none.
func (s *Service) PublicURL() string {
	if s == nil || s.tunnel == nil {
		return ""
	}
	return s.tunnel.URL().String()
}

// Stop closes the tunnel.
func (s *Service) Stop() error {
	if s == nil || s.tunnel == nil {
		return nil
	}

	s.logger.Info("Stopping ngrok tunnel")
	return s.tunnel.Close()
}
