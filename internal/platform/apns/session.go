// Package apns provides sessions against the Apple Push Notification service.
package apns

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// IdleCloser releases pooled HTTP/2 connections. *http.Client satisfies it.
type IdleCloser interface {
	CloseIdleConnections()
}

// Session is one live, signed connection to an APNs environment.
type Session interface {
	Send(ctx context.Context, n *apns2.Notification) error
	Shutdown()
}

// Credentials hold the token-signing material shared by every environment.
type Credentials struct {
	KeyID  string
	TeamID string
	// P8KeyContent is the raw content of the .p8 file. KeyPath is used when empty.
	P8KeyContent string
	KeyPath      string
}

// ErrSessionClosed is returned by Send after Shutdown.
var ErrSessionClosed = errors.New("apns session closed")

// RejectedError carries the APNs rejection for a single notification.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("apns rejected notification: %d %s", e.StatusCode, e.Reason)
}

type session struct {
	client APNSClient
	idle   IdleCloser
	env    dispatch.Environment
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewSession wraps an existing client. Used by the factory and by tests.
func NewSession(client APNSClient, idle IdleCloser, env dispatch.Environment, logger *slog.Logger) Session {
	return &session{
		client: client,
		idle:   idle,
		env:    env,
		logger: logger.With("component", "APNSSession", "environment", string(env)),
	}
}

func (s *session) Send(ctx context.Context, n *apns2.Notification) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSessionClosed
	}

	res, err := s.client.PushWithContext(ctx, n)
	if err != nil {
		s.logger.Error("APNs transport failed", "err", err)
		return fmt.Errorf("apns transport failed: %w", err)
	}
	if !res.Sent() {
		s.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
		return &RejectedError{StatusCode: res.StatusCode, Reason: res.Reason}
	}
	return nil
}

func (s *session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if s.idle != nil {
		s.idle.CloseIdleConnections()
	}
}

// Factory opens sessions for a delivery environment.
type Factory struct {
	authKey *ecdsa.PrivateKey
	creds   Credentials
	logger  *slog.Logger
}

// NewFactory parses the signing key once so bad credentials fail at startup.
func NewFactory(creds Credentials, logger *slog.Logger) (*Factory, error) {
	var (
		authKey *ecdsa.PrivateKey
		err     error
	)
	switch {
	case creds.P8KeyContent != "":
		authKey, err = token.AuthKeyFromBytes([]byte(creds.P8KeyContent))
	case creds.KeyPath != "":
		authKey, err = token.AuthKeyFromFile(creds.KeyPath)
	default:
		return nil, errors.New("apns signing key missing: set key content or key path")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}
	if creds.KeyID == "" || creds.TeamID == "" {
		return nil, errors.New("apns key id and team id are required")
	}
	return &Factory{authKey: authKey, creds: creds, logger: logger}, nil
}

// Open creates a session bound to the production or development host.
func (f *Factory) Open(env dispatch.Environment) (Session, error) {
	tokenSource := &token.Token{
		AuthKey: f.authKey,
		KeyID:   f.creds.KeyID,
		TeamID:  f.creds.TeamID,
	}

	client := apns2.NewTokenClient(tokenSource)
	if env == dispatch.EnvironmentProduction {
		client = client.Production()
	} else {
		client = client.Development()
	}
	f.logger.Info("APNs session opened", "environment", string(env), "host", client.Host)
	return NewSession(client, client.HTTPClient, env, f.logger), nil
}

// ErrNotConfigured is returned when no signing key was provided.
var ErrNotConfigured = errors.New("apns credentials not configured")

// Unconfigured refuses to open sessions. Native recipients then fail per
// recipient while the gateway keeps working.
type Unconfigured struct{}

func (Unconfigured) Open(dispatch.Environment) (Session, error) {
	return nil, ErrNotConfigured
}
