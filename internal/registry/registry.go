// Package registry owns the long-lived native push sessions.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-unitalert-service/internal/platform/apns"
	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

// Opener creates a session for a delivery environment. *apns.Factory satisfies it.
type Opener interface {
	Open(env dispatch.Environment) (apns.Session, error)
}

// Key identifies one shared session.
type Key struct {
	Transport   dispatch.Transport
	Environment dispatch.Environment
}

// Registry holds at most one session per (transport, environment) pair.
// It is the only owner of those sessions.
type Registry struct {
	opener Opener
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Key]apns.Session
}

func New(opener Opener, logger *slog.Logger) *Registry {
	return &Registry{
		opener:   opener,
		logger:   logger.With("component", "ProviderRegistry"),
		sessions: make(map[Key]apns.Session),
	}
}

// EnsureSession returns the session serving r, opening it on first use.
// Gateway recipients need no session and get nil.
func (r *Registry) EnsureSession(_ context.Context, rcpt dispatch.Recipient) (apns.Session, error) {
	if rcpt.Transport != dispatch.TransportNative {
		return nil, nil
	}
	env := rcpt.Environment
	if env == "" {
		env = dispatch.EnvironmentSandbox
	}
	key := Key{Transport: dispatch.TransportNative, Environment: env}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	s, err := r.opener.Open(env)
	if err != nil {
		return nil, fmt.Errorf("open %s session: %w", env, err)
	}
	r.sessions[key] = s
	r.logger.Info("Native session created", "environment", string(env), "recipient_id", rcpt.ID)
	return s, nil
}

// ShutdownAll releases every session and empties the registry.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, s := range r.sessions {
		s.Shutdown()
		delete(r.sessions, key)
	}
	r.logger.Debug("Registry cleared")
}

// Len reports how many sessions are open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
