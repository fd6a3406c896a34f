package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-unitalert-service/internal/directory"
)

const snapshotKey = "unitalert:directory:users"

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedUserStore decorates a directory.Store with a read-aside cache of the
// full snapshot. Single-user reads always go to the real store: the threshold
// trigger needs the freshest unit history.
type CachedUserStore struct {
	realStore directory.Store
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
}

func NewCachedUserStore(realStore directory.Store, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedUserStore {
	return &CachedUserStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedUserStore"),
	}
}

func (s *CachedUserStore) Users(ctx context.Context) (map[string]directory.UserRecord, error) {
	var cached map[string]directory.UserRecord
	if err := s.cache.Get(ctx, snapshotKey, &cached); err == nil && cached != nil {
		return cached, nil
	}

	fresh, err := s.realStore.Users(ctx)
	if err != nil {
		return nil, err
	}

	// Caching is an optimisation: if Redis is down we still serve from the store.
	if err := s.cache.Set(ctx, snapshotKey, fresh, s.ttl); err != nil {
		s.logger.Warn("Failed to refresh directory cache", "err", err)
	}
	return fresh, nil
}

func (s *CachedUserStore) User(ctx context.Context, key string) (directory.UserRecord, error) {
	return s.realStore.User(ctx, key)
}

// Invalidate drops the cached snapshot so the next read hits the store.
func (s *CachedUserStore) Invalidate(ctx context.Context) error {
	return s.cache.Del(ctx, snapshotKey)
}
