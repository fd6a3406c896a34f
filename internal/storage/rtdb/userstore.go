// Package rtdb reads the user directory from the Firebase Realtime Database.
package rtdb

import (
	"context"
	"fmt"
	"strings"

	"firebase.google.com/go/v4/db"

	"github.com/tinywideclouds/go-unitalert-service/internal/directory"
)

const usersPath = "users"

// RefClient is the subset of *db.Client we use.
type RefClient interface {
	NewRef(path string) *db.Ref
}

// UserStore implements directory.Store against /users.
type UserStore struct {
	client RefClient
}

func NewUserStore(client RefClient) *UserStore {
	return &UserStore{client: client}
}

func (s *UserStore) Users(ctx context.Context) (map[string]directory.UserRecord, error) {
	var users map[string]directory.UserRecord
	if err := s.client.NewRef(usersPath).Get(ctx, &users); err != nil {
		return nil, fmt.Errorf("rtdb read %s failed: %w", usersPath, err)
	}
	if users == nil {
		users = make(map[string]directory.UserRecord)
	}
	return users, nil
}

func (s *UserStore) User(ctx context.Context, key string) (directory.UserRecord, error) {
	if key == "" || strings.ContainsAny(key, ".#$[]/") {
		return directory.UserRecord{}, fmt.Errorf("invalid user key %q", key)
	}

	// A null node leaves the pointer nil.
	var record *directory.UserRecord
	if err := s.client.NewRef(usersPath+"/"+key).Get(ctx, &record); err != nil {
		return directory.UserRecord{}, fmt.Errorf("rtdb read %s/%s failed: %w", usersPath, key, err)
	}
	if record == nil {
		return directory.UserRecord{}, directory.ErrNotFound
	}
	return *record, nil
}
