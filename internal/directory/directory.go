// Package directory resolves notification recipients from the user store.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tinywideclouds/go-unitalert-service/pkg/dispatch"
)

// ErrNotFound is returned by a Store when a user key does not exist.
var ErrNotFound = errors.New("user not found")

// UserRecord is the typed shape of one entry under /users.
// Every optional field has a usable zero value.
type UserRecord struct {
	UserID              string           `json:"userId" firestore:"userId"`
	FirstName           string           `json:"firstName" firestore:"firstName"`
	LastName            string           `json:"lastName,omitempty" firestore:"lastName"`
	Admin               bool             `json:"admin,omitempty" firestore:"admin"`
	PushToken           string           `json:"pushToken,omitempty" firestore:"pushToken"`
	Platform            string           `json:"platform,omitempty" firestore:"platform"`
	Profile             string           `json:"profile,omitempty" firestore:"profile"`
	Muted               bool             `json:"muted,omitempty" firestore:"muted"`
	UnitTakenTimestamps map[string]int64 `json:"unitTakenTimestamps,omitempty" firestore:"unitTakenTimestamps"`
}

// Transport maps the stored platform onto a push transport.
// Unknown platforms resolve to the empty transport.
func (u UserRecord) Transport() dispatch.Transport {
	switch strings.ToLower(strings.TrimSpace(u.Platform)) {
	case "android":
		return dispatch.TransportGateway
	case "ios":
		return dispatch.TransportNative
	default:
		return ""
	}
}

// Environment is production only for production builds.
func (u UserRecord) Environment() dispatch.Environment {
	if strings.EqualFold(strings.TrimSpace(u.Profile), "production") {
		return dispatch.EnvironmentProduction
	}
	return dispatch.EnvironmentSandbox
}

// Recipient converts the record into a delivery target keyed by the directory key.
func (u UserRecord) Recipient(key string) dispatch.Recipient {
	return dispatch.Recipient{
		ID:          key,
		Transport:   u.Transport(),
		Environment: u.Environment(),
		Token:       strings.TrimSpace(u.PushToken),
		Muted:       u.Muted,
	}
}

// Store is a read-only view of the user directory.
type Store interface {
	// Users returns the full directory snapshot keyed by directory key.
	Users(ctx context.Context) (map[string]UserRecord, error)
	// User returns one entry or ErrNotFound.
	User(ctx context.Context, key string) (UserRecord, error)
}

// Filter selects a subset of the directory.
type Filter struct {
	name  string
	key   string
	match func(UserRecord) bool
}

func (f Filter) String() string { return f.name }

// Admins selects every admin-flagged user.
func Admins() Filter {
	return Filter{name: "admins", match: func(u UserRecord) bool { return u.Admin }}
}

// NonAdmins selects every user without the admin flag.
func NonAdmins() Filter {
	return Filter{name: "non_admins", match: func(u UserRecord) bool { return !u.Admin }}
}

// Everyone selects the whole directory.
func Everyone() Filter {
	return Filter{name: "everyone", match: func(UserRecord) bool { return true }}
}

// Single selects one user by directory key.
func Single(key string) Filter {
	return Filter{name: "single", key: key}
}

// Directory answers recipient and subject lookups against a Store.
type Directory struct {
	store Store
}

func New(store Store) *Directory {
	return &Directory{store: store}
}

// Resolve returns the recipients matched by the filter. An empty directory, or
// a missing single user, yields an empty map.
func (d *Directory) Resolve(ctx context.Context, filter Filter) (map[string]dispatch.Recipient, error) {
	out := make(map[string]dispatch.Recipient)

	if filter.key != "" {
		u, err := d.store.User(ctx, filter.key)
		if errors.Is(err, ErrNotFound) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("directory lookup %q failed: %w", filter.key, err)
		}
		out[filter.key] = u.Recipient(filter.key)
		return out, nil
	}

	users, err := d.store.Users(ctx)
	if err != nil {
		return nil, fmt.Errorf("directory snapshot failed: %w", err)
	}
	for key, u := range users {
		if filter.match == nil || filter.match(u) {
			out[key] = u.Recipient(key)
		}
	}
	return out, nil
}

// Lookup returns the user stored under key.
func (d *Directory) Lookup(ctx context.Context, key string) (UserRecord, error) {
	u, err := d.store.User(ctx, key)
	if err != nil {
		return UserRecord{}, fmt.Errorf("directory lookup %q: %w", key, err)
	}
	return u, nil
}

// FindByUserID scans the snapshot for the entry whose userId field matches uid.
// Directory keys and auth uids are not guaranteed to be the same value.
func (d *Directory) FindByUserID(ctx context.Context, uid string) (string, UserRecord, error) {
	users, err := d.store.Users(ctx)
	if err != nil {
		return "", UserRecord{}, fmt.Errorf("directory snapshot failed: %w", err)
	}
	if u, ok := users[uid]; ok && (u.UserID == "" || u.UserID == uid) {
		return uid, u, nil
	}
	for key, u := range users {
		if u.UserID == uid {
			return key, u, nil
		}
	}
	return "", UserRecord{}, fmt.Errorf("user %q: %w", uid, ErrNotFound)
}
