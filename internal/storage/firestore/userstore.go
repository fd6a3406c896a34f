package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-unitalert-service/internal/directory"
)

const usersCollection = "users"

// UserStore implements directory.Store on top of a Firestore "users" collection,
// one document per directory key.
type UserStore struct {
	client *firestore.Client
}

func NewUserStore(client *firestore.Client) *UserStore {
	return &UserStore{client: client}
}

func (s *UserStore) Users(ctx context.Context) (map[string]directory.UserRecord, error) {
	iter := s.client.Collection(usersCollection).Documents(ctx)
	defer iter.Stop()

	users := make(map[string]directory.UserRecord)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var record directory.UserRecord
		if err := doc.DataTo(&record); err != nil {
			// Corrupt rows are skipped, the rest of the directory is still usable.
			continue
		}
		users[doc.Ref.ID] = record
	}
	return users, nil
}

func (s *UserStore) User(ctx context.Context, key string) (directory.UserRecord, error) {
	doc, err := s.client.Collection(usersCollection).Doc(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return directory.UserRecord{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.UserRecord{}, fmt.Errorf("firestore get %q failed: %w", key, err)
	}

	var record directory.UserRecord
	if err := doc.DataTo(&record); err != nil {
		return directory.UserRecord{}, fmt.Errorf("firestore decode %q failed: %w", key, err)
	}
	return record, nil
}

// PutUser writes a user document. The service never writes to the directory;
// this exists for seeding emulators and local environments.
func (s *UserStore) PutUser(ctx context.Context, key string, record directory.UserRecord) error {
	_, err := s.client.Collection(usersCollection).Doc(key).Set(ctx, record)
	return err
}
