package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/storage"
)

// GetSigningIdentity returns the long-lived identity of userID.
func (s *Store) GetSigningIdentity(ctx context.Context, userID string) (*model.SigningIdentity, error) {
	cur, err := get[model.SigningIdentity](ctx, s, kindIdentity, userID)
	if err != nil {
		return nil, err
	}
	return cur.value, nil
}

// PutSigningIdentity stores id, replacing any previous identity of the
// same user.
func (s *Store) PutSigningIdentity(ctx context.Context, id *model.SigningIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	return s.repo.Put(ctx, s.namespace, kindIdentity, id.UserID, &storage.Record{Data: data, Version: 1})
}

// DeleteSigningIdentity removes the identity of userID. Missing is not an error.
func (s *Store) DeleteSigningIdentity(ctx context.Context, userID string) error {
	err := s.repo.Delete(ctx, s.namespace, kindIdentity, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
