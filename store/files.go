package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/storage"
)

// createIndexed writes a record and its uuid index in one batch.
func createIndexed(ctx context.Context, s *Store, kind, indexKind string, id int64, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%d: %w", kind, id, err)
	}
	idx, err := json.Marshal(indexEntry{ID: id})
	if err != nil {
		return err
	}
	err = s.repo.Batch(ctx, s.namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(kind, formatID(id), 0, &storage.Record{Data: data, Version: 1}); err != nil {
			return err
		}
		return tx.PutCAS(indexKind, key, 0, &storage.Record{Data: idx, Version: 1})
	})
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%s/%d: %w", kind, id, ErrDuplicate)
	}
	return err
}

// CreateFile assigns an id, a uuid when missing, and creation timestamps,
// then persists f.
func (s *Store) CreateFile(ctx context.Context, f *model.File) error {
	id, err := s.nextID(ctx, kindFile)
	if err != nil {
		return fmt.Errorf("allocating file id: %w", err)
	}
	f.ID = id
	if f.UUID == "" {
		f.UUID = uuid.NewString()
	}
	if f.NodeType == "" {
		f.NodeType = model.NodeTypeFile
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Metadata.StatusChangedAt == nil {
		f.Metadata.Touch(now)
	}
	if err := createIndexed(ctx, s, kindFile, kindFileUUID, f.ID, f.UUID, f); err != nil {
		return fmt.Errorf("storing file: %w", err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id int64) (*model.File, error) {
	cur, err := get[model.File](ctx, s, kindFile, formatID(id))
	if err != nil {
		return nil, err
	}
	return cur.value, nil
}

func (s *Store) GetFileByUUID(ctx context.Context, fileUUID string) (*model.File, error) {
	id, err := s.lookupIndex(ctx, kindFileUUID, fileUUID)
	if err != nil {
		return nil, err
	}
	return s.GetFile(ctx, id)
}

// ModifyFile applies fn under optimistic concurrency. See modify.
func (s *Store) ModifyFile(ctx context.Context, id int64, fn func(*model.File) (bool, error)) (*model.File, bool, error) {
	return modify(ctx, s, kindFile, formatID(id), func(f *model.File) (bool, error) {
		changed, err := fn(f)
		if changed && err == nil {
			f.UpdatedAt = time.Now().UTC()
		}
		return changed, err
	})
}

// ListFiles returns every file keep accepts, ordered by id. A nil keep
// returns all files.
func (s *Store) ListFiles(ctx context.Context, keep func(*model.File) bool) ([]*model.File, error) {
	files, err := list(ctx, s, kindFile, keep)
	if err != nil {
		return nil, err
	}
	sortByID(files, func(f *model.File) int64 { return f.ID })
	return files, nil
}

// ListChildren returns the files of an envelope.
func (s *Store) ListChildren(ctx context.Context, envelopeID int64) ([]*model.File, error) {
	return s.ListFiles(ctx, func(f *model.File) bool {
		return f.ParentID != nil && *f.ParentID == envelopeID
	})
}

// ListFilesByOwner returns the files owned by userID.
func (s *Store) ListFilesByOwner(ctx context.Context, userID string) ([]*model.File, error) {
	return s.ListFiles(ctx, func(f *model.File) bool { return f.UserID == userID })
}

// ListStaleSigning returns files whose in-progress marker is older than
// timeout. Deleted files never match.
func (s *Store) ListStaleSigning(ctx context.Context, now time.Time, timeout time.Duration) ([]*model.File, error) {
	return s.ListFiles(ctx, func(f *model.File) bool {
		return f.Status != model.StatusDeleted && f.Metadata.SigningStale(now, timeout)
	})
}
