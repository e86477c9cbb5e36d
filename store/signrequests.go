package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/ironsign/model"
)

// CreateSignRequest assigns an id and uuid and persists r.
func (s *Store) CreateSignRequest(ctx context.Context, r *model.SignRequest) error {
	id, err := s.nextID(ctx, kindSignRequest)
	if err != nil {
		return fmt.Errorf("allocating sign request id: %w", err)
	}
	r.ID = id
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := createIndexed(ctx, s, kindSignRequest, kindSignRequestUUID, r.ID, r.UUID, r); err != nil {
		return fmt.Errorf("storing sign request: %w", err)
	}
	return nil
}

func (s *Store) GetSignRequest(ctx context.Context, id int64) (*model.SignRequest, error) {
	cur, err := get[model.SignRequest](ctx, s, kindSignRequest, formatID(id))
	if err != nil {
		return nil, err
	}
	return cur.value, nil
}

func (s *Store) GetSignRequestByUUID(ctx context.Context, requestUUID string) (*model.SignRequest, error) {
	id, err := s.lookupIndex(ctx, kindSignRequestUUID, requestUUID)
	if err != nil {
		return nil, err
	}
	return s.GetSignRequest(ctx, id)
}

// ModifySignRequest applies fn under optimistic concurrency. See modify.
func (s *Store) ModifySignRequest(ctx context.Context, id int64, fn func(*model.SignRequest) (bool, error)) (*model.SignRequest, bool, error) {
	return modify(ctx, s, kindSignRequest, formatID(id), fn)
}

// ListSignRequests returns every sign request keep accepts, ordered by id.
func (s *Store) ListSignRequests(ctx context.Context, keep func(*model.SignRequest) bool) ([]*model.SignRequest, error) {
	reqs, err := list(ctx, s, kindSignRequest, keep)
	if err != nil {
		return nil, err
	}
	sortByID(reqs, func(r *model.SignRequest) int64 { return r.ID })
	return reqs, nil
}

// ListSignRequestsByFile returns the sign requests attached to fileID.
func (s *Store) ListSignRequestsByFile(ctx context.Context, fileID int64) ([]*model.SignRequest, error) {
	return s.ListSignRequests(ctx, func(r *model.SignRequest) bool { return r.FileID == fileID })
}

// SignRequestsByFile groups the sign requests of the given files.
func (s *Store) SignRequestsByFile(ctx context.Context, fileIDs []int64) (map[int64][]*model.SignRequest, error) {
	want := make(map[int64]bool, len(fileIDs))
	for _, id := range fileIDs {
		want[id] = true
	}
	reqs, err := s.ListSignRequests(ctx, func(r *model.SignRequest) bool { return want[r.FileID] })
	if err != nil {
		return nil, err
	}
	out := make(map[int64][]*model.SignRequest, len(fileIDs))
	for _, r := range reqs {
		out[r.FileID] = append(out[r.FileID], r)
	}
	return out, nil
}

// ListSignRequestsByUser returns the sign requests assigned to userID.
func (s *Store) ListSignRequestsByUser(ctx context.Context, userID string) ([]*model.SignRequest, error) {
	return s.ListSignRequests(ctx, func(r *model.SignRequest) bool { return r.UserID == userID })
}
