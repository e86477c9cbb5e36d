// Package store provides the typed repositories for files, sign requests and
// certificate revocation entries. Every record is JSON on top of a
// storage.Repository; mutations go through Modify helpers that retry on
// compare-and-swap conflicts, so concurrent writers never lose updates and
// never need a lock.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/jmcleod/ironsign/storage"
)

var (
	// ErrNotFound is storage.ErrNotFound re-exported for callers that only
	// import this package.
	ErrNotFound = storage.ErrNotFound

	// ErrConflict is returned when a modification kept losing CAS races.
	ErrConflict = errors.New("too many concurrent modifications")

	// ErrDuplicate is returned when creating a record whose key already exists.
	ErrDuplicate = errors.New("record already exists")
)

const (
	kindFile            = "file"
	kindFileUUID        = "file_uuid"
	kindSignRequest     = "sign_request"
	kindSignRequestUUID = "sign_request_uuid"
	kindCrlEntry        = "crl_entry"
	kindIdentity        = "signing_identity"
	kindSequence        = "sequence"

	maxCASRetries = 16
)

// Store groups the typed repositories for one signing instance.
type Store struct {
	repo      storage.Repository
	namespace string
}

// New returns a Store writing into namespace on repo.
func New(repo storage.Repository, namespace string) *Store {
	return &Store{repo: repo, namespace: namespace}
}

type versioned[T any] struct {
	value   *T
	version uint64
}

func get[T any](ctx context.Context, s *Store, kind, id string) (*versioned[T], error) {
	rec, err := s.repo.Get(ctx, s.namespace, kind, id)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(rec.Data, &v); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", kind, id, err)
	}
	return &versioned[T]{value: &v, version: rec.Version}, nil
}

func create[T any](ctx context.Context, s *Store, kind, id string, v *T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s/%s: %w", kind, id, err)
	}
	err = s.repo.PutCAS(ctx, s.namespace, kind, id, 0, &storage.Record{Data: data, Version: 1})
	if errors.Is(err, storage.ErrCASFailed) {
		return fmt.Errorf("%s/%s: %w", kind, id, ErrDuplicate)
	}
	return err
}

// modify applies fn to the current value of kind/id and writes the result
// back guarded by the version that was read. fn reports whether it changed
// anything; unchanged values are not written. fn may run several times.
func modify[T any](ctx context.Context, s *Store, kind, id string, fn func(*T) (bool, error)) (*T, bool, error) {
	for range maxCASRetries {
		cur, err := get[T](ctx, s, kind, id)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(cur.value)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return cur.value, false, nil
		}
		data, err := json.Marshal(cur.value)
		if err != nil {
			return nil, false, fmt.Errorf("encoding %s/%s: %w", kind, id, err)
		}
		err = s.repo.PutCAS(ctx, s.namespace, kind, id, cur.version, &storage.Record{Data: data, Version: cur.version + 1})
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return cur.value, true, nil
	}
	return nil, false, fmt.Errorf("%s/%s: %w", kind, id, ErrConflict)
}

func list[T any](ctx context.Context, s *Store, kind string, keep func(*T) bool) ([]*T, error) {
	ids, err := s.repo.List(ctx, s.namespace, kind)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", kind, err)
	}
	out := make([]*T, 0, len(ids))
	for _, id := range ids {
		cur, err := get[T](ctx, s, kind, id)
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted between List and Get.
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep == nil || keep(cur.value) {
			out = append(out, cur.value)
		}
	}
	return out, nil
}

type sequence struct {
	Next int64 `json:"next"`
}

// nextID allocates the next value of the named counter, starting at 1.
func (s *Store) nextID(ctx context.Context, name string) (int64, error) {
	for range maxCASRetries {
		id, err := s.tryNextID(ctx, name)
		if errors.Is(err, storage.ErrCASFailed) {
			continue
		}
		return id, err
	}
	return 0, fmt.Errorf("sequence %s: %w", name, ErrConflict)
}

func (s *Store) tryNextID(ctx context.Context, name string) (int64, error) {
	cur, err := get[sequence](ctx, s, kindSequence, name)
	var expected uint64
	seq := sequence{Next: 1}
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return 0, err
	default:
		expected = cur.version
		seq = *cur.value
	}
	id := seq.Next
	seq.Next++
	data, err := json.Marshal(seq)
	if err != nil {
		return 0, err
	}
	if err := s.repo.PutCAS(ctx, s.namespace, kindSequence, name, expected, &storage.Record{Data: data, Version: expected + 1}); err != nil {
		return 0, err
	}
	return id, nil
}

// indexEntry maps a secondary key (a uuid) to a numeric id.
type indexEntry struct {
	ID int64 `json:"id"`
}

func (s *Store) lookupIndex(ctx context.Context, kind, key string) (int64, error) {
	cur, err := get[indexEntry](ctx, s, kind, key)
	if err != nil {
		return 0, err
	}
	return cur.value.ID, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func sortByID[T any](items []*T, id func(*T) int64) {
	sort.Slice(items, func(i, j int) bool { return id(items[i]) < id(items[j]) })
}
