// Package storage provides the storage abstraction layer for versioned
// signing records. Records live in a namespace (one per signing instance)
// and are addressed by kind and id. Every backend implements the same
// compare-and-swap contract so that status transitions can be guarded by the
// version the caller last observed.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored value together with its optimistic-concurrency version.
// Version 0 means "never stored"; backends persist whatever Version the
// caller sets, callers conventionally write expected+1.
type Record struct {
	Data    []byte `json:"data"`
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{Data: append([]byte(nil), r.Data...), Version: r.Version}
}

// BatchTx provides writes within an atomic transaction.
// The namespace is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(kind string, id string, rec *Record) error
	PutCAS(kind string, id string, expectedVersion uint64, rec *Record) error
	Delete(kind string, id string) error
}

// Repository defines the interface for versioned record storage.
//
// PutCAS with expectedVersion 0 succeeds only when the record does not exist
// yet; any other value must match the stored version exactly.
type Repository interface {
	Put(ctx context.Context, namespace, kind, id string, rec *Record) error
	Get(ctx context.Context, namespace, kind, id string) (*Record, error)
	List(ctx context.Context, namespace, kind string) ([]string, error)
	PutCAS(ctx context.Context, namespace, kind, id string, expectedVersion uint64, rec *Record) error
	Delete(ctx context.Context, namespace, kind, id string) error
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
