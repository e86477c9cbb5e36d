// Package bbolt provides a BBolt-backed storage repository. Each namespace is
// a top-level bucket; records are JSON-encoded storage.Record values under
// "kind:id" keys.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/ironsign/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(kind, id string) []byte {
	return []byte(kind + ":" + id)
}

func (s *Store) Put(_ context.Context, namespace, kind, id string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putInBucket(b, kind, id, rec)
	})
}

func (s *Store) Get(_ context.Context, namespace, kind, id string) (*storage.Record, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
		}
		data := b.Get(recordKey(kind, id))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) Delete(_ context.Context, namespace, kind, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
		}
		return deleteInBucket(b, kind, id)
	})
}

func (s *Store) List(_ context.Context, namespace, kind string) ([]string, error) {
	var ids []string
	prefix := []byte(kind + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) PutCAS(_ context.Context, namespace, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putCASInBucket(b, kind, id, expectedVersion, rec)
	})
}

func (s *Store) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}

func putInBucket(b *bbolt.Bucket, kind, id string, rec *storage.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.Put(recordKey(kind, id), data)
}

func deleteInBucket(b *bbolt.Bucket, kind, id string) error {
	key := recordKey(kind, id)
	if b.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", kind, id, storage.ErrNotFound)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, kind, id string, expectedVersion uint64, rec *storage.Record) error {
	existingData := b.Get(recordKey(kind, id))

	if existingData == nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return putInBucket(b, kind, id, rec)
	}
	var existing storage.Record
	if err := json.Unmarshal(existingData, &existing); err != nil {
		return err
	}
	if existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return putInBucket(b, kind, id, rec)
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Put(kind, id string, rec *storage.Record) error {
	return putInBucket(tx.bucket, kind, id, rec)
}

func (tx *boltBatchTx) PutCAS(kind, id string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInBucket(tx.bucket, kind, id, expectedVersion, rec)
}

func (tx *boltBatchTx) Delete(kind, id string) error {
	return deleteInBucket(tx.bucket, kind, id)
}
