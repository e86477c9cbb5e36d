// Package storagetest holds the behavioural checks every storage.Repository
// backend must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/jmcleod/ironsign/storage"
)

// Run exercises repo against the storage.Repository contract. The namespace
// is used for every record so callers may share one backing database.
func Run(t *testing.T, repo storage.Repository, namespace string) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		rec := &storage.Record{Data: []byte(`{"status":1}`), Version: 1}
		if err := repo.Put(ctx, namespace, "file", "1", rec); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, namespace, "file", "1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if !bytes.Equal(got.Data, rec.Data) || got.Version != rec.Version {
			t.Errorf("Get returned wrong record: %+v", got)
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, namespace, "file", "missing")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		_, err = repo.Get(ctx, namespace+"-other", "file", "1")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for other namespace, got %v", err)
		}
	})

	t.Run("List", func(t *testing.T) {
		for _, id := range []string{"a", "b", "c"} {
			if err := repo.Put(ctx, namespace, "listkind", id, &storage.Record{Data: []byte("{}"), Version: 1}); err != nil {
				t.Fatalf("Put %s failed: %v", id, err)
			}
		}
		if err := repo.Put(ctx, namespace, "listkind2", "z", &storage.Record{Data: []byte("{}"), Version: 1}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		ids, err := repo.List(ctx, namespace, "listkind")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		sort.Strings(ids)
		if fmt.Sprint(ids) != "[a b c]" {
			t.Errorf("unexpected ids: %v", ids)
		}
		ids, err = repo.List(ctx, namespace+"-empty", "listkind")
		if err != nil {
			t.Fatalf("List on empty namespace failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no ids, got %v", ids)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Put(ctx, namespace, "delkind", "x", &storage.Record{Data: []byte("{}"), Version: 1}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := repo.Delete(ctx, namespace, "delkind", "x"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, namespace, "delkind", "x"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, namespace, "delkind", "x"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		if err := repo.PutCAS(ctx, namespace, "cas", "1", 0, &storage.Record{Data: []byte(`"v1"`), Version: 1}); err != nil {
			t.Fatalf("initial PutCAS failed: %v", err)
		}
		if err := repo.PutCAS(ctx, namespace, "cas", "1", 0, &storage.Record{Data: []byte(`"dup"`), Version: 1}); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on create-over-existing, got %v", err)
		}
		if err := repo.PutCAS(ctx, namespace, "cas", "1", 1, &storage.Record{Data: []byte(`"v2"`), Version: 2}); err != nil {
			t.Fatalf("PutCAS with matching version failed: %v", err)
		}
		if err := repo.PutCAS(ctx, namespace, "cas", "1", 1, &storage.Record{Data: []byte(`"stale"`), Version: 2}); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
		if err := repo.PutCAS(ctx, namespace, "cas", "missing", 3, &storage.Record{Data: []byte(`"x"`), Version: 4}); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on missing record, got %v", err)
		}
		got, err := repo.Get(ctx, namespace, "cas", "1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if string(got.Data) != `"v2"` || got.Version != 2 {
			t.Errorf("unexpected record after CAS: %+v", got)
		}
	})

	t.Run("ConcurrentPutCAS", func(t *testing.T) {
		if err := repo.PutCAS(ctx, namespace, "race", "1", 0, &storage.Record{Data: []byte("0"), Version: 1}); err != nil {
			t.Fatalf("seed PutCAS failed: %v", err)
		}
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := repo.PutCAS(ctx, namespace, "race", "1", 1, &storage.Record{Data: []byte(fmt.Sprint(i)), Version: 2})
				if err == nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if winners != 1 {
			t.Errorf("expected exactly one CAS winner, got %d", winners)
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			if err := tx.Put("batch", "a", &storage.Record{Data: []byte(`"a"`), Version: 1}); err != nil {
				return err
			}
			return tx.PutCAS("batch", "b", 0, &storage.Record{Data: []byte(`"b"`), Version: 1})
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		for _, id := range []string{"a", "b"} {
			if _, err := repo.Get(ctx, namespace, "batch", id); err != nil {
				t.Errorf("expected %s committed: %v", id, err)
			}
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		sentinel := errors.New("abort")
		err := repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
			if err := tx.Put("rollback", "a", &storage.Record{Data: []byte(`"a"`), Version: 1}); err != nil {
				return err
			}
			return sentinel
		})
		if !errors.Is(err, sentinel) {
			t.Fatalf("expected sentinel error, got %v", err)
		}
		if _, err := repo.Get(ctx, namespace, "rollback", "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected rolled back write to be absent, got %v", err)
		}
	})
}
