package memory

import (
	"context"
	"testing"

	"github.com/jmcleod/ironsign/storage"
	"github.com/jmcleod/ironsign/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository(), "instance1")
}

func TestMemoryRepositoryReturnsClones(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()
	if err := repo.Put(ctx, "ns", "file", "1", &storage.Record{Data: []byte("abc"), Version: 1}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, _ := repo.Get(ctx, "ns", "file", "1")
	got.Data[0] = 'X'
	again, _ := repo.Get(ctx, "ns", "file", "1")
	if again.Data[0] == 'X' {
		t.Error("memory repository should return clones of records")
	}
}
