package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/storage/memory"
	"github.com/jmcleod/ironsign/store"
)

func newStore() *store.Store {
	return store.New(memory.NewRepository(), "test")
}

func TestCreateAndGetFile(t *testing.T) {
	ctx := t.Context()
	s := newStore()

	f := &model.File{Name: "contract.pdf", Status: model.StatusDraft, UserID: "alice"}
	require.NoError(t, s.CreateFile(ctx, f))
	assert.Equal(t, int64(1), f.ID)
	assert.NotEmpty(t, f.UUID)
	assert.NotNil(t, f.Metadata.StatusChangedAt)

	g := &model.File{Name: "annex.pdf"}
	require.NoError(t, s.CreateFile(ctx, g))
	assert.Equal(t, int64(2), g.ID)

	got, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "contract.pdf", got.Name)

	byUUID, err := s.GetFileByUUID(ctx, f.UUID)
	require.NoError(t, err)
	assert.Equal(t, f.ID, byUUID.ID)

	_, err = s.GetFile(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestModifyFileSkipsUnchanged(t *testing.T) {
	ctx := t.Context()
	s := newStore()
	f := &model.File{Status: model.StatusDraft}
	require.NoError(t, s.CreateFile(ctx, f))

	_, changed, err := s.ModifyFile(ctx, f.ID, func(*model.File) (bool, error) { return false, nil })
	require.NoError(t, err)
	assert.False(t, changed)

	got, changed, err := s.ModifyFile(ctx, f.ID, func(f *model.File) (bool, error) {
		return true, f.TransitionTo(model.StatusAbleToSign, time.Now())
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.StatusAbleToSign, got.Status)
}

func TestModifyFileConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := newStore()
	f := &model.File{}
	require.NoError(t, s.CreateFile(ctx, f))

	const writers = 10
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.ModifyFile(ctx, f.ID, func(f *model.File) (bool, error) {
				f.Name += "x"
				return true, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, got.Name, writers)
}

func TestListChildrenAndStale(t *testing.T) {
	ctx := t.Context()
	s := newStore()
	now := time.Now()

	env := &model.File{NodeType: model.NodeTypeEnvelope, Status: model.StatusAbleToSign}
	require.NoError(t, s.CreateFile(ctx, env))

	stale := &model.File{ParentID: &env.ID, Status: model.StatusAbleToSign}
	stale.Metadata.MarkSigningInProgress(now.Add(-15*time.Minute), "r1")
	fresh := &model.File{ParentID: &env.ID, Status: model.StatusAbleToSign}
	fresh.Metadata.MarkSigningInProgress(now.Add(-3*time.Minute), "r2")
	done := &model.File{Status: model.StatusSigned}
	done.Metadata.MarkSigningInProgress(now.Add(-time.Hour), "r3")
	for _, f := range []*model.File{stale, fresh, done} {
		require.NoError(t, s.CreateFile(ctx, f))
	}

	children, err := s.ListChildren(ctx, env.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, stale.ID, children[0].ID)

	found, err := s.ListStaleSigning(ctx, now, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, stale.ID, found[0].ID)
	assert.Equal(t, done.ID, found[1].ID)
}

func TestSignRequests(t *testing.T) {
	ctx := t.Context()
	s := newStore()

	for i, fileID := range []int64{1, 1, 2} {
		r := &model.SignRequest{FileID: fileID, SigningOrder: i + 1, UserID: "bob"}
		require.NoError(t, s.CreateSignRequest(ctx, r))
	}

	grouped, err := s.SignRequestsByFile(ctx, []int64{1, 2})
	require.NoError(t, err)
	assert.Len(t, grouped[1], 2)
	assert.Len(t, grouped[2], 1)

	r, err := s.GetSignRequest(ctx, 3)
	require.NoError(t, err)
	byUUID, err := s.GetSignRequestByUUID(ctx, r.UUID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, byUUID.ID)

	mine, err := s.ListSignRequestsByUser(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, mine, 3)
}

func TestCrlEntries(t *testing.T) {
	ctx := t.Context()
	s := newStore()

	e := &model.CrlEntry{SerialNumber: "0A1B", Owner: "alice", IssuedAt: time.Now()}
	require.NoError(t, s.InsertCrlEntry(ctx, e))
	assert.Equal(t, model.CRLStatusIssued, e.Status)

	err := s.InsertCrlEntry(ctx, &model.CrlEntry{SerialNumber: "0a1b"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	got, err := s.GetCrlEntry(ctx, "0a1b")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)

	n1, err := s.NextCRLNumber(ctx, "abc", 1, model.EngineOpenSSL)
	require.NoError(t, err)
	n2, err := s.NextCRLNumber(ctx, "abc", 1, model.EngineOpenSSL)
	require.NoError(t, err)
	other, err := s.NextCRLNumber(ctx, "abc", 2, model.EngineOpenSSL)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(2), n2)
	assert.Equal(t, int64(1), other)
}

func TestSigningIdentities(t *testing.T) {
	ctx := t.Context()
	s := newStore()

	_, err := s.GetSigningIdentity(ctx, "alice")
	require.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now().UTC()
	require.NoError(t, s.PutSigningIdentity(ctx, &model.SigningIdentity{UserID: "alice", SerialHex: "01", ValidTo: now.Add(time.Hour)}))
	require.NoError(t, s.PutSigningIdentity(ctx, &model.SigningIdentity{UserID: "alice", SerialHex: "02", ValidTo: now.Add(time.Hour)}))
	got, err := s.GetSigningIdentity(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "02", got.SerialHex)
	assert.False(t, got.IsExpired(now))

	require.NoError(t, s.DeleteSigningIdentity(ctx, "alice"))
	require.NoError(t, s.DeleteSigningIdentity(ctx, "alice"))
	_, err = s.GetSigningIdentity(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
