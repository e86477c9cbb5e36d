package jobs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/crl"
	"github.com/jmcleod/ironsign/jobs"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/jmcleod/ironsign/storage/memory"
	"github.com/jmcleod/ironsign/store"
)

func createMarked(t *testing.T, st *store.Store, status model.FileStatus, markedAt time.Time) *model.File {
	t.Helper()
	f := &model.File{Name: "doc.pdf", NodeID: "n", Status: status, SignatureFlow: model.FlowParallel}
	f.Metadata.MarkSigningInProgress(markedAt, "req-uuid")
	require.NoError(t, st.CreateFile(t.Context(), f))
	return f
}

func TestCleanupRevertsStaleMarkers(t *testing.T) {
	ctx := t.Context()
	st := store.New(memory.NewRepository(), "test")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-11 * time.Minute)

	stale := createMarked(t, st, model.StatusAbleToSign, old)
	fresh := createMarked(t, st, model.StatusAbleToSign, now.Add(-time.Minute))
	signed := createMarked(t, st, model.StatusSigned, old)
	deleted := createMarked(t, st, model.StatusDeleted, old)

	c := jobs.NewCleanup(st, 0, nil)
	c.SetClock(func() time.Time { return now })
	assert.Equal(t, 2, c.Run(ctx))

	got, err := st.GetFile(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbleToSign, got.Status)
	assert.False(t, got.Metadata.SigningInProgress)
	assert.True(t, now.Equal(*got.Metadata.StatusChangedAt))

	got, err = st.GetFile(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, got.Metadata.SigningInProgress, "fresh markers stay")

	got, err = st.GetFile(ctx, signed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, got.Status, "signed files are never downgraded")
	assert.False(t, got.Metadata.SigningInProgress)

	got, err = st.GetFile(ctx, deleted.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDeleted, got.Status)

	// Nothing left to do on a second pass.
	assert.Equal(t, 0, c.Run(ctx))
}

func TestUserDeleted(t *testing.T) {
	ctx := t.Context()
	st := store.New(memory.NewRepository(), "test")
	resolver := func(string, int, model.CertificateEngineType) (pki.Engine, error) { return nil, pki.ErrSetupNotReady }
	crlSvc := crl.NewService(st, resolver)

	require.NoError(t, crlSvc.RecordIssued(ctx, &model.CrlEntry{SerialNumber: "0a", Owner: "alice", ValidTo: time.Now().Add(time.Hour)}))
	require.NoError(t, st.PutSigningIdentity(ctx, &model.SigningIdentity{UserID: "alice", SerialHex: "0a"}))
	f := &model.File{Name: "doc.pdf", NodeID: "n", Status: model.StatusAbleToSign, UserID: "alice"}
	require.NoError(t, st.CreateFile(ctx, f))
	r := &model.SignRequest{FileID: f.ID, UserID: "alice", IdentifyMethod: model.IdentifyAccount}
	require.NoError(t, st.CreateSignRequest(ctx, r))

	job := jobs.NewUserDeleted(st, crlSvc, nil)
	require.NoError(t, job.Run(ctx, map[string]any{}))
	require.NoError(t, job.Run(ctx, map[string]any{"user_id": "alice", "display_name": "Alice A."}))

	revoked, err := crlSvc.IsRevoked(ctx, "0a")
	require.NoError(t, err)
	assert.True(t, revoked)

	_, err = st.GetSigningIdentity(ctx, "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)

	gotFile, err := st.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Empty(t, gotFile.UserID)

	gotReq, err := st.GetSignRequest(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, gotReq.UserID)
	assert.Equal(t, "Alice A.", gotReq.DisplayName)
}
