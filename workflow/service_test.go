package workflow_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/events"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/storage/memory"
	"github.com/jmcleod/ironsign/store"
	"github.com/jmcleod/ironsign/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs []map[string]any
}

func (q *recordingQueue) Enqueue(_ context.Context, name string, payload map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if name == workflow.JobSignSingleFile {
		q.jobs = append(q.jobs, payload)
	}
	return nil
}

type recordingBus struct {
	mu  sync.Mutex
	got []events.Event
}

func (b *recordingBus) Publish(evt events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.got = append(b.got, evt)
}

type noContent struct{}

func (noContent) Get(context.Context, string) ([]byte, error) { return nil, store.ErrNotFound }

func newService(t *testing.T, def model.DocMdpLevel) (*workflow.Service, *store.Store, *recordingQueue, *recordingBus) {
	t.Helper()
	st := store.New(memory.NewRepository(), "test")
	q := &recordingQueue{}
	bus := &recordingBus{}
	svc := workflow.NewService(workflow.Config{
		Store:     st,
		Validator: docmdp.NewValidator(st, noContent{}, func() model.DocMdpLevel { return def }, nil),
		Queue:     q,
		Bus:       bus,
	})
	return svc, st, q, bus
}

var twoSigners = []docmdp.Signer{
	{DisplayName: "Alice", UserID: "alice"},
	{DisplayName: "Bob", Email: "bob@example.com"},
}

func TestAddSignersMakesFileSignable(t *testing.T) {
	ctx := t.Context()
	svc, st, _, _ := newService(t, model.DocMdpNotCertified)

	f, err := svc.CreateFile(ctx, workflow.NewFile{Name: "a.pdf", NodeID: "n1", UserID: "owner"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, f.Status)
	assert.Equal(t, model.FlowParallel, f.SignatureFlow)

	reqs, err := svc.AddSigners(ctx, f.ID, twoSigners)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, model.IdentifyAccount, reqs[0].IdentifyMethod)
	assert.Equal(t, model.IdentifyEmail, reqs[1].IdentifyMethod)
	assert.Equal(t, 2, reqs[1].SigningOrder)

	got, err := st.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbleToSign, got.Status)

	_, err = svc.AddSigners(ctx, f.ID, nil)
	assert.ErrorIs(t, err, workflow.ErrNoSigners)
}

func TestAddSignersHonoursDocMdp(t *testing.T) {
	ctx := t.Context()
	svc, _, _, _ := newService(t, model.DocMdpCertifiedNoChangesAllowed)
	f, err := svc.CreateFile(ctx, workflow.NewFile{Name: "certified.pdf"})
	require.NoError(t, err)

	_, err = svc.AddSigners(ctx, f.ID, twoSigners)
	assert.ErrorIs(t, err, docmdp.ErrDocMdpRestricted)
	_, err = svc.AddSigners(ctx, f.ID, twoSigners[:1])
	assert.NoError(t, err)
}

func TestEnvelopeSigningFansOut(t *testing.T) {
	ctx := t.Context()
	svc, st, q, _ := newService(t, model.DocMdpNotCertified)

	env, children, err := svc.CreateEnvelope(ctx, workflow.NewFile{Name: "deal", UserID: "owner"}, []workflow.NewFile{
		{Name: "one.pdf", NodeID: "n1"}, {Name: "two.pdf", NodeID: "n2"}, {Name: "three.pdf", NodeID: "n3"},
	})
	require.NoError(t, err)
	require.Len(t, children, 3)
	assert.True(t, env.IsEnvelope())
	assert.Equal(t, env.ID, *children[0].ParentID)

	status, err := svc.EnvelopeStatus(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, status)

	reqs, err := svc.AddSigners(ctx, env.ID, twoSigners)
	require.NoError(t, err)
	assert.Len(t, reqs, 6)

	got, err := st.GetFile(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbleToSign, got.Status)

	n, err := svc.RequestSigning(ctx, workflow.SignCommand{SignRequestUUID: reqs[0].UUID, UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, q.jobs, 3)
	seen := map[int64]bool{}
	for _, job := range q.jobs {
		seen[job["fileId"].(int64)] = true
		assert.Equal(t, "alice", job["userId"])
	}
	assert.Len(t, seen, 3)
}

func TestRequestSigningDepositsPerJob(t *testing.T) {
	ctx := t.Context()
	svc, _, q, _ := newService(t, model.DocMdpNotCertified)
	env, _, err := svc.CreateEnvelope(ctx, workflow.NewFile{Name: "deal"}, []workflow.NewFile{
		{Name: "one.pdf", NodeID: "n1"}, {Name: "two.pdf", NodeID: "n2"},
	})
	require.NoError(t, err)
	reqs, err := svc.AddSigners(ctx, env.ID, twoSigners[:1])
	require.NoError(t, err)

	deposits := 0
	n, err := svc.RequestSigning(ctx, workflow.SignCommand{
		SignRequestUUID: reqs[0].UUID,
		UserID:          "alice",
		Deposit: func() (string, error) {
			deposits++
			return fmt.Sprintf("cred-%d", deposits), nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, q.jobs, 2)
	assert.Equal(t, "cred-1", q.jobs[0]["credentialsId"])
	assert.Equal(t, "cred-2", q.jobs[1]["credentialsId"])
}

func TestCancelSignRequest(t *testing.T) {
	ctx := t.Context()
	svc, st, q, bus := newService(t, model.DocMdpNotCertified)
	f, err := svc.CreateFile(ctx, workflow.NewFile{Name: "a.pdf"})
	require.NoError(t, err)
	reqs, err := svc.AddSigners(ctx, f.ID, twoSigners[:1])
	require.NoError(t, err)

	canceled, err := svc.CancelSignRequest(ctx, reqs[0].UUID, "owner")
	require.NoError(t, err)
	assert.True(t, canceled.Canceled)

	// The only request is gone, so the file falls back to draft.
	got, err := st.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDraft, got.Status)

	require.Len(t, bus.got, 1)
	assert.Equal(t, events.NameSignRequestCanceled, bus.got[0].EventName())

	_, err = svc.RequestSigning(ctx, workflow.SignCommand{SignRequestUUID: reqs[0].UUID})
	assert.ErrorIs(t, err, workflow.ErrRequestCanceled)
	assert.Empty(t, q.jobs)

	// Canceling twice publishes once.
	_, err = svc.CancelSignRequest(ctx, reqs[0].UUID, "owner")
	require.NoError(t, err)
	assert.Len(t, bus.got, 1)
}

func TestCancelSignedRequestFails(t *testing.T) {
	ctx := t.Context()
	svc, st, _, _ := newService(t, model.DocMdpNotCertified)
	f, err := svc.CreateFile(ctx, workflow.NewFile{Name: "a.pdf"})
	require.NoError(t, err)
	reqs, err := svc.AddSigners(ctx, f.ID, twoSigners[:1])
	require.NoError(t, err)
	_, _, err = st.ModifySignRequest(ctx, reqs[0].ID, func(r *model.SignRequest) (bool, error) {
		return true, r.MarkSigned(time.Now())
	})
	require.NoError(t, err)

	_, err = svc.CancelSignRequest(ctx, reqs[0].UUID, "owner")
	assert.ErrorIs(t, err, model.ErrAlreadySigned)
}

func TestDeleteEnvelope(t *testing.T) {
	ctx := t.Context()
	svc, st, _, _ := newService(t, model.DocMdpNotCertified)
	env, children, err := svc.CreateEnvelope(ctx, workflow.NewFile{Name: "deal"}, []workflow.NewFile{{Name: "one.pdf"}})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteFile(ctx, env.ID))
	for _, id := range []int64{env.ID, children[0].ID} {
		f, err := st.GetFile(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusDeleted, f.Status)
	}
	// Deleting again is harmless.
	require.NoError(t, svc.DeleteFile(ctx, env.ID))

	_, err = svc.AddSigners(ctx, env.ID, twoSigners)
	assert.ErrorIs(t, err, workflow.ErrNotSignable)
}

func markSigned(t *testing.T, svc *workflow.Service, st *store.Store, r *model.SignRequest) {
	t.Helper()
	ctx := t.Context()
	_, _, err := st.ModifySignRequest(ctx, r.ID, func(r *model.SignRequest) (bool, error) {
		return true, r.MarkSigned(time.Now())
	})
	require.NoError(t, err)
	_, err = svc.RecomputeFile(ctx, r.FileID, nil)
	require.NoError(t, err)
}

func TestRequestSigningRetriesOpenSiblings(t *testing.T) {
	ctx := t.Context()
	svc, st, q, _ := newService(t, model.DocMdpNotCertified)
	env, children, err := svc.CreateEnvelope(ctx, workflow.NewFile{Name: "deal"}, []workflow.NewFile{
		{Name: "one.pdf", NodeID: "n1"}, {Name: "two.pdf", NodeID: "n2"}, {Name: "three.pdf", NodeID: "n3"},
	})
	require.NoError(t, err)
	reqs, err := svc.AddSigners(ctx, env.ID, twoSigners[:1])
	require.NoError(t, err)
	require.Len(t, reqs, 3)

	// The first child is already signed; retrying with its request re-queues
	// the other two.
	markSigned(t, svc, st, reqs[0])
	n, err := svc.RequestSigning(ctx, workflow.SignCommand{SignRequestUUID: reqs[0].UUID, UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, q.jobs, 2)
	for _, job := range q.jobs {
		assert.NotEqual(t, children[0].ID, job["fileId"])
	}

	markSigned(t, svc, st, reqs[1])
	markSigned(t, svc, st, reqs[2])
	_, err = svc.RequestSigning(ctx, workflow.SignCommand{SignRequestUUID: reqs[0].UUID, UserID: "alice"})
	assert.ErrorIs(t, err, workflow.ErrNotSignable)
	assert.Len(t, q.jobs, 2)
}

func TestAddSignersSkipsSignedChildren(t *testing.T) {
	ctx := t.Context()
	svc, st, _, _ := newService(t, model.DocMdpNotCertified)
	env, children, err := svc.CreateEnvelope(ctx, workflow.NewFile{Name: "deal"}, []workflow.NewFile{
		{Name: "one.pdf", NodeID: "n1"}, {Name: "two.pdf", NodeID: "n2"},
	})
	require.NoError(t, err)
	reqs, err := svc.AddSigners(ctx, env.ID, twoSigners[:1])
	require.NoError(t, err)
	markSigned(t, svc, st, reqs[0])
	got, err := svc.RecomputeEnvelope(ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPartialSigned, got.Status)

	added, err := svc.AddSigners(ctx, env.ID, twoSigners[1:])
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, children[1].ID, added[0].FileID)

	first, err := st.GetFile(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, first.Status)
	onFirst, err := st.ListSignRequestsByFile(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Len(t, onFirst, 1)

	markSigned(t, svc, st, reqs[1])
	markSigned(t, svc, st, added[0])
	got, err = svc.RecomputeEnvelope(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, got.Status)
}
