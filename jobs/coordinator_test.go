package jobs_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironsign/credentials"
	"github.com/jmcleod/ironsign/crl"
	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/events"
	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/jobs"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/jmcleod/ironsign/progress"
	"github.com/jmcleod/ironsign/signer"
	"github.com/jmcleod/ironsign/storage/blob"
	"github.com/jmcleod/ironsign/storage/memory"
	"github.com/jmcleod/ironsign/store"
	"github.com/jmcleod/ironsign/workflow"
)

var samplePDF = buildPDF()

// buildPDF returns a one page document with a valid xref table.
func buildPDF() []byte {
	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
	}
	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")
	offsets := make([]int, len(objects))
	for i, body := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(objects)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	return buf.Bytes()
}

// flakyContent fails reads of the node ids in failing, and every write
// while failPuts is set.
type flakyContent struct {
	blob.Store
	mu       sync.Mutex
	failing  map[string]bool
	failPuts bool
}

func (c *flakyContent) fail(nodeID string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[nodeID] = on
}

func (c *flakyContent) Put(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	fail := c.failPuts
	c.mu.Unlock()
	if fail {
		return errors.New("disk quota exceeded")
	}
	return c.Store.Put(ctx, key, data)
}

func (c *flakyContent) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	fail := c.failing[key]
	c.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return c.Store.Get(ctx, key)
}

type fixture struct {
	st      *store.Store
	wf      *workflow.Service
	queue   *jobs.Queue
	coord   *jobs.Coordinator
	content *flakyContent
	prog    *progress.Service
	creds   *credentials.Cache
	crl     *crl.Service
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := t.Context()

	st := store.New(memory.NewRepository(), "oc1234")
	fs, err := blob.NewFileStore(t.TempDir())
	require.NoError(t, err)
	content := &flakyContent{Store: fs, failing: map[string]bool{}}

	cfg := pki.EngineConfig{
		ConfigRoot:   t.TempDir(),
		InstanceID:   "oc1234",
		Generation:   1,
		RootPassword: "root-pw",
		KDF:          util.Argon2idParams{Time: 1, MemoryKiB: 8 * 1024, Parallelism: 1},
	}
	engine := pki.NewOpenSSLEngine(cfg)
	_, _, err = engine.GenerateRootCertificate(ctx, pki.RootNames{CommonName: "Test Root"}, cfg.RootPassword)
	require.NoError(t, err)

	resolver := func(string, int, model.CertificateEngineType) (pki.Engine, error) { return engine, nil }
	crlSvc := crl.NewService(st, resolver)
	issuer := pki.NewIssuer(engine, cfg, crlSvc)

	prog := progress.NewService(0)
	logger := slog.New(progress.NewErrorReporter(slog.NewTextHandler(io.Discard, nil), prog))

	bus := events.NewBus(logger)
	bus.Subscribe("crl", crlSvc.RevokeEphemeralOnSigned, events.Critical())
	t.Cleanup(bus.Close)

	queue := jobs.NewQueue(jobs.QueueConfig{Workers: 2, Logger: logger})
	wf := workflow.NewService(workflow.Config{
		Store:     st,
		Validator: docmdp.NewValidator(st, content, func() model.DocMdpLevel { return model.DocMdpNotCertified }, logger),
		Queue:     queue,
		Bus:       bus,
		Logger:    logger,
	})
	creds := credentials.NewCache(0)
	coord := jobs.NewCoordinator(jobs.CoordinatorConfig{
		Store:       st,
		Workflow:    wf,
		Issuer:      issuer,
		Revocations: crlSvc,
		Revoker:     crlSvc,
		Credentials: creds,
		Content:     content,
		Signer:      signer.New(signer.Options{}),
		Progress:    prog,
		Bus:         bus,
		Logger:      logger,
	})
	queue.Register(workflow.JobSignSingleFile, coord.Handler())
	queue.Start(ctx)
	t.Cleanup(queue.Close)

	return &fixture{st: st, wf: wf, queue: queue, coord: coord, content: content, prog: prog, creds: creds, crl: crlSvc, bus: bus}
}

func (f *fixture) file(t *testing.T, nodeID string, flow model.SignatureFlow, signers ...docmdp.Signer) (*model.File, []*model.SignRequest) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, f.content.Put(ctx, nodeID, samplePDF))
	file, err := f.wf.CreateFile(ctx, workflow.NewFile{Name: nodeID + ".pdf", NodeID: nodeID, UserID: "owner", SignatureFlow: flow})
	require.NoError(t, err)
	reqs, err := f.wf.AddSigners(ctx, file.ID, signers)
	require.NoError(t, err)
	return file, reqs
}

func payload(r *model.SignRequest, userID, credentialsID string) map[string]any {
	return map[string]any{
		"fileId":        float64(r.FileID),
		"signRequestId": r.ID,
		"userId":        userID,
		"credentialsId": credentialsID,
	}
}

func TestSignSingleFileEphemeral(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	file, reqs := f.file(t, "n1", model.FlowParallel, docmdp.Signer{DisplayName: "Alice", UserID: "alice", Email: "alice@example.com"})

	require.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs[0], "alice", "")))

	got, err := f.st.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, got.Status)
	assert.NotEmpty(t, got.SignedHash)
	assert.False(t, got.Metadata.SigningInProgress)

	req, err := f.st.GetSignRequest(ctx, reqs[0].ID)
	require.NoError(t, err)
	assert.True(t, req.IsSigned())

	sig, err := f.content.Get(ctx, jobs.ArtifactKey(got, req))
	require.NoError(t, err)
	cert, err := signer.Verify(samplePDF, sig)
	require.NoError(t, err)
	assert.Equal(t, "Alice", cert.Subject.CommonName)

	snap, ok := f.prog.Get(req.UUID)
	require.True(t, ok)
	assert.Equal(t, progress.JobCompleted, snap.Files[file.ID].Status)

	// The stored document still parses and allows further signatures.
	validator := docmdp.NewValidator(f.st, f.content, func() model.DocMdpLevel { return model.DocMdpNotCertified }, nil)
	require.NoError(t, validator.ValidatePdfRestrictions(ctx, got))

	// The ephemeral certificate is revoked once the bus delivers the event.
	f.bus.Close()
	revoked, err := f.crl.IsRevoked(ctx, pki.SerialHex(cert.SerialNumber))
	require.NoError(t, err)
	assert.True(t, revoked)

	// A second run is a no-op.
	require.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs[0], "alice", "")))
}

func TestSignSingleFileWithPassword(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	bob := docmdp.Signer{DisplayName: "Bob", UserID: "bob"}
	_, reqs1 := f.file(t, "n1", model.FlowParallel, bob)
	file2, reqs2 := f.file(t, "n2", model.FlowParallel, bob)

	credID, err := f.creds.Put("bob", []byte("bob-secret"))
	require.NoError(t, err)
	require.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs1[0], "bob", credID)))

	stored, err := f.st.GetSigningIdentity(ctx, "bob")
	require.NoError(t, err)
	f.bus.Close()
	revoked, err := f.crl.IsRevoked(ctx, stored.SerialHex)
	require.NoError(t, err)
	assert.False(t, revoked, "password identities survive signing")

	// The take-once credential cannot be replayed.
	err = f.coord.RunSignSingleFile(ctx, payload(reqs2[0], "bob", credID))
	require.ErrorIs(t, err, credentials.ErrNotFound)

	credID, err = f.creds.Put("bob", []byte("wrong"))
	require.NoError(t, err)
	err = f.coord.RunSignSingleFile(ctx, payload(reqs2[0], "bob", credID))
	require.ErrorIs(t, err, util.ErrWrongPassphrase)

	got, err := f.st.GetFile(ctx, file2.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbleToSign, got.Status)
	assert.False(t, got.Metadata.SigningInProgress, "marker reverted after failure")

	perr, ok := f.prog.Error(reqs2[0].UUID)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, perr.Code)
	require.NotNil(t, perr.FileID)
	assert.Equal(t, file2.ID, *perr.FileID)

	credID, err = f.creds.Put("bob", []byte("bob-secret"))
	require.NoError(t, err)
	require.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs2[0], "bob", credID)))
	again, err := f.st.GetSigningIdentity(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, stored.SerialHex, again.SerialHex, "identity is reused")
	_, ok = f.prog.Error(reqs2[0].UUID)
	assert.False(t, ok, "success clears the error")
}

func TestSignSingleFileOrdered(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	file, reqs := f.file(t, "n1", model.FlowOrderedNumeric,
		docmdp.Signer{DisplayName: "First", UserID: "first"},
		docmdp.Signer{DisplayName: "Second", UserID: "second"},
	)

	err := f.coord.RunSignSingleFile(ctx, payload(reqs[1], "second", ""))
	require.ErrorIs(t, err, workflow.ErrNotYourTurn)
	perr, ok := f.prog.Error(reqs[1].UUID)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnprocessableEntity, perr.Code)

	require.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs[0], "first", "")))
	got, err := f.st.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartialSigned, got.Status)
	assert.Empty(t, got.SignedHash)

	require.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs[1], "second", "")))
	got, err = f.st.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, got.Status)
	assert.NotEmpty(t, got.SignedHash)
}

func TestSignSingleFileSkips(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	file, reqs := f.file(t, "n1", model.FlowParallel, docmdp.Signer{DisplayName: "Alice", UserID: "alice"})

	t.Run("invalid payload", func(t *testing.T) {
		assert.ErrorIs(t, f.coord.RunSignSingleFile(ctx, nil), jobs.ErrInvalidPayload)
		assert.ErrorIs(t, f.coord.RunSignSingleFile(ctx, map[string]any{"fileId": 1}), jobs.ErrInvalidPayload)
	})

	t.Run("missing records", func(t *testing.T) {
		assert.NoError(t, f.coord.RunSignSingleFile(ctx, map[string]any{"fileId": 999, "signRequestId": 1}))
		assert.NoError(t, f.coord.RunSignSingleFile(ctx, map[string]any{"fileId": file.ID, "signRequestId": 999}))
	})

	t.Run("wrong user", func(t *testing.T) {
		err := f.coord.RunSignSingleFile(ctx, payload(reqs[0], "mallory", ""))
		assert.ErrorIs(t, err, jobs.ErrWrongSigner)
	})

	t.Run("canceled request", func(t *testing.T) {
		_, err := f.wf.CancelSignRequest(ctx, reqs[0].UUID, "owner")
		require.NoError(t, err)
		assert.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs[0], "alice", "")))
		r, err := f.st.GetSignRequest(ctx, reqs[0].ID)
		require.NoError(t, err)
		assert.False(t, r.IsSigned())
	})
}

func TestSignSingleFileBusyMarker(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	file, reqs := f.file(t, "n1", model.FlowParallel, docmdp.Signer{DisplayName: "Alice", UserID: "alice"})

	_, _, err := f.st.ModifyFile(ctx, file.ID, func(cur *model.File) (bool, error) {
		cur.Metadata.MarkSigningInProgress(time.Now(), "other-job")
		return true, nil
	})
	require.NoError(t, err)

	err = f.coord.RunSignSingleFile(ctx, payload(reqs[0], "alice", ""))
	require.ErrorIs(t, err, jobs.ErrSigningInProgress)
	got, err := f.st.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "other-job", got.Metadata.SigningStartedBy, "foreign marker is left alone")
}

func TestEnvelopePartialFailure(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	for _, n := range []string{"n1", "n2", "n3"} {
		require.NoError(t, f.content.Put(ctx, n, samplePDF))
	}
	env, children, err := f.wf.CreateEnvelope(ctx, workflow.NewFile{Name: "deal", UserID: "owner"}, []workflow.NewFile{
		{Name: "one.pdf", NodeID: "n1"}, {Name: "two.pdf", NodeID: "n2"}, {Name: "three.pdf", NodeID: "n3"},
	})
	require.NoError(t, err)
	reqs, err := f.wf.AddSigners(ctx, env.ID, []docmdp.Signer{{DisplayName: "Alice", UserID: "alice"}})
	require.NoError(t, err)
	require.Len(t, reqs, 3)

	f.content.fail("n2", true)

	n, err := f.wf.RequestSigning(ctx, workflow.SignCommand{SignRequestUUID: reqs[0].UUID, UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	f.queue.Wait()

	got, err := f.st.GetFile(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPartialSigned, got.Status)

	for _, c := range children {
		child, err := f.st.GetFile(ctx, c.ID)
		require.NoError(t, err)
		assert.False(t, child.Metadata.SigningInProgress, "no stale marker on %s", child.Name)
		if c.NodeID == "n2" {
			assert.Equal(t, model.StatusAbleToSign, child.Status)
		} else {
			assert.Equal(t, model.StatusSigned, child.Status)
		}
	}

	perr, ok := f.prog.Error(env.UUID)
	require.True(t, ok)
	require.NotEmpty(t, perr.FileErrors)
	assert.Len(t, perr.FileErrors, 1)
	for _, fe := range perr.FileErrors {
		assert.Equal(t, http.StatusInternalServerError, fe.Code)
	}

	snap, ok := f.prog.Get(env.UUID)
	require.True(t, ok)
	assert.Len(t, snap.Files, 3)

	// Retrying with the request of a signed child re-queues only the failed one.
	f.content.fail("n2", false)
	n, err = f.wf.RequestSigning(ctx, workflow.SignCommand{SignRequestUUID: reqs[0].UUID, UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.queue.Wait()

	got, err = f.st.GetFile(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, got.Status)
	for _, c := range children {
		child, err := f.st.GetFile(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusSigned, child.Status, child.Name)
	}
}

func TestAddSignersToPartialEnvelope(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	for _, n := range []string{"n1", "n2"} {
		require.NoError(t, f.content.Put(ctx, n, samplePDF))
	}
	env, children, err := f.wf.CreateEnvelope(ctx, workflow.NewFile{Name: "deal", UserID: "owner"}, []workflow.NewFile{
		{Name: "one.pdf", NodeID: "n1"}, {Name: "two.pdf", NodeID: "n2"},
	})
	require.NoError(t, err)
	alice, err := f.wf.AddSigners(ctx, env.ID, []docmdp.Signer{{DisplayName: "Alice", UserID: "alice"}})
	require.NoError(t, err)

	f.content.fail("n2", true)
	_, err = f.wf.RequestSigning(ctx, workflow.SignCommand{SignRequestUUID: alice[0].UUID, UserID: "alice"})
	require.NoError(t, err)
	f.queue.Wait()
	got, err := f.st.GetFile(ctx, env.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPartialSigned, got.Status)

	// Bob only lands on the child that is still open.
	bob, err := f.wf.AddSigners(ctx, env.ID, []docmdp.Signer{{DisplayName: "Bob", UserID: "bob"}})
	require.NoError(t, err)
	require.Len(t, bob, 1)
	assert.Equal(t, children[1].ID, bob[0].FileID)

	f.content.fail("n2", false)
	for _, cmd := range []workflow.SignCommand{
		{SignRequestUUID: alice[0].UUID, UserID: "alice"},
		{SignRequestUUID: bob[0].UUID, UserID: "bob"},
	} {
		n, err := f.wf.RequestSigning(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	f.queue.Wait()

	got, err = f.st.GetFile(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, got.Status)
	for _, c := range children {
		reqs, err := f.st.ListSignRequestsByFile(ctx, c.ID)
		require.NoError(t, err)
		for _, r := range reqs {
			assert.True(t, r.IsSigned(), "%s on %s", r.DisplayName, c.Name)
		}
	}
}

func TestSignFailureRevokesEphemeralCertificate(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	file, reqs := f.file(t, "n1", model.FlowParallel, docmdp.Signer{DisplayName: "Alice", UserID: "alice"})

	f.content.mu.Lock()
	f.content.failPuts = true
	f.content.mu.Unlock()
	err := f.coord.RunSignSingleFile(ctx, payload(reqs[0], "alice", ""))
	require.Error(t, err)

	got, err := f.st.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbleToSign, got.Status)

	certs, err := f.crl.ListUserCertificates(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.True(t, certs[0].IsRevoked())
	require.NotNil(t, certs[0].ReasonCode)
	assert.Equal(t, model.ReasonSuperseded, *certs[0].ReasonCode)
	assert.Equal(t, crl.SystemActor, certs[0].RevokedBy)
}

func TestSignSingleFileReconcilesStaleStatus(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)
	require.NoError(t, f.content.Put(ctx, "n1", samplePDF))
	env, children, err := f.wf.CreateEnvelope(ctx, workflow.NewFile{Name: "deal", UserID: "owner"}, []workflow.NewFile{
		{Name: "one.pdf", NodeID: "n1"},
	})
	require.NoError(t, err)
	reqs, err := f.wf.AddSigners(ctx, env.ID, []docmdp.Signer{{DisplayName: "Alice", UserID: "alice"}})
	require.NoError(t, err)

	// A previous run stored the signature and marked the request signed, then
	// stopped before the file status was written.
	_, _, err = f.st.ModifyFile(ctx, children[0].ID, func(cur *model.File) (bool, error) {
		cur.Metadata.MarkSigningInProgress(time.Now(), reqs[0].UUID)
		return true, nil
	})
	require.NoError(t, err)
	_, _, err = f.st.ModifySignRequest(ctx, reqs[0].ID, func(r *model.SignRequest) (bool, error) {
		return true, r.MarkSigned(time.Now())
	})
	require.NoError(t, err)

	require.NoError(t, f.coord.RunSignSingleFile(ctx, payload(reqs[0], "alice", "")))

	child, err := f.st.GetFile(ctx, children[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, child.Status)
	assert.False(t, child.Metadata.SigningInProgress)
	assert.NotEmpty(t, child.SignedHash)

	got, err := f.st.GetFile(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSigned, got.Status)
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, jobs.ErrorCode(pki.ErrSetupNotReady))
	assert.Equal(t, http.StatusUnprocessableEntity, jobs.ErrorCode(workflow.ErrNotYourTurn))
	assert.Equal(t, http.StatusUnauthorized, jobs.ErrorCode(credentials.ErrExpired))
	assert.Equal(t, http.StatusGatewayTimeout, jobs.ErrorCode(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, jobs.ErrorCode(errors.New("boom")))
}
