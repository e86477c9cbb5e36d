package jobs

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jmcleod/ironsign/credentials"
	"github.com/jmcleod/ironsign/crl"
	"github.com/jmcleod/ironsign/events"
	"github.com/jmcleod/ironsign/internal/util"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/jmcleod/ironsign/progress"
	"github.com/jmcleod/ironsign/signer"
	"github.com/jmcleod/ironsign/storage/blob"
	"github.com/jmcleod/ironsign/store"
	"github.com/jmcleod/ironsign/workflow"
)

// DefaultSignTimeout bounds identity resolution plus the signature itself.
const DefaultSignTimeout = 60 * time.Second

var tracer = otel.Tracer("github.com/jmcleod/ironsign/jobs")

var (
	// ErrSigningInProgress is returned when another job holds the file's
	// in-progress marker.
	ErrSigningInProgress = errors.New("file is already being signed")

	// ErrWrongSigner is returned when the job user is not the request's signer.
	ErrWrongSigner = errors.New("sign request belongs to another user")

	// ErrAccountRequired is returned when a password identity is requested
	// for a signer without an account.
	ErrAccountRequired = errors.New("a signer account is required to sign with a password")

	errSkip = errors.New("skip")
)

// IdentityIssuer issues signing certificates.
type IdentityIssuer interface {
	IssueIdentity(ctx context.Context, req pki.IdentityRequest) (*pki.Identity, error)
}

// RevocationChecker reports whether a certificate serial was revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, serial string) (bool, error)
}

// CertificateRevoker revokes a certificate serial.
type CertificateRevoker interface {
	RevokeCertificate(ctx context.Context, serial string, reason model.CRLReason, note, actor string) (bool, error)
}

// CredentialSource hands out a password deposited for a job.
type CredentialSource interface {
	Take(id, userID string) (string, error)
}

// CoordinatorConfig wires a Coordinator. Revocations, Revoker,
// Credentials, Progress, Bus, Monitor, Logger and Now are optional.
type CoordinatorConfig struct {
	Store       *store.Store
	Workflow    *workflow.Service
	Issuer      IdentityIssuer
	Revocations RevocationChecker
	// Revoker retires single use certificates of failed jobs.
	Revoker     CertificateRevoker
	Credentials CredentialSource
	Content     blob.Store
	Signer      *signer.Signer
	Progress    *progress.Service
	Bus         workflow.Publisher
	Monitor     *FailureMonitor
	Logger      *slog.Logger
	Now         func() time.Time
	SignTimeout time.Duration
}

// Coordinator runs sign_single_file jobs. Jobs for the same file are
// serialised in process and guarded by a compare-and-swap marker on the
// file record across processes.
type Coordinator struct {
	cfg   CoordinatorConfig
	locks *keyedMutex
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SignTimeout <= 0 {
		cfg.SignTimeout = DefaultSignTimeout
	}
	return &Coordinator{cfg: cfg, locks: newKeyedMutex()}
}

// Handler adapts the coordinator to a queue handler.
func (c *Coordinator) Handler() HandlerFunc {
	return c.RunSignSingleFile
}

// RunSignSingleFile signs one file for one sign request. Files that are no
// longer signable and requests already signed or canceled are skipped
// without error.
func (c *Coordinator) RunSignSingleFile(ctx context.Context, args map[string]any) error {
	if args == nil {
		args = map[string]any{}
	}
	p, err := ParseSignPayload(args)
	if err != nil {
		c.cfg.Logger.Warn("dropping sign job", "error", err)
		return err
	}

	ctx, span := tracer.Start(ctx, "jobs.RunSignSingleFile", trace.WithAttributes(
		attribute.Int64("file.id", p.FileID),
		attribute.Int64("sign_request.id", p.SignRequestID),
	))
	defer span.End()

	unlock := c.locks.Lock(p.FileID)
	defer unlock()

	f, req, err := c.load(ctx, p)
	if errors.Is(err, errSkip) {
		span.SetAttributes(attribute.Bool("job.skipped", true))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := c.checkTurn(ctx, f, req, p); err != nil {
		c.fail(ctx, f, req, err, false)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := c.markInProgress(ctx, f, req); err != nil {
		if errors.Is(err, errSkip) {
			return nil
		}
		if errors.Is(err, ErrSigningInProgress) {
			c.cfg.Logger.Warn("file busy, sign job not started", "file_id", f.ID, "sign_request_uuid", req.UUID)
			return err
		}
		c.fail(ctx, f, req, err, false)
		return err
	}
	c.setProgress(f, req, progress.JobRunning)

	out, err := c.sign(ctx, f, req, p)
	if err == nil {
		err = c.complete(ctx, f, req, p, out)
	}
	if err != nil {
		c.fail(ctx, f, req, err, true)
		c.revokeUnused(ctx, req, out)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// load fetches the file and request, returning errSkip for work that is
// no longer needed.
func (c *Coordinator) load(ctx context.Context, p SignPayload) (*model.File, *model.SignRequest, error) {
	f, err := c.cfg.Store.GetFile(ctx, p.FileID)
	if errors.Is(err, store.ErrNotFound) {
		c.cfg.Logger.Info("sign job for missing file", "file_id", p.FileID)
		return nil, nil, errSkip
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading file %d: %w", p.FileID, err)
	}
	req, err := c.cfg.Store.GetSignRequest(ctx, p.SignRequestID)
	if errors.Is(err, store.ErrNotFound) {
		c.cfg.Logger.Info("sign job for missing sign request", "sign_request_id", p.SignRequestID)
		return nil, nil, errSkip
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading sign request %d: %w", p.SignRequestID, err)
	}
	if req.FileID != f.ID {
		err := fmt.Errorf("%w: sign request %d is not on file %d", ErrInvalidPayload, req.ID, f.ID)
		c.cfg.Logger.Warn("dropping sign job", "error", err)
		return nil, nil, err
	}
	if !f.Status.IsSignable() || req.IsSigned() || req.Canceled {
		c.cfg.Logger.Debug("nothing to sign", "file_id", f.ID, "status", f.Status.String(),
			"signed", req.IsSigned(), "canceled", req.Canceled)
		if req.IsSigned() && !f.Status.IsTerminal() {
			c.reconcile(ctx, f, req)
		}
		return nil, nil, errSkip
	}
	return f, req, nil
}

// reconcile rederives the file and envelope status for an already signed
// request. It finishes runs that stored the signature but stopped before
// updating the file.
func (c *Coordinator) reconcile(ctx context.Context, f *model.File, req *model.SignRequest) {
	var hash string
	if f.SignedHash == "" {
		if content, err := c.cfg.Content.Get(ctx, f.NodeID); err == nil {
			sum := sha256.Sum256(content)
			hash = hex.EncodeToString(sum[:])
		}
	}
	now := c.cfg.Now()
	updated, err := c.cfg.Workflow.RecomputeFile(ctx, f.ID, func(cur *model.File, status model.FileStatus) bool {
		changed := false
		if cur.Metadata.SigningInProgress && cur.Metadata.SigningStartedBy == req.UUID {
			cur.Metadata.ClearSigningInProgress(now)
			changed = true
		}
		if status == model.StatusSigned && cur.SignedHash == "" && hash != "" {
			cur.SignedHash = hash
			changed = true
		}
		return changed
	})
	if err != nil {
		c.cfg.Logger.Error("reconciling file status", "file_id", f.ID, "error", err)
		return
	}
	if updated.ParentID != nil {
		if _, err := c.cfg.Workflow.RecomputeEnvelope(ctx, *updated.ParentID); err != nil {
			c.cfg.Logger.Error("reconciling envelope status", "envelope_id", *updated.ParentID, "error", err)
		}
	}
	if updated.Status != f.Status {
		c.cfg.Logger.Info("file status reconciled", "file_id", f.ID, "sign_request_uuid", req.UUID,
			"from", f.Status.String(), "to", updated.Status.String())
	}
}

func (c *Coordinator) checkTurn(ctx context.Context, f *model.File, req *model.SignRequest, p SignPayload) error {
	if p.UserID != "" && req.UserID != "" && p.UserID != req.UserID {
		return ErrWrongSigner
	}
	reqs, err := c.cfg.Store.ListSignRequestsByFile(ctx, f.ID)
	if err != nil {
		return fmt.Errorf("listing sign requests: %w", err)
	}
	return workflow.CanSign(f.SignatureFlow, reqs, req)
}

func (c *Coordinator) markInProgress(ctx context.Context, f *model.File, req *model.SignRequest) error {
	now := c.cfg.Now()
	_, _, err := c.cfg.Store.ModifyFile(ctx, f.ID, func(cur *model.File) (bool, error) {
		if !cur.Status.IsSignable() {
			return false, errSkip
		}
		if cur.Metadata.SigningInProgress {
			return false, ErrSigningInProgress
		}
		cur.Metadata.MarkSigningInProgress(now, req.UUID)
		return true, nil
	})
	return err
}

type signOutcome struct {
	result    *signer.Result
	artifact  string
	identity  *pki.Identity
	ephemeral bool
}

// sign produces and stores the signature. The outcome carries the identity
// as soon as one was issued, also when a later step fails.
func (c *Coordinator) sign(ctx context.Context, f *model.File, req *model.SignRequest, p SignPayload) (*signOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.SignTimeout)
	defer cancel()

	content, err := c.cfg.Content.Get(ctx, f.NodeID)
	if err != nil {
		return nil, fmt.Errorf("loading content of file %d: %w", f.ID, err)
	}
	id, key, ephemeral, err := c.identity(ctx, req, p)
	if id == nil {
		return nil, err
	}
	out := &signOutcome{identity: id, ephemeral: ephemeral}
	if err != nil {
		return out, err
	}
	chain, err := id.Chain()
	if err != nil {
		return out, err
	}
	res, err := c.cfg.Signer.Sign(ctx, content, id.Certificate, key, chain)
	if err != nil {
		return out, fmt.Errorf("signing file %d: %w", f.ID, err)
	}
	artifact := ArtifactKey(f, req)
	if err := c.cfg.Content.Put(ctx, artifact, res.Signature); err != nil {
		return out, fmt.Errorf("storing signature: %w", err)
	}
	out.result, out.artifact = res, artifact
	return out, nil
}

// ArtifactKey is where the detached signature of req over f is stored.
func ArtifactKey(f *model.File, req *model.SignRequest) string {
	return path.Join("signatures", f.UUID, req.UUID+".p7s")
}

// identity resolves the signing key. A credentials id selects the
// signer's long-lived password identity; without one a single use
// identity is issued for click-to-sign.
func (c *Coordinator) identity(ctx context.Context, req *model.SignRequest, p SignPayload) (*pki.Identity, crypto.Signer, bool, error) {
	if p.CredentialsID == "" {
		id, err := c.cfg.Issuer.IssueIdentity(ctx, pki.IdentityRequest{
			Owner:      ownerOf(req, p),
			CommonName: commonName(req),
			Email:      req.Email,
		})
		if err != nil {
			return nil, nil, false, err
		}
		key, err := id.Signer("")
		if err != nil {
			return id, nil, true, err
		}
		return id, key, true, nil
	}

	userID := ownerOf(req, p)
	if userID == "" {
		return nil, nil, false, ErrAccountRequired
	}
	if c.cfg.Credentials == nil {
		return nil, nil, false, credentials.ErrNotFound
	}
	password, err := c.cfg.Credentials.Take(p.CredentialsID, userID)
	if err != nil {
		return nil, nil, false, err
	}
	id, err := c.longLived(ctx, req, userID, password)
	if err != nil {
		return nil, nil, false, err
	}
	key, err := id.Signer(password)
	if err != nil {
		return nil, nil, false, err
	}
	return id, key, false, nil
}

// longLived returns the stored identity of userID, issuing and storing a
// new one when none is usable.
func (c *Coordinator) longLived(ctx context.Context, req *model.SignRequest, userID, password string) (*pki.Identity, error) {
	stored, err := c.cfg.Store.GetSigningIdentity(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("loading signing identity: %w", err)
	default:
		usable := !stored.IsExpired(c.cfg.Now())
		if usable && c.cfg.Revocations != nil {
			revoked, err := c.cfg.Revocations.IsRevoked(ctx, stored.SerialHex)
			if err != nil {
				return nil, err
			}
			usable = !revoked
		}
		if usable {
			return pki.LoadIdentity(stored.CertPEM, stored.RootPEM, stored.SealedKey)
		}
	}

	id, err := c.cfg.Issuer.IssueIdentity(ctx, pki.IdentityRequest{
		Owner:      userID,
		CommonName: commonName(req),
		Email:      req.Email,
		Password:   password,
	})
	if err != nil {
		return nil, err
	}
	err = c.cfg.Store.PutSigningIdentity(ctx, &model.SigningIdentity{
		UserID:    userID,
		SerialHex: id.SerialHex,
		CertPEM:   id.CertPEM,
		RootPEM:   id.RootPEM,
		SealedKey: id.KeyPEM,
		ValidTo:   id.Certificate.NotAfter.UTC(),
		CreatedAt: c.cfg.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("storing signing identity: %w", err)
	}
	return id, nil
}

func ownerOf(req *model.SignRequest, p SignPayload) string {
	if req.UserID != "" {
		return req.UserID
	}
	return p.UserID
}

func commonName(req *model.SignRequest) string {
	switch {
	case req.DisplayName != "":
		return req.DisplayName
	case req.Email != "":
		return req.Email
	default:
		return "Signer " + req.UUID
	}
}

func (c *Coordinator) complete(ctx context.Context, f *model.File, req *model.SignRequest, p SignPayload, out *signOutcome) error {
	now := c.cfg.Now()
	signed, _, err := c.cfg.Store.ModifySignRequest(ctx, req.ID, func(r *model.SignRequest) (bool, error) {
		return true, r.MarkSigned(now)
	})
	if err != nil {
		return fmt.Errorf("marking sign request signed: %w", err)
	}

	updated, err := c.cfg.Workflow.RecomputeFile(ctx, f.ID, func(cur *model.File, status model.FileStatus) bool {
		cur.Metadata.ClearSigningInProgress(now)
		if status == model.StatusSigned {
			cur.SignedHash = out.result.ContentHash
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("updating file status: %w", err)
	}
	var envelope *model.File
	if updated.ParentID != nil {
		envelope, err = c.cfg.Workflow.RecomputeEnvelope(ctx, *updated.ParentID)
		if err != nil {
			c.cfg.Logger.Error("updating envelope status", "envelope_id", *updated.ParentID, "error", err)
		}
	}

	if c.cfg.Bus != nil {
		userID := p.UserID
		if userID == "" {
			userID = signed.UserID
		}
		c.cfg.Bus.Publish(events.SignedEvent{
			SignRequest:           signed,
			File:                  updated,
			IdentifyMethod:        signed.IdentifyMethod,
			UserID:                userID,
			SignedFile:            out.artifact,
			SignedWithoutPassword: out.ephemeral,
			CertificateSerialHex:  out.identity.SerialHex,
			SignedAt:              now.UTC(),
		})
	}
	if c.cfg.Progress != nil {
		c.cfg.Progress.ClearError(req.UUID)
		c.cfg.Progress.SetFileStatus(req.UUID, f.ID, progress.JobCompleted)
		if envelope != nil {
			c.cfg.Progress.SetFileStatus(envelope.UUID, f.ID, progress.JobCompleted)
		}
	}
	c.cfg.Logger.Info("file signed", "file_id", f.ID, "sign_request_uuid", req.UUID,
		"status", updated.Status.String(), "timestamped", out.result.Timestamped)
	return nil
}

// fail reports err for the request, records it on the envelope payload and
// reverts the in-progress marker when this job set it. The file status is
// left as it was.
func (c *Coordinator) fail(ctx context.Context, f *model.File, req *model.SignRequest, err error, markerSet bool) {
	code := ErrorCode(err)
	c.cfg.Logger.ErrorContext(ctx, "signing failed",
		progress.AttrException, err,
		progress.AttrSignRequestUUID, req.UUID,
		progress.AttrSignRequestID, req.ID,
		progress.AttrFileID, f.ID,
		progress.AttrCode, code,
	)
	c.cfg.Monitor.RecordFailure()

	// The job context may be the reason for the failure.
	ctx = context.WithoutCancel(ctx)
	if markerSet {
		now := c.cfg.Now()
		_, _, rerr := c.cfg.Store.ModifyFile(ctx, f.ID, func(cur *model.File) (bool, error) {
			if !cur.Metadata.SigningInProgress || cur.Metadata.SigningStartedBy != req.UUID {
				return false, nil
			}
			cur.Metadata.ClearSigningInProgress(now)
			return true, nil
		})
		if rerr != nil {
			c.cfg.Logger.Error("reverting signing marker", "file_id", f.ID, "error", rerr)
		}
	}

	if c.cfg.Progress == nil {
		return
	}
	c.cfg.Progress.SetFileStatus(req.UUID, f.ID, progress.JobFailed)
	if f.ParentID == nil {
		return
	}
	envelope, eerr := c.cfg.Store.GetFile(ctx, *f.ParentID)
	if eerr != nil {
		c.cfg.Logger.Warn("loading envelope for error report", "envelope_id", *f.ParentID, "error", eerr)
		return
	}
	c.cfg.Progress.SetFileStatus(envelope.UUID, f.ID, progress.JobFailed)
	c.cfg.Progress.SetError(envelope.UUID, progress.NewErrorPayload("one or more files could not be signed").
		WithCode(code).
		WithFileID(envelope.ID).
		AddFileError(f.ID, err.Error(), code))
}

// revokeUnused revokes the single use certificate of a failed job. The
// signed event never fires for it, so nothing else retires it.
func (c *Coordinator) revokeUnused(ctx context.Context, req *model.SignRequest, out *signOutcome) {
	if c.cfg.Revoker == nil || out == nil || !out.ephemeral || out.identity == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	serial := out.identity.SerialHex
	if _, err := c.cfg.Revoker.RevokeCertificate(ctx, serial, model.ReasonSuperseded,
		"ephemeral certificate of a failed signing job", crl.SystemActor); err != nil {
		c.cfg.Logger.Error("revoking unused certificate", "serial", serial, "sign_request_uuid", req.UUID, "error", err)
	}
}

func (c *Coordinator) setProgress(f *model.File, req *model.SignRequest, status progress.JobStatus) {
	if c.cfg.Progress != nil {
		c.cfg.Progress.SetFileStatus(req.UUID, f.ID, status)
	}
}

// ErrorCode maps a signing failure to the HTTP style code stored in error
// payloads.
func ErrorCode(err error) int {
	switch {
	case errors.Is(err, pki.ErrSetupNotReady), errors.Is(err, pki.ErrEngineUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, workflow.ErrNotYourTurn), errors.Is(err, ErrWrongSigner),
		errors.Is(err, ErrAccountRequired), errors.Is(err, util.ErrWrongPassphrase):
		return http.StatusUnprocessableEntity
	case errors.Is(err, credentials.ErrNotFound), errors.Is(err, credentials.ErrExpired),
		errors.Is(err, credentials.ErrWrongUser):
		return http.StatusUnauthorized
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
