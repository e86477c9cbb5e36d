package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/events"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/store"
)

// JobSignSingleFile is the queue name of the per-file signing job.
const JobSignSingleFile = "sign_single_file"

// ErrNoSigners is returned when AddSigners gets an empty list.
var ErrNoSigners = errors.New("at least one signer is required")

// Enqueuer submits background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload map[string]any) error
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(evt events.Event)
}

// Service implements the file lifecycle operations.
type Service struct {
	store     *store.Store
	validator *docmdp.Validator
	queue     Enqueuer
	bus       Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// Config wires a Service. Logger and Now are optional.
type Config struct {
	Store     *store.Store
	Validator *docmdp.Validator
	Queue     Enqueuer
	Bus       Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:     cfg.Store,
		validator: cfg.Validator,
		queue:     cfg.Queue,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
}

// NewFile describes a document to put under signature management.
type NewFile struct {
	Name          string
	NodeID        string
	UserID        string
	SignatureFlow model.SignatureFlow
	DocMdpLevel   model.DocMdpLevel
}

func (n NewFile) file(now time.Time) *model.File {
	flow := n.SignatureFlow
	if flow == model.FlowNone {
		flow = model.FlowParallel
	}
	f := &model.File{
		NodeID:        n.NodeID,
		NodeType:      model.NodeTypeFile,
		Name:          n.Name,
		Status:        model.StatusDraft,
		SignatureFlow: flow,
		DocMdpLevel:   n.DocMdpLevel,
		UserID:        n.UserID,
	}
	f.Metadata.Touch(now)
	return f
}

// CreateFile stores a new draft file.
func (s *Service) CreateFile(ctx context.Context, n NewFile) (*model.File, error) {
	f := n.file(s.now())
	if err := s.store.CreateFile(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// CreateEnvelope stores a draft envelope and its children. The children
// inherit the envelope's signature flow and DocMDP level.
func (s *Service) CreateEnvelope(ctx context.Context, envelope NewFile, children []NewFile) (*model.File, []*model.File, error) {
	if len(children) == 0 {
		return nil, nil, errors.New("an envelope needs at least one file")
	}
	env := envelope.file(s.now())
	env.NodeType = model.NodeTypeEnvelope
	if err := s.store.CreateFile(ctx, env); err != nil {
		return nil, nil, err
	}
	out := make([]*model.File, 0, len(children))
	for _, c := range children {
		c.SignatureFlow = env.SignatureFlow
		c.DocMdpLevel = env.DocMdpLevel
		if c.UserID == "" {
			c.UserID = env.UserID
		}
		child := c.file(s.now())
		parent := env.ID
		child.ParentID = &parent
		if err := s.store.CreateFile(ctx, child); err != nil {
			return nil, nil, fmt.Errorf("creating envelope child %q: %w", c.Name, err)
		}
		out = append(out, child)
	}
	return env, out, nil
}

// targets returns the files that carry sign requests for fileID: the
// children of an envelope, or the file itself.
func (s *Service) targets(ctx context.Context, f *model.File) ([]*model.File, error) {
	if !f.IsEnvelope() {
		return []*model.File{f}, nil
	}
	return s.store.ListChildren(ctx, f.ID)
}

// AddSigners validates the request against DocMDP and creates one sign
// request per signer on the file, or on every child of an envelope that is
// not already signed. Draft files become available for signature.
func (s *Service) AddSigners(ctx context.Context, fileID int64, signers []docmdp.Signer) ([]*model.SignRequest, error) {
	if len(signers) == 0 {
		return nil, ErrNoSigners
	}
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.Status.IsTerminal() || f.Status == model.StatusSigned {
		return nil, fmt.Errorf("%w: %s", ErrNotSignable, f.Status.Label())
	}
	all, err := s.targets(ctx, f)
	if err != nil {
		return nil, err
	}
	// Signed children of a partially signed envelope keep their signers.
	var targets []*model.File
	for _, t := range all {
		if !t.Status.IsTerminal() && t.Status != model.StatusSigned {
			targets = append(targets, t)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no child left to sign", ErrNotSignable)
	}
	for _, t := range targets {
		if err := s.validator.ValidateSignersCount(ctx, docmdp.SignersRequest{FileID: t.ID, Signers: signers}); err != nil {
			return nil, err
		}
		if err := s.validator.ValidatePdfRestrictions(ctx, t); err != nil {
			return nil, err
		}
	}

	var created []*model.SignRequest
	for _, t := range targets {
		for i, sg := range signers {
			order := sg.SigningOrder
			if order == 0 {
				order = i + 1
			}
			method := sg.IdentifyMethod
			if method == "" {
				method = model.IdentifyAccount
				if sg.UserID == "" {
					method = model.IdentifyEmail
				}
			}
			r := &model.SignRequest{
				FileID:         t.ID,
				UserID:         sg.UserID,
				DisplayName:    sg.DisplayName,
				Email:          sg.Email,
				IdentifyMethod: method,
				SigningOrder:   order,
			}
			if err := s.store.CreateSignRequest(ctx, r); err != nil {
				return nil, err
			}
			created = append(created, r)
		}
		if _, err := s.RecomputeFile(ctx, t.ID, nil); err != nil {
			return nil, err
		}
	}
	if f.IsEnvelope() {
		if _, err := s.RecomputeEnvelope(ctx, f.ID); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// applyStatus moves f to status when the lifecycle allows it.
func (s *Service) applyStatus(f *model.File, status model.FileStatus, now time.Time) bool {
	if f.Status == status {
		return false
	}
	if err := f.TransitionTo(status, now); err != nil {
		s.logger.Warn("skipping status change", "file_id", f.ID, "from", f.Status.String(), "to", status.String(), "error", err)
		return false
	}
	return true
}

// RecomputeFile derives the status of a single file from its sign
// requests. mutate, when set, runs inside the same update.
func (s *Service) RecomputeFile(ctx context.Context, fileID int64, mutate func(f *model.File, status model.FileStatus) bool) (*model.File, error) {
	reqs, err := s.store.ListSignRequestsByFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	status := FileStatusFromRequests(reqs)
	now := s.now()
	f, _, err := s.store.ModifyFile(ctx, fileID, func(f *model.File) (bool, error) {
		if f.Status.IsTerminal() {
			return false, nil
		}
		changed := s.applyStatus(f, status, now)
		if mutate != nil && mutate(f, status) {
			changed = true
		}
		return changed, nil
	})
	return f, err
}

// RecomputeEnvelope stores the status derived from every child.
func (s *Service) RecomputeEnvelope(ctx context.Context, envelopeID int64) (*model.File, error) {
	status, err := s.EnvelopeStatus(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	f, _, err := s.store.ModifyFile(ctx, envelopeID, func(f *model.File) (bool, error) {
		if f.Status.IsTerminal() {
			return false, nil
		}
		return s.applyStatus(f, status, now), nil
	})
	return f, err
}

// EnvelopeStatus derives the envelope status on read.
func (s *Service) EnvelopeStatus(ctx context.Context, envelopeID int64) (model.FileStatus, error) {
	children, err := s.store.ListChildren(ctx, envelopeID)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	reqs, err := s.store.SignRequestsByFile(ctx, ids)
	if err != nil {
		return 0, err
	}
	return DetermineStatus(children, reqs), nil
}

// SignCommand asks for a sign request to be fulfilled asynchronously.
type SignCommand struct {
	SignRequestUUID string
	UserID          string
	CredentialsID   string
	// Deposit, when set, is called once per enqueued job for a fresh
	// credentials id. Credentials are taken once, so a password shared by
	// several jobs needs one deposit each.
	Deposit func() (string, error)
}

// RequestSigning enqueues one signing job per file. For an envelope child
// this covers every sibling request of the same signer, so each file of the
// envelope is signed by an independent job.
func (s *Service) RequestSigning(ctx context.Context, cmd SignCommand) (int, error) {
	req, err := s.store.GetSignRequestByUUID(ctx, cmd.SignRequestUUID)
	if err != nil {
		return 0, err
	}
	if req.Canceled {
		return 0, ErrRequestCanceled
	}
	f, err := s.store.GetFile(ctx, req.FileID)
	if err != nil {
		return 0, err
	}

	batch := []*model.SignRequest{req}
	files := map[int64]*model.File{f.ID: f}
	if f.ParentID != nil {
		siblings, children, err := s.siblingRequests(ctx, *f.ParentID, req)
		if err != nil {
			return 0, err
		}
		batch = siblings
		for _, c := range children {
			files[c.ID] = c
		}
	}

	// A retry after a partial failure targets only the files still open.
	pending := batch[:0:0]
	for _, r := range batch {
		if t, ok := files[r.FileID]; ok && t.Status.IsSignable() {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrNotSignable, f.Status.Label())
	}

	enqueued := 0
	for _, r := range pending {
		if r.IsSigned() || r.Canceled {
			continue
		}
		credentialsID := cmd.CredentialsID
		if cmd.Deposit != nil {
			if credentialsID, err = cmd.Deposit(); err != nil {
				return enqueued, fmt.Errorf("depositing credentials: %w", err)
			}
		}
		payload := map[string]any{
			"fileId":        r.FileID,
			"signRequestId": r.ID,
			"userId":        cmd.UserID,
			"credentialsId": credentialsID,
		}
		if err := s.queue.Enqueue(ctx, JobSignSingleFile, payload); err != nil {
			return enqueued, fmt.Errorf("enqueueing signing job: %w", err)
		}
		enqueued++
	}
	return enqueued, nil
}

// siblingRequests returns the requests of the same signer across every
// child of an envelope, along with the children.
func (s *Service) siblingRequests(ctx context.Context, envelopeID int64, req *model.SignRequest) ([]*model.SignRequest, []*model.File, error) {
	children, err := s.store.ListChildren(ctx, envelopeID)
	if err != nil {
		return nil, nil, err
	}
	ids := make([]int64, 0, len(children))
	for _, c := range children {
		ids = append(ids, c.ID)
	}
	byFile, err := s.store.SignRequestsByFile(ctx, ids)
	if err != nil {
		return nil, nil, err
	}
	var out []*model.SignRequest
	for _, id := range ids {
		for _, r := range byFile[id] {
			if sameSigner(r, req) {
				out = append(out, r)
			}
		}
	}
	return out, children, nil
}

func sameSigner(a, b *model.SignRequest) bool {
	if a.ID == b.ID {
		return true
	}
	if a.UserID != "" || b.UserID != "" {
		return a.UserID == b.UserID
	}
	return a.Email != "" && a.Email == b.Email
}

// CancelSignRequest marks a pending request canceled so future jobs no-op,
// then publishes SignRequestCanceledEvent. An in-flight signature is not
// interrupted.
func (s *Service) CancelSignRequest(ctx context.Context, signRequestUUID, actor string) (*model.SignRequest, error) {
	req, err := s.store.GetSignRequestByUUID(ctx, signRequestUUID)
	if err != nil {
		return nil, err
	}
	req, changed, err := s.store.ModifySignRequest(ctx, req.ID, func(r *model.SignRequest) (bool, error) {
		if r.IsSigned() {
			return false, model.ErrAlreadySigned
		}
		if r.Canceled {
			return false, nil
		}
		r.Canceled = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return req, nil
	}

	f, err := s.RecomputeFile(ctx, req.FileID, nil)
	if err != nil {
		return nil, err
	}
	if f.ParentID != nil {
		if _, err := s.RecomputeEnvelope(ctx, *f.ParentID); err != nil {
			return nil, err
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.SignRequestCanceledEvent{SignRequest: req, File: f, Actor: actor, CanceledAt: s.now().UTC()})
	}
	s.logger.Info("sign request canceled", "sign_request_uuid", req.UUID, "file_id", req.FileID, "actor", actor)
	return req, nil
}

// DeleteFile moves a file, or an envelope and its children, to Deleted.
func (s *Service) DeleteFile(ctx context.Context, fileID int64) error {
	f, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	ids := []int64{f.ID}
	if f.IsEnvelope() {
		children, err := s.store.ListChildren(ctx, f.ID)
		if err != nil {
			return err
		}
		for _, c := range children {
			ids = append(ids, c.ID)
		}
	}
	now := s.now()
	for _, id := range ids {
		_, _, err := s.store.ModifyFile(ctx, id, func(f *model.File) (bool, error) {
			if f.Status == model.StatusDeleted {
				return false, nil
			}
			return true, f.TransitionTo(model.StatusDeleted, now)
		})
		if err != nil {
			return fmt.Errorf("deleting file %d: %w", id, err)
		}
	}
	return nil
}
