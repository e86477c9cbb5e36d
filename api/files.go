package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/workflow"
)

var pdfMagic = []byte("%PDF-")

func fileIDParam(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "fileID"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid file id %q", chi.URLParam(r, "fileID"))
	}
	return id, nil
}

func parseFlow(s string) (model.SignatureFlow, error) {
	if s == "" {
		return model.FlowNone, nil
	}
	return model.SignatureFlowFromString(s)
}

// storeContent decodes a base64 PDF and writes it under a fresh node id.
func (a *API) storeContent(ctx context.Context, name, content string) (string, error) {
	if name == "" {
		return "", badRequest("name is required")
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return "", badRequest("content of %q is not valid base64", name)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return "", badRequest("content of %q is not a PDF document", name)
	}
	nodeID := "files/" + uuid.NewString() + ".pdf"
	if err := a.Content.Put(ctx, nodeID, data); err != nil {
		return "", err
	}
	return nodeID, nil
}

func newFile(req CreateFileRequest, nodeID string) (workflow.NewFile, error) {
	flow, err := parseFlow(req.SignatureFlow)
	if err != nil {
		return workflow.NewFile{}, err
	}
	level, err := model.DocMdpLevelFromInt(req.DocMdpLevel)
	if err != nil {
		return workflow.NewFile{}, err
	}
	return workflow.NewFile{
		Name:          req.Name,
		NodeID:        nodeID,
		UserID:        req.UserID,
		SignatureFlow: flow,
		DocMdpLevel:   level,
	}, nil
}

// CreateFile handles POST /files.
func (a *API) CreateFile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateFileRequest](w, r, maxFileBodySize)
	if !ok {
		return
	}
	nodeID, err := a.storeContent(r.Context(), req.Name, req.Content)
	if err != nil {
		mapError(w, err)
		return
	}
	nf, err := newFile(req, nodeID)
	if err != nil {
		mapError(w, err)
		return
	}
	f, err := a.Workflow.CreateFile(r.Context(), nf)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditFileCreated, r, req.UserID, slog.Int64("file_id", f.ID))
	writeJSON(w, http.StatusCreated, fileResponse(f))
}

// CreateEnvelope handles POST /envelopes.
func (a *API) CreateEnvelope(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CreateEnvelopeRequest](w, r, maxFileBodySize)
	if !ok {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "an envelope needs at least one file")
		return
	}
	// Children inherit flow and level from the envelope.
	envelope, err := newFile(CreateFileRequest{
		Name:          req.Name,
		UserID:        req.UserID,
		SignatureFlow: req.SignatureFlow,
		DocMdpLevel:   req.DocMdpLevel,
	}, "")
	if err != nil {
		mapError(w, err)
		return
	}
	children := make([]workflow.NewFile, 0, len(req.Files))
	for _, cf := range req.Files {
		nodeID, err := a.storeContent(r.Context(), cf.Name, cf.Content)
		if err != nil {
			mapError(w, err)
			return
		}
		children = append(children, workflow.NewFile{Name: cf.Name, NodeID: nodeID, UserID: cf.UserID})
	}
	env, files, err := a.Workflow.CreateEnvelope(r.Context(), envelope, children)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := fileResponse(env)
	for _, f := range files {
		resp.Children = append(resp.Children, fileResponse(f))
	}
	a.audit.logEvent(AuditEnvelopeCreated, r, req.UserID, slog.Int64("file_id", env.ID), slog.Int("files", len(files)))
	writeJSON(w, http.StatusCreated, resp)
}

// GetFile handles GET /files/{fileID}. Envelope status is derived from its
// children on read.
func (a *API) GetFile(w http.ResponseWriter, r *http.Request) {
	id, err := fileIDParam(r)
	if err != nil {
		mapError(w, err)
		return
	}
	f, err := a.Store.GetFile(r.Context(), id)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := fileResponse(f)
	if f.IsEnvelope() {
		status, err := a.Workflow.EnvelopeStatus(r.Context(), f.ID)
		if err != nil {
			mapError(w, err)
			return
		}
		if f.Status != model.StatusDeleted {
			resp.Status = int(status)
			resp.StatusText = status.Label()
		}
		children, err := a.Store.ListChildren(r.Context(), f.ID)
		if err != nil {
			mapError(w, err)
			return
		}
		for _, c := range children {
			resp.Children = append(resp.Children, fileResponse(c))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteFile handles DELETE /files/{fileID}.
func (a *API) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id, err := fileIDParam(r)
	if err != nil {
		mapError(w, err)
		return
	}
	if err := a.Workflow.DeleteFile(r.Context(), id); err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditFileDeleted, r, slog.Int64("file_id", id))
	w.WriteHeader(http.StatusNoContent)
}

func toSigners(in []SignerRequest) []docmdp.Signer {
	out := make([]docmdp.Signer, 0, len(in))
	for _, s := range in {
		out = append(out, docmdp.Signer{
			DisplayName:    s.DisplayName,
			Email:          s.Email,
			UserID:         s.UserID,
			IdentifyMethod: model.IdentifyMethod(s.IdentifyMethod),
			SigningOrder:   s.SigningOrder,
		})
	}
	return out
}

// AddSigners handles POST /files/{fileID}/signers.
func (a *API) AddSigners(w http.ResponseWriter, r *http.Request) {
	id, err := fileIDParam(r)
	if err != nil {
		mapError(w, err)
		return
	}
	req, ok := decodeJSON[AddSignersRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	created, err := a.Workflow.AddSigners(r.Context(), id, toSigners(req.Signers))
	if err != nil {
		a.audit.logFailure(AuditSignersRejected, r, err.Error(), slog.Int64("file_id", id))
		mapError(w, err)
		return
	}
	resp := AddSignersResponse{SignRequests: make([]SignRequestResponse, 0, len(created))}
	for _, sr := range created {
		resp.SignRequests = append(resp.SignRequests, signRequestResponse(sr))
	}
	a.audit.log(AuditSignersAdded, r, slog.Int64("file_id", id), slog.Int("sign_requests", len(created)))
	writeJSON(w, http.StatusCreated, resp)
}

// ValidateSigners handles POST /files/validate-signers. It checks the
// DocMDP rules without creating anything.
func (a *API) ValidateSigners(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[ValidateSignersRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	err := a.Validator.ValidateSignersCount(r.Context(), docmdp.SignersRequest{
		FileID:  req.FileID,
		Signers: toSigners(req.Signers),
	})
	if err != nil {
		a.audit.logFailure(AuditSignersRejected, r, err.Error(), slog.Int64("file_id", req.FileID))
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ValidateSignersResponse{Valid: true})
}
