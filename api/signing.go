package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironsign/progress"
	"github.com/jmcleod/ironsign/workflow"
)

// Sign handles POST /sign-requests/{uuid}/sign. One job is queued per file;
// the client polls the progress endpoint for the outcome.
func (a *API) Sign(w http.ResponseWriter, r *http.Request) {
	reqUUID := chi.URLParam(r, "uuid")
	body, ok := decodeJSON[SignRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if body.Password != "" && body.CredentialsID != "" {
		writeError(w, http.StatusBadRequest, "send either a password or a credentials id")
		return
	}
	if body.Password != "" && body.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required to sign with a password")
		return
	}

	cmd := workflow.SignCommand{
		SignRequestUUID: reqUUID,
		UserID:          body.UserID,
		CredentialsID:   body.CredentialsID,
	}
	if body.Password != "" {
		password := body.Password
		cmd.Deposit = func() (string, error) {
			return a.Credentials.Put(body.UserID, []byte(password))
		}
	}
	n, err := a.Workflow.RequestSigning(r.Context(), cmd)
	if err != nil {
		mapError(w, err)
		return
	}
	if body.Password != "" {
		a.audit.logEvent(AuditCredentialsStored, r, body.UserID, slog.Int("jobs", n))
	}
	a.audit.logEvent(AuditSignRequested, r, body.UserID, slog.String("sign_request_uuid", reqUUID), slog.Int("jobs", n))
	writeJSON(w, http.StatusAccepted, SignResponse{Jobs: n})
}

// CancelSignRequest handles POST /sign-requests/{uuid}/cancel. The body is
// optional.
func (a *API) CancelSignRequest(w http.ResponseWriter, r *http.Request) {
	reqUUID := chi.URLParam(r, "uuid")
	var body CancelRequest
	if r.ContentLength > 0 {
		var ok bool
		if body, ok = decodeJSON[CancelRequest](w, r, maxSmallBodySize); !ok {
			return
		}
	}
	sr, err := a.Workflow.CancelSignRequest(r.Context(), reqUUID, body.Actor)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditSignCanceled, r, slog.String("sign_request_uuid", reqUUID), slog.String("actor", body.Actor))
	writeJSON(w, http.StatusOK, signRequestResponse(sr))
}

// GetProgress handles GET /sign-requests/{uuid}/progress. Requests on an
// envelope child also report the aggregated envelope snapshot.
func (a *API) GetProgress(w http.ResponseWriter, r *http.Request) {
	reqUUID := chi.URLParam(r, "uuid")
	sr, err := a.Store.GetSignRequestByUUID(r.Context(), reqUUID)
	if err != nil {
		mapError(w, err)
		return
	}
	resp := ProgressResponse{SignRequestUUID: reqUUID}
	if snap, ok := a.Progress.Get(reqUUID); ok {
		resp.Files = snap.Files
		resp.Error = snap.Error
	}
	if resp.Files == nil {
		resp.Files = map[int64]*progress.FileProgress{}
	}

	f, err := a.Store.GetFile(r.Context(), sr.FileID)
	if err != nil {
		mapError(w, err)
		return
	}
	if f.ParentID != nil {
		env, err := a.Store.GetFile(r.Context(), *f.ParentID)
		if err != nil {
			mapError(w, err)
			return
		}
		if snap, ok := a.Progress.Get(env.UUID); ok {
			resp.Envelope = snap
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
