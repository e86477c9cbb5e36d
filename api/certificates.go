package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/ironsign/jobs"
	"github.com/jmcleod/ironsign/model"
)

// parseReason accepts a numeric RFC 5280 code or a reason name. A missing
// reason means unspecified.
func parseReason(v any) (model.CRLReason, error) {
	switch r := v.(type) {
	case nil:
		return model.ReasonUnspecified, nil
	case float64:
		if r != float64(int(r)) {
			return 0, badRequest("reason %v is not an integer", r)
		}
		return model.CRLReasonFromInt(int(r))
	case json.Number:
		n, err := r.Int64()
		if err != nil {
			return 0, badRequest("reason %q is not an integer", r.String())
		}
		return model.CRLReasonFromInt(int(n))
	case string:
		if r == "" {
			return model.ReasonUnspecified, nil
		}
		return model.CRLReasonFromString(r)
	default:
		return 0, badRequest("reason must be a code or a name, got %T", v)
	}
}

// RevokeCertificate handles POST /certificates/{serial}/revoke.
func (a *API) RevokeCertificate(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	req, ok := decodeJSON[RevokeCertificateRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	reason, err := parseReason(req.Reason)
	if err != nil {
		mapError(w, err)
		return
	}
	found, err := a.CRL.RevokeCertificate(r.Context(), serial, reason, req.Note, req.Actor)
	if err != nil {
		mapError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("certificate %s not found", serial))
		return
	}
	a.audit.log(AuditCertRevoked, r,
		slog.String("serial", serial),
		slog.String("reason", reason.String()),
		slog.String("actor", req.Actor),
	)
	writeJSON(w, http.StatusOK, RevokeCertificateResponse{SerialNumber: serial, Revoked: true})
}

// ListUserCertificates handles GET /users/{userID}/certificates.
func (a *API) ListUserCertificates(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entries, err := a.CRL.ListUserCertificates(r.Context(), userID)
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(entries, limit, offset)
	resp := ListCertificatesResponse{
		Certificates:   make([]CertificateResponse, 0, len(page)),
		PaginationMeta: meta,
	}
	for _, e := range page {
		resp.Certificates = append(resp.Certificates, certificateResponse(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetCRL handles GET /crl/{name}, the public distribution point embedded in
// every issued certificate.
func (a *API) GetCRL(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	der, err := a.CRL.GetRevocationListByName(r.Context(), name)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.log(AuditCRLDownloaded, r, slog.String("name", name))
	w.Header().Set("Content-Type", "application/pkix-crl")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.WriteHeader(http.StatusOK)
	w.Write(der)
}

// DeleteUser handles DELETE /users/{userID}. Certificates are revoked and
// references released by a background job.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var body DeleteUserRequest
	if r.ContentLength > 0 {
		var ok bool
		if body, ok = decodeJSON[DeleteUserRequest](w, r, maxSmallBodySize); !ok {
			return
		}
	}
	payload := map[string]any{"user_id": userID}
	if body.DisplayName != "" {
		payload["display_name"] = body.DisplayName
	}
	if err := a.Queue.Enqueue(r.Context(), jobs.JobUserDeleted, payload); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditUserDeleted, r, userID)
	w.WriteHeader(http.StatusAccepted)
}
