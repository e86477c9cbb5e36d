package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jmcleod/ironsign/credentials"
	"github.com/jmcleod/ironsign/docmdp"
	"github.com/jmcleod/ironsign/jobs"
	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/pki"
	"github.com/jmcleod/ironsign/storage"
	"github.com/jmcleod/ironsign/store"
	"github.com/jmcleod/ironsign/workflow"
)

const (
	maxSmallBodySize = 64 << 10
	maxFileBodySize  = 32 << 20
)

var errBadRequest = errors.New("bad request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and answers with a generic message so that
// storage or engine details never reach the client.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

// decodeJSON reads a JSON body of at most limit bytes into T. On failure it
// writes the response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, limit int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return v, false
	}
	return v, true
}

func mapError(w http.ResponseWriter, err error) {
	var mdp *docmdp.ValidationError
	switch {
	case errors.As(err, &mdp):
		writeError(w, http.StatusUnprocessableEntity, mdp.Error())
	case errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pki.ErrEngineNotFound), errors.Is(err, pki.ErrInvalidCRLName):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pki.ErrSetupNotReady), errors.Is(err, pki.ErrEngineUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, jobs.ErrQueueFull), errors.Is(err, jobs.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "signing is temporarily unavailable, retry later")
	case errors.Is(err, storage.ErrCASFailed), errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrAlreadySigned):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrNoSigners),
		errors.Is(err, workflow.ErrNotSignable),
		errors.Is(err, workflow.ErrNotYourTurn),
		errors.Is(err, workflow.ErrRequestCanceled),
		errors.Is(err, model.ErrInvalidFileStatus),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, model.ErrInvalidSignatureFlow),
		errors.Is(err, model.ErrInvalidDocMdpLevel),
		errors.Is(err, model.ErrInvalidCRLReason):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, credentials.ErrWrongUser):
		writeError(w, http.StatusForbidden, err.Error())
	default:
		writeInternalError(w, "internal error", err)
	}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}
