// Package progress keeps short lived signing progress and error reports
// that clients poll per sign request.
package progress

import (
	"maps"
	"strconv"
	"time"
)

// FileError is the failure of one file inside an envelope.
type FileError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ErrorPayload is the structured error a client retrieves for a sign
// request. Build it with NewErrorPayload and the With* methods.
type ErrorPayload struct {
	Message         string               `json:"message"`
	Code            int                  `json:"code"`
	Timestamp       string               `json:"timestamp"`
	FileID          *int64               `json:"fileId,omitempty"`
	SignRequestID   *int64               `json:"signRequestId,omitempty"`
	SignRequestUUID string               `json:"signRequestUuid,omitempty"`
	FileErrors      map[string]FileError `json:"fileErrors,omitempty"`
}

// NewErrorPayload starts a payload stamped with the current time.
func NewErrorPayload(message string) *ErrorPayload {
	return &ErrorPayload{Message: message, Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

func (p *ErrorPayload) WithCode(code int) *ErrorPayload {
	p.Code = code
	return p
}

func (p *ErrorPayload) WithFileID(id int64) *ErrorPayload {
	p.FileID = &id
	return p
}

func (p *ErrorPayload) WithSignRequestID(id int64) *ErrorPayload {
	p.SignRequestID = &id
	return p
}

func (p *ErrorPayload) WithSignRequestUUID(uuid string) *ErrorPayload {
	p.SignRequestUUID = uuid
	return p
}

func (p *ErrorPayload) WithTimestamp(t time.Time) *ErrorPayload {
	p.Timestamp = t.UTC().Format(time.RFC3339)
	return p
}

// AddFileError records a per-file failure. A later error for the same file
// replaces the earlier one.
func (p *ErrorPayload) AddFileError(fileID int64, message string, code int) *ErrorPayload {
	if p.FileErrors == nil {
		p.FileErrors = make(map[string]FileError)
	}
	p.FileErrors[strconv.FormatInt(fileID, 10)] = FileError{Message: message, Code: code}
	return p
}

// Merge folds the per-file errors of older into p, keeping p's own entries.
func (p *ErrorPayload) Merge(older *ErrorPayload) *ErrorPayload {
	if older == nil || len(older.FileErrors) == 0 {
		return p
	}
	merged := maps.Clone(older.FileErrors)
	for k, v := range p.FileErrors {
		merged[k] = v
	}
	p.FileErrors = merged
	return p
}

func (p *ErrorPayload) clone() *ErrorPayload {
	cp := *p
	cp.FileErrors = maps.Clone(p.FileErrors)
	if p.FileID != nil {
		id := *p.FileID
		cp.FileID = &id
	}
	if p.SignRequestID != nil {
		id := *p.SignRequestID
		cp.SignRequestID = &id
	}
	return &cp
}
