package api

import (
	"time"

	"github.com/jmcleod/ironsign/model"
	"github.com/jmcleod/ironsign/progress"
)

// CreateFileRequest is the JSON body for POST /files.
type CreateFileRequest struct {
	Name string `json:"name"`
	// Content is the base64 encoded PDF.
	Content       string `json:"content"`
	UserID        string `json:"user_id,omitempty"`
	SignatureFlow string `json:"signature_flow,omitempty"`
	DocMdpLevel   int    `json:"docmdp_level,omitempty"`
}

// CreateEnvelopeRequest is the JSON body for POST /envelopes.
type CreateEnvelopeRequest struct {
	Name          string              `json:"name"`
	UserID        string              `json:"user_id,omitempty"`
	SignatureFlow string              `json:"signature_flow,omitempty"`
	DocMdpLevel   int                 `json:"docmdp_level,omitempty"`
	Files         []CreateFileRequest `json:"files"`
}

// FileResponse describes a file or envelope.
type FileResponse struct {
	ID            int64          `json:"id"`
	UUID          string         `json:"uuid"`
	Name          string         `json:"name"`
	NodeType      string         `json:"node_type"`
	ParentID      *int64         `json:"parent_id,omitempty"`
	Status        int            `json:"status"`
	StatusText    string         `json:"status_text"`
	SignatureFlow string         `json:"signature_flow"`
	DocMdpLevel   int            `json:"docmdp_level"`
	SignedHash    string         `json:"signed_hash,omitempty"`
	Signing       bool           `json:"signing_in_progress"`
	CreatedAt     time.Time      `json:"created_at"`
	Children      []FileResponse `json:"children,omitempty"`
}

func fileResponse(f *model.File) FileResponse {
	return FileResponse{
		ID:            f.ID,
		UUID:          f.UUID,
		Name:          f.Name,
		NodeType:      string(f.NodeType),
		ParentID:      f.ParentID,
		Status:        int(f.Status),
		StatusText:    f.Status.Label(),
		SignatureFlow: f.SignatureFlow.String(),
		DocMdpLevel:   int(f.DocMdpLevel),
		SignedHash:    f.SignedHash,
		Signing:       f.Metadata.SigningInProgress,
		CreatedAt:     f.CreatedAt,
	}
}

// SignerRequest names one signer.
type SignerRequest struct {
	DisplayName    string `json:"display_name"`
	Email          string `json:"email,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	IdentifyMethod string `json:"identify_method,omitempty"`
	SigningOrder   int    `json:"signing_order,omitempty"`
}

// AddSignersRequest is the JSON body for POST /files/{fileID}/signers.
type AddSignersRequest struct {
	Signers []SignerRequest `json:"signers"`
}

// ValidateSignersRequest is the JSON body for POST /files/validate-signers.
type ValidateSignersRequest struct {
	FileID  int64           `json:"file_id,omitempty"`
	Signers []SignerRequest `json:"signers"`
}

// ValidateSignersResponse is returned when the signers are acceptable.
type ValidateSignersResponse struct {
	Valid bool `json:"valid"`
}

// SignRequestResponse describes one sign request.
type SignRequestResponse struct {
	ID             int64      `json:"id"`
	UUID           string     `json:"uuid"`
	FileID         int64      `json:"file_id"`
	DisplayName    string     `json:"display_name"`
	Email          string     `json:"email,omitempty"`
	UserID         string     `json:"user_id,omitempty"`
	IdentifyMethod string     `json:"identify_method"`
	SigningOrder   int        `json:"signing_order"`
	Signed         *time.Time `json:"signed,omitempty"`
	Canceled       bool       `json:"canceled,omitempty"`
}

func signRequestResponse(r *model.SignRequest) SignRequestResponse {
	return SignRequestResponse{
		ID:             r.ID,
		UUID:           r.UUID,
		FileID:         r.FileID,
		DisplayName:    r.DisplayName,
		Email:          r.Email,
		UserID:         r.UserID,
		IdentifyMethod: string(r.IdentifyMethod),
		SigningOrder:   r.SigningOrder,
		Signed:         r.Signed,
		Canceled:       r.Canceled,
	}
}

// AddSignersResponse is returned from POST /files/{fileID}/signers.
type AddSignersResponse struct {
	SignRequests []SignRequestResponse `json:"sign_requests"`
}

// SignRequest is the JSON body for POST /sign-requests/{uuid}/sign. A
// password is deposited in the credentials cache and never stored.
type SignRequest struct {
	UserID        string `json:"user_id,omitempty"`
	CredentialsID string `json:"credentials_id,omitempty"`
	Password      string `json:"password,omitempty"`
}

// SignResponse is returned from POST /sign-requests/{uuid}/sign.
type SignResponse struct {
	Jobs int `json:"jobs"`
}

// CancelRequest is the JSON body for POST /sign-requests/{uuid}/cancel.
type CancelRequest struct {
	Actor string `json:"actor,omitempty"`
}

// ProgressResponse is returned from GET /sign-requests/{uuid}/progress.
type ProgressResponse struct {
	SignRequestUUID string                           `json:"sign_request_uuid"`
	Files           map[int64]*progress.FileProgress `json:"files,omitempty"`
	Error           *progress.ErrorPayload           `json:"error,omitempty"`
	Envelope        *progress.Snapshot               `json:"envelope,omitempty"`
}

// RevokeCertificateRequest is the JSON body for POST /certificates/{serial}/revoke.
// Reason accepts an RFC 5280 code or name; missing means unspecified.
type RevokeCertificateRequest struct {
	Reason any    `json:"reason,omitempty"`
	Note   string `json:"note,omitempty"`
	Actor  string `json:"actor,omitempty"`
}

// RevokeCertificateResponse is returned from POST /certificates/{serial}/revoke.
type RevokeCertificateResponse struct {
	SerialNumber string `json:"serial_number"`
	Revoked      bool   `json:"revoked"`
}

// CertificateResponse describes one issued certificate.
type CertificateResponse struct {
	SerialNumber string     `json:"serial_number"`
	Status       string     `json:"status"`
	Engine       string     `json:"engine"`
	IssuedAt     time.Time  `json:"issued_at"`
	ValidTo      time.Time  `json:"valid_to"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Ephemeral    bool       `json:"ephemeral,omitempty"`
}

func certificateResponse(e *model.CrlEntry) CertificateResponse {
	c := CertificateResponse{
		SerialNumber: e.SerialNumber,
		Status:       string(e.Status),
		Engine:       e.Engine.String(),
		IssuedAt:     e.IssuedAt,
		ValidTo:      e.ValidTo,
		RevokedAt:    e.RevokedAt,
		Ephemeral:    e.SignedWithoutPassword,
	}
	if e.ReasonCode != nil {
		c.Reason = e.ReasonCode.String()
	}
	return c
}

// ListCertificatesResponse is returned from GET /users/{userID}/certificates.
type ListCertificatesResponse struct {
	Certificates []CertificateResponse `json:"certificates"`
	PaginationMeta
}

// DeleteUserRequest is the optional JSON body for DELETE /users/{userID}.
type DeleteUserRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
