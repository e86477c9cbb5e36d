package model

import "time"

// IdentifyMethod is how a signer proves who they are.
type IdentifyMethod string

const (
	IdentifyAccount IdentifyMethod = "account"
	IdentifyEmail   IdentifyMethod = "email"
	IdentifyToken   IdentifyMethod = "token"
)

// SignRequest is one signer's obligation to sign one file.
type SignRequest struct {
	ID     int64  `json:"id"`
	UUID   string `json:"uuid"`
	FileID int64  `json:"file_id"`
	// UserID is the signer account, empty for external signers or after
	// the account was deleted.
	UserID         string         `json:"user_id,omitempty"`
	DisplayName    string         `json:"display_name"`
	Email          string         `json:"email,omitempty"`
	IdentifyMethod IdentifyMethod `json:"identify_method"`
	SigningOrder   int            `json:"signing_order"`
	Signed         *time.Time     `json:"signed,omitempty"`
	Canceled       bool           `json:"canceled,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (r *SignRequest) IsSigned() bool {
	return r.Signed != nil
}

// MarkSigned sets the signed timestamp. It can happen only once.
func (r *SignRequest) MarkSigned(now time.Time) error {
	if r.Signed != nil {
		return ErrAlreadySigned
	}
	now = now.UTC()
	r.Signed = &now
	return nil
}

// Clone returns a deep copy.
func (r *SignRequest) Clone() *SignRequest {
	cp := *r
	if r.Signed != nil {
		t := *r.Signed
		cp.Signed = &t
	}
	return &cp
}
