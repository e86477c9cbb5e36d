// Package events carries signing lifecycle events from the coordinator to
// independent subscribers such as CRL revocation and notifications.
package events

import (
	"time"

	"github.com/jmcleod/ironsign/model"
)

const (
	NameSigned              = "signed"
	NameSignRequestCanceled = "sign_request_canceled"
)

// Event is anything published on a Bus.
type Event interface {
	EventName() string
}

// SignedEvent is published after a sign request has been fulfilled for one
// file.
type SignedEvent struct {
	SignRequest    *model.SignRequest
	File           *model.File
	IdentifyMethod model.IdentifyMethod
	UserID         string
	// SignedFile is the node id of the stored signature artifact.
	SignedFile            string
	SignedWithoutPassword bool
	CertificateSerialHex  string
	SignedAt              time.Time
}

func (SignedEvent) EventName() string { return NameSigned }

// SignRequestCanceledEvent is published when a sign request is canceled.
type SignRequestCanceledEvent struct {
	SignRequest *model.SignRequest
	File        *model.File
	Actor       string
	CanceledAt  time.Time
}

func (SignRequestCanceledEvent) EventName() string { return NameSignRequestCanceled }
