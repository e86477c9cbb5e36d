package model

import (
	"fmt"
	"time"
)

// NodeType distinguishes a plain document from an envelope of documents.
type NodeType string

const (
	NodeTypeFile     NodeType = "file"
	NodeTypeEnvelope NodeType = "envelope"
)

// File is a document, or an envelope, under signature management.
type File struct {
	ID       int64    `json:"id"`
	UUID     string   `json:"uuid"`
	NodeID   string   `json:"node_id"`
	NodeType NodeType `json:"node_type"`
	// ParentID links an envelope child to its envelope.
	ParentID      *int64        `json:"parent_id,omitempty"`
	Name          string        `json:"name"`
	Status        FileStatus    `json:"status"`
	SignatureFlow SignatureFlow `json:"signature_flow"`
	DocMdpLevel   DocMdpLevel   `json:"docmdp_level"`
	// SignedHash is the content hash once the file is fully signed.
	SignedHash string    `json:"signed_hash,omitempty"`
	Metadata   Metadata  `json:"metadata"`
	UserID     string    `json:"user_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (f *File) IsEnvelope() bool {
	return f.NodeType == NodeTypeEnvelope
}

// TransitionTo changes the status if the lifecycle allows it and stamps
// status_changed_at when the status actually changes.
func (f *File) TransitionTo(next FileStatus, now time.Time) error {
	if !f.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.Status, next)
	}
	if f.Status != next {
		f.Metadata.Touch(now)
	}
	f.Status = next
	f.UpdatedAt = now.UTC()
	return nil
}

// Clone returns a deep copy.
func (f *File) Clone() *File {
	cp := *f
	if f.ParentID != nil {
		p := *f.ParentID
		cp.ParentID = &p
	}
	cp.Metadata = f.Metadata.Clone()
	return &cp
}
