package model

import (
	"fmt"
	"strings"
	"time"
)

// CRLStatus is the revocation state of an issued certificate.
type CRLStatus string

const (
	CRLStatusIssued  CRLStatus = "issued"
	CRLStatusRevoked CRLStatus = "revoked"
)

// CRLReason is an RFC 5280 CRLReason code. Value 7 is unassigned.
type CRLReason int

const (
	ReasonUnspecified          CRLReason = 0
	ReasonKeyCompromise        CRLReason = 1
	ReasonCACompromise         CRLReason = 2
	ReasonAffiliationChanged   CRLReason = 3
	ReasonSuperseded           CRLReason = 4
	ReasonCessationOfOperation CRLReason = 5
	ReasonCertificateHold      CRLReason = 6
	ReasonRemoveFromCRL        CRLReason = 8
	ReasonPrivilegeWithdrawn   CRLReason = 9
	ReasonAACompromise         CRLReason = 10
)

var crlReasonNames = map[CRLReason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "key_compromise",
	ReasonCACompromise:         "ca_compromise",
	ReasonAffiliationChanged:   "affiliation_changed",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessation_of_operation",
	ReasonCertificateHold:      "certificate_hold",
	ReasonRemoveFromCRL:        "remove_from_crl",
	ReasonPrivilegeWithdrawn:   "privilege_withdrawn",
	ReasonAACompromise:         "aa_compromise",
}

func CRLReasonFromInt(n int) (CRLReason, error) {
	r := CRLReason(n)
	if _, ok := crlReasonNames[r]; !ok {
		return 0, fmt.Errorf("%w: %d", ErrInvalidCRLReason, n)
	}
	return r, nil
}

// CRLReasonFromString accepts snake_case ("key_compromise") and RFC 5280
// camelCase ("keyCompromise") names.
func CRLReasonFromString(s string) (CRLReason, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	for r, name := range crlReasonNames {
		if strings.ReplaceAll(name, "_", "") == norm {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidCRLReason, s)
}

func (r CRLReason) String() string {
	if name, ok := crlReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("CRLReason(%d)", int(r))
}

func (r CRLReason) Description() string {
	switch r {
	case ReasonUnspecified:
		return "No specific reason given"
	case ReasonKeyCompromise:
		return "The private key was compromised"
	case ReasonCACompromise:
		return "The issuing CA key was compromised"
	case ReasonAffiliationChanged:
		return "The subject's affiliation changed"
	case ReasonSuperseded:
		return "The certificate was replaced"
	case ReasonCessationOfOperation:
		return "The certificate is no longer needed"
	case ReasonCertificateHold:
		return "The certificate is temporarily on hold"
	case ReasonRemoveFromCRL:
		return "The certificate was released from hold"
	case ReasonPrivilegeWithdrawn:
		return "A privilege in the certificate was withdrawn"
	case ReasonAACompromise:
		return "The attribute authority was compromised"
	default:
		return ""
	}
}

// CrlEntry tracks one issued certificate for revocation purposes. Entries
// are never deleted.
type CrlEntry struct {
	SerialNumber          string                `json:"serial_number"`
	Owner                 string                `json:"owner"`
	InstanceID            string                `json:"instance_id"`
	Generation            int                   `json:"generation"`
	Engine                CertificateEngineType `json:"engine"`
	Status                CRLStatus             `json:"status"`
	ReasonCode            *CRLReason            `json:"reason_code,omitempty"`
	Comment               string                `json:"comment,omitempty"`
	RevokedBy             string                `json:"revoked_by,omitempty"`
	IssuedAt              time.Time             `json:"issued_at"`
	RevokedAt             *time.Time            `json:"revoked_at,omitempty"`
	ValidTo               time.Time             `json:"valid_to"`
	SignedWithoutPassword bool                  `json:"signed_without_password,omitempty"`
}

func (e *CrlEntry) IsRevoked() bool {
	return e.Status == CRLStatusRevoked
}

func (e *CrlEntry) IsExpired(now time.Time) bool {
	return now.After(e.ValidTo)
}

func (e *CrlEntry) IsValid(now time.Time) bool {
	return !e.IsRevoked() && !e.IsExpired(now)
}

// Revoke moves the entry to revoked. It reports false, leaving the entry
// untouched, when the entry was already revoked.
func (e *CrlEntry) Revoke(reason CRLReason, comment, actor string, now time.Time) bool {
	if e.IsRevoked() {
		return false
	}
	e.Status = CRLStatusRevoked
	e.ReasonCode = &reason
	e.Comment = comment
	e.RevokedBy = actor
	e.RevokedAt = &now
	return true
}
