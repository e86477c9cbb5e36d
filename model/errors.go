// Package model holds the signing data model: file and sign-request status
// state machines, the closed enums used throughout the engine, and the
// typed file metadata bag.
package model

import "errors"

var (
	// ErrInvalidFileStatus is returned for integers outside the FileStatus set.
	ErrInvalidFileStatus = errors.New("invalid file status")

	// ErrInvalidTransition is returned when a status change violates the
	// file lifecycle.
	ErrInvalidTransition = errors.New("invalid file status transition")

	// ErrInvalidSignatureFlow is returned for unknown signature flow values.
	ErrInvalidSignatureFlow = errors.New("invalid signature flow")

	// ErrInvalidDocMdpLevel is returned for DocMDP levels outside 0..3.
	ErrInvalidDocMdpLevel = errors.New("invalid DocMDP level")

	// ErrInvalidCRLReason is returned for reason codes RFC 5280 does not define.
	ErrInvalidCRLReason = errors.New("invalid CRL reason code")

	// ErrAlreadySigned is returned when a sign request is marked signed twice.
	ErrAlreadySigned = errors.New("sign request is already signed")
)
