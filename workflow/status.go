// Package workflow owns the file and envelope lifecycle: status derivation
// from sign requests, signing order and the operations that move files
// between states.
package workflow

import (
	"errors"
	"fmt"

	"github.com/jmcleod/ironsign/model"
)

var (
	// ErrNotYourTurn is returned when an ordered flow still waits on an
	// earlier signer.
	ErrNotYourTurn = errors.New("an earlier signer has not signed yet")

	// ErrRequestCanceled is returned for operations on a canceled request.
	ErrRequestCanceled = errors.New("sign request was canceled")

	// ErrNotSignable is returned when a file is not in a signable state.
	ErrNotSignable = errors.New("file is not available for signature")
)

// counts returns how many live requests exist and how many are signed.
// Canceled requests do not count.
func counts(requests []*model.SignRequest) (total, signed int) {
	for _, r := range requests {
		if r.Canceled {
			continue
		}
		total++
		if r.IsSigned() {
			signed++
		}
	}
	return total, signed
}

func statusFor(total, signed int) model.FileStatus {
	switch {
	case total == 0:
		return model.StatusDraft
	case signed == 0:
		return model.StatusAbleToSign
	case signed == total:
		return model.StatusSigned
	default:
		return model.StatusPartialSigned
	}
}

// DetermineStatus derives an envelope status from the sign requests of its
// children. requests is keyed by child file id. The result is a derived
// view and must be recomputed rather than cached.
func DetermineStatus(children []*model.File, requests map[int64][]*model.SignRequest) model.FileStatus {
	var total, signed int
	for _, child := range children {
		t, s := counts(requests[child.ID])
		total += t
		signed += s
	}
	return statusFor(total, signed)
}

// FileStatusFromRequests applies the same rule to a single file.
func FileStatusFromRequests(requests []*model.SignRequest) model.FileStatus {
	return statusFor(counts(requests))
}

// CanSign checks whether target may be signed now given its siblings on the
// same file. Ordered flows require every live request with a lower signing
// order to be signed already.
func CanSign(flow model.SignatureFlow, requests []*model.SignRequest, target *model.SignRequest) error {
	if target.Canceled {
		return ErrRequestCanceled
	}
	if !flow.IsOrdered() {
		return nil
	}
	for _, r := range requests {
		if r.ID == target.ID || r.Canceled {
			continue
		}
		if r.SigningOrder < target.SigningOrder && !r.IsSigned() {
			return fmt.Errorf("%w: waiting on %s (order %d)", ErrNotYourTurn, r.DisplayName, r.SigningOrder)
		}
	}
	return nil
}
