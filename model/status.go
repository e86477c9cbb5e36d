package model

import "fmt"

// FileStatus is the persisted lifecycle state of a File.
type FileStatus int

const (
	StatusNotLibresignFile FileStatus = -1
	StatusDraft            FileStatus = 0
	StatusAbleToSign       FileStatus = 1
	StatusPartialSigned    FileStatus = 2
	StatusSigned           FileStatus = 3
	StatusDeleted          FileStatus = 4
)

// FileStatusFromInt validates n against the closed status set.
func FileStatusFromInt(n int) (FileStatus, error) {
	s := FileStatus(n)
	if !s.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrInvalidFileStatus, n)
	}
	return s, nil
}

func (s FileStatus) Valid() bool {
	return s >= StatusNotLibresignFile && s <= StatusDeleted
}

func (s FileStatus) String() string {
	switch s {
	case StatusNotLibresignFile:
		return "not_libresign_file"
	case StatusDraft:
		return "draft"
	case StatusAbleToSign:
		return "able_to_sign"
	case StatusPartialSigned:
		return "partial_signed"
	case StatusSigned:
		return "signed"
	case StatusDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("FileStatus(%d)", int(s))
	}
}

// Label is the human readable status name.
func (s FileStatus) Label() string {
	switch s {
	case StatusNotLibresignFile:
		return "Not a signing file"
	case StatusDraft:
		return "Draft"
	case StatusAbleToSign:
		return "Available for signature"
	case StatusPartialSigned:
		return "Partially signed"
	case StatusSigned:
		return "Signed"
	case StatusDeleted:
		return "Deleted"
	default:
		return "Unknown"
	}
}

// IsSignable reports whether a signing job may run against a file in this state.
func (s FileStatus) IsSignable() bool {
	return s == StatusAbleToSign || s == StatusPartialSigned
}

// IsTerminal reports whether no further transition is possible.
func (s FileStatus) IsTerminal() bool {
	return s == StatusDeleted
}

var fileTransitions = map[FileStatus][]FileStatus{
	StatusNotLibresignFile: {StatusDraft, StatusDeleted},
	StatusDraft:            {StatusDraft, StatusAbleToSign, StatusDeleted},
	StatusAbleToSign:       {StatusAbleToSign, StatusDraft, StatusPartialSigned, StatusSigned, StatusDeleted},
	StatusPartialSigned:    {StatusPartialSigned, StatusSigned, StatusDeleted},
	StatusSigned:           {StatusSigned, StatusDeleted},
}

// CanTransitionTo reports whether a file may move from s to next.
// Deleted files never move again, not even to Deleted.
func (s FileStatus) CanTransitionTo(next FileStatus) bool {
	for _, allowed := range fileTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
