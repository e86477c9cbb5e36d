package model

import (
	"fmt"
	"strings"
)

// SignatureFlow governs whether sign requests on a file may complete in any
// order or must follow their signing order.
type SignatureFlow int

const (
	// FlowNone is the zero value of an unset flow. It is not a valid
	// numeric input.
	FlowNone           SignatureFlow = 0
	FlowParallel       SignatureFlow = 1
	FlowOrderedNumeric SignatureFlow = 2
)

// SignatureFlowFromNumeric accepts exactly 1 and 2.
func SignatureFlowFromNumeric(n int) (SignatureFlow, error) {
	switch SignatureFlow(n) {
	case FlowParallel, FlowOrderedNumeric:
		return SignatureFlow(n), nil
	default:
		return FlowNone, fmt.Errorf("%w: %d", ErrInvalidSignatureFlow, n)
	}
}

// SignatureFlowFromString accepts the names produced by String.
func SignatureFlowFromString(s string) (SignatureFlow, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parallel":
		return FlowParallel, nil
	case "ordered_numeric":
		return FlowOrderedNumeric, nil
	default:
		return FlowNone, fmt.Errorf("%w: %q", ErrInvalidSignatureFlow, s)
	}
}

func (f SignatureFlow) ToNumeric() int {
	return int(f)
}

func (f SignatureFlow) String() string {
	switch f {
	case FlowParallel:
		return "parallel"
	case FlowOrderedNumeric:
		return "ordered_numeric"
	default:
		return "none"
	}
}

// IsOrdered reports whether signing order must be respected.
func (f SignatureFlow) IsOrdered() bool {
	return f == FlowOrderedNumeric
}
