// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorKind identifies which contract a ContractError violates.
type ErrorKind int

const (
	// ErrIndexOutOfRange is returned when an accessor is called with an input/output index beyond the
	// forward node's arity.
	ErrIndexOutOfRange ErrorKind = iota

	// ErrNilNode is returned when a builder is created without a forward node (or graph).
	ErrNilNode

	// ErrSymbolicBroadcast is returned when symbolic dimensions make it impossible to decide statically
	// which axes were broadcast.
	ErrSymbolicBroadcast

	// ErrIncompatibleDims is returned for concrete dimensions that cannot be broadcast together.
	ErrIncompatibleDims

	// ErrUnsupportedOperator is returned when a gradient is requested for an operator registered as unsupported.
	ErrUnsupportedOperator

	// ErrNoGradientBuilder is returned when no gradient builder is registered for the operator.
	ErrNoGradientBuilder

	// ErrInvalidShape is returned when a builder requires type or shape information that is missing or invalid.
	ErrInvalidShape

	// ErrMissingGradient is returned when the backward graph consumes a gradient that is never produced.
	ErrMissingGradient

	// ErrInvalidAttribute is returned for attributes that cannot be translated.
	ErrInvalidAttribute
)

var errorKindNames = [...]string{
	ErrIndexOutOfRange:     "ErrIndexOutOfRange",
	ErrNilNode:             "ErrNilNode",
	ErrSymbolicBroadcast:   "ErrSymbolicBroadcast",
	ErrIncompatibleDims:    "ErrIncompatibleDims",
	ErrUnsupportedOperator: "ErrUnsupportedOperator",
	ErrNoGradientBuilder:   "ErrNoGradientBuilder",
	ErrInvalidShape:        "ErrInvalidShape",
	ErrMissingGradient:     "ErrMissingGradient",
	ErrInvalidAttribute:    "ErrInvalidAttribute",
}

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(errorKindNames) {
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
	return errorKindNames[k]
}

// ContractError is the structured error returned when gradient construction violates one of its contracts.
//
// Gradient construction is deterministic: the same forward graph will always fail the same way, so these
// errors are never worth retrying.
type ContractError struct {
	Kind ErrorKind

	// NodeName and OpType identify the forward node, if known.
	NodeName, OpType string

	Message string
}

// Error implements the error interface.
func (e *ContractError) Error() string {
	var sb strings.Builder
	sb.WriteString("gradient")
	if e.OpType != "" || e.NodeName != "" {
		sb.WriteString(" of ")
		if e.OpType != "" {
			sb.WriteString(e.OpType)
		}
		if e.NodeName != "" {
			fmt.Fprintf(&sb, " node %q", e.NodeName)
		}
	}
	fmt.Fprintf(&sb, ": %s: %s", e.Kind, e.Message)
	return sb.String()
}

// newContractError creates a *ContractError wrapped with a stack trace.
func newContractError(kind ErrorKind, nodeName, opType, format string, args ...any) error {
	return errors.WithStack(&ContractError{
		Kind:     kind,
		NodeName: nodeName,
		OpType:   opType,
		Message:  fmt.Sprintf(format, args...),
	})
}

// AsContractError returns the *ContractError in err's chain, or nil if there is none.
func AsContractError(err error) *ContractError {
	var contractErr *ContractError
	if errors.As(err, &contractErr) {
		return contractErr
	}
	return nil
}

// IsKind returns whether err is (or wraps) a *ContractError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	contractErr := AsContractError(err)
	return contractErr != nil && contractErr.Kind == kind
}
