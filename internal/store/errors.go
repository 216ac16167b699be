package store

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of failures surfaced verbatim to callers
// through the tool server: the store-level kinds plus budget_exceeded, which
// the driver raises before the store is touched.
type ErrorKind string

const (
	ErrNotFound        ErrorKind = "not_found"
	ErrAuthorityDenied ErrorKind = "authority_denied"
	ErrInvalidStatus   ErrorKind = "invalid_status"
	ErrInvalidNeeds    ErrorKind = "invalid_needs"
	ErrConflict        ErrorKind = "conflict"
	ErrBudgetExceeded  ErrorKind = "budget_exceeded"
)

// Error wraps a store failure with its taxonomy kind and the node id (if
// any) the caller should see named in the message.
type Error struct {
	Kind    ErrorKind
	NodeID  int64
	HasNode bool
	Message string
}

func (e *Error) Error() string {
	if e.HasNode {
		return fmt.Sprintf("%s: #%d: %s", e.Kind, e.NodeID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newErr(kind ErrorKind, msg string) error {
	return &Error{Kind: kind, Message: msg}
}

func newNodeErr(kind ErrorKind, id int64, msg string) error {
	return &Error{Kind: kind, NodeID: id, HasNode: true, Message: msg}
}

// KindOf extracts the ErrorKind from err, defaulting to "" if err is not a
// *Error (e.g. a raw driver/IO failure).
func KindOf(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
