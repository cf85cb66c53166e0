// Package errors provides the error taxonomy shared by the database,
// storage engines and the replicator.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is a stable, machine-readable failure class.
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeRemoteFailure     ErrorCode = "REMOTE_FAILURE"
)

// Operation names the operation during which the error occurred.
type Operation string

const (
	OpOpen            Operation = "open"
	OpSave            Operation = "save"
	OpDelete          Operation = "delete"
	OpPurge           Operation = "purge"
	OpRead            Operation = "read"
	OpBatch           Operation = "batch"
	OpReconcile       Operation = "reconcile"
	OpConfigure       Operation = "configure"
	OpStart           Operation = "start"
	OpStop            Operation = "stop"
	OpPush            Operation = "push"
	OpPull            Operation = "pull"
	OpCheckpoint      Operation = "checkpoint"
	OpPending         Operation = "pending"
	OpTransport       Operation = "transport"
	OpConflictResolve Operation = "conflict_resolve"
	OpClose           Operation = "close"
)

// Op converts a free-form operation name, used with E.
func Op(name string) Operation { return Operation(name) }

// Component identifies the subsystem that produced the error.
type Component string

// Kind classifies an error for callers that branch on failure category.
type Kind string

const (
	KindOther       Kind = ""
	KindInvalid     Kind = "invalid"     // bad configuration or argument
	KindConflict    Kind = "conflict"    // stale parent on write
	KindResolution  Kind = "resolution"  // resolver failed or returned a foreign document
	KindExhausted   Kind = "exhausted"   // resolver kept racing with local writes
	KindTransport   Kind = "transport"   // connection lost or refused
	KindPermission  Kind = "permission"  // peer refused the document
	KindNotFound    Kind = "not_found"   // document, revision or collection missing
	KindUnsupported Kind = "unsupported" // API misuse for the given configuration
	KindClosed      Kind = "closed"      // database or session already closed
	KindInternal    Kind = "internal"
)

// Error is the structured error returned across package boundaries.
type Error struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "database", "replicator")
	Component string

	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	Code ErrorCode

	// Metadata carries extra context such as document IDs.
	Metadata map[string]interface{}
}

func (e *Error) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Kind != KindOther {
		msg += fmt.Sprintf(" (%s)", e.Kind)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against a bare Kind-only Error so that
// errors.Is(err, &Error{Kind: KindNotFound}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != KindOther && t.Kind != e.Kind {
		return false
	}
	if t.Op != "" && t.Op != e.Op {
		return false
	}
	return t.Kind != KindOther || t.Op != ""
}

// E builds an *Error from its arguments. Recognised argument types are
// Operation, Component, Kind, ErrorCode, error and string (the message,
// used when no error is given or appended as context otherwise).
func E(args ...interface{}) error {
	e := &Error{}
	var msgs []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *Error:
			cp := *a
			e.Err = &cp
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
			e.Retryable = a.Retryable
		case error:
			e.Err = a
		case string:
			msgs = append(msgs, a)
		case map[string]interface{}:
			e.Metadata = a
		default:
			panic(fmt.Sprintf("errors.E: bad argument type %T", arg))
		}
	}
	if len(msgs) > 0 {
		msg := strings.Join(msgs, ": ")
		if e.Err == nil {
			e.Err = errors.New(msg)
		} else {
			e.Err = fmt.Errorf("%s: %w", msg, e.Err)
		}
	}
	if e.Kind == KindTransport {
		e.Retryable = true
	}
	return e
}

// NewConflictError creates a stale-parent write error. The caller must
// re-read the document and retry.
func NewConflictError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "database",
		Kind:      KindConflict,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related Error
func NewNetworkError(op Operation, cause error) *Error {
	return &Error{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Kind:      KindTransport,
		Err:       cause,
		Retryable: true,
	}
}

// NewResolutionError reports a resolver failure for one document.
func NewResolutionError(docID string, cause error) *Error {
	return &Error{
		Code:      ErrCodeConflictFailure,
		Op:        OpConflictResolve,
		Component: "database",
		Kind:      KindResolution,
		Err:       cause,
		Retryable: true,
		Metadata:  map[string]interface{}{"doc_id": docID},
	}
}

// NewRemoteError reports a per-document refusal from the peer.
func NewRemoteError(op Operation, kind Kind, cause error) *Error {
	return &Error{
		Code:      ErrCodeRemoteFailure,
		Op:        op,
		Component: "remote",
		Kind:      kind,
		Err:       cause,
		Retryable: kind != KindPermission && kind != KindNotFound,
	}
}

// IsRetryable checks if an error is a retryable Error
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost *Error in the chain that has one.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindOther
		}
		if e.Kind != KindOther {
			return e.Kind
		}
		err = e.Err
	}
	return KindOther
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Is and As re-export the standard library helpers so callers only need
// one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }
