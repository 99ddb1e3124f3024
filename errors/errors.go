// Package errors provides the error taxonomy shared by the sync layer.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeServerFailure     ErrorCode = "SERVER_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Kind classifies an error by how the sync layer must react to it.
type Kind string

const (
	KindOther Kind = ""

	// KindNetworkUnavailable is transient and retried automatically. It does
	// not consume an operation's retry budget.
	KindNetworkUnavailable Kind = "network_unavailable"

	// KindServerRejected is a 4xx answer. Terminal, never retried.
	KindServerRejected Kind = "server_rejected"

	// KindServerTransient is a 5xx answer, retried with backoff up to the cap.
	KindServerTransient Kind = "server_transient_failure"

	// KindStorageQuota triggers LRU eviction followed by one retry.
	KindStorageQuota Kind = "storage_quota_exceeded"

	// KindReconciliationConflict marks two records claiming one composite key
	// with divergent data.
	KindReconciliationConflict Kind = "reconciliation_conflict"

	KindInvalid  Kind = "invalid"
	KindNotFound Kind = "not_found"
	KindInternal Kind = "internal"
)

// Operation represents the type of sync operation
type Operation string

const (
	OpSync      Operation = "sync"
	OpDrain     Operation = "drain"
	OpMutate    Operation = "mutate"
	OpApply     Operation = "apply"
	OpList      Operation = "list"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpEnqueue   Operation = "enqueue"
	OpReconcile Operation = "reconcile"
	OpFetch     Operation = "fetch"
	OpTransport Operation = "transport"
	OpClose     Operation = "close"
)

// SyncError represents an error that occurred inside the sync layer
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "store", "remote")
	Component string

	// Kind drives retry and surfacing decisions
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// HTTP status returned by the remote API, when there was one
	Status int

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is matches a SyncError against a kind sentinel so callers can write
// errors.Is(err, ErrStorageQuota).
func (e *SyncError) Is(target error) bool {
	var k kindSentinel
	if errors.As(target, &k) {
		return e.Kind == Kind(k)
	}
	return false
}

type kindSentinel Kind

func (k kindSentinel) Error() string { return string(k) }

// Sentinels usable with errors.Is.
var (
	ErrNetworkUnavailable     error = kindSentinel(KindNetworkUnavailable)
	ErrServerRejected         error = kindSentinel(KindServerRejected)
	ErrServerTransient        error = kindSentinel(KindServerTransient)
	ErrStorageQuota           error = kindSentinel(KindStorageQuota)
	ErrReconciliationConflict error = kindSentinel(KindReconciliationConflict)
)

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindInternal,
		Err:       cause,
		Retryable: true,
	}
}

// NewQuotaError reports that the local store ran out of space.
func NewQuotaError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Kind:      KindStorageQuota,
		Err:       cause,
		Retryable: true,
	}
}

// NewConflictError creates a new conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "reconcile",
		Kind:      KindReconciliationConflict,
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Kind:      KindInvalid,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "remote",
		Kind:      KindNetworkUnavailable,
		Err:       cause,
		Retryable: true,
	}
}

// NewServerError classifies a non-2xx remote answer: 5xx is transient, any
// other status is a rejection.
func NewServerError(op Operation, status int, cause error) *SyncError {
	e := &SyncError{
		Code:      ErrCodeServerFailure,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Status:    status,
	}
	if status >= 500 {
		e.Kind = KindServerTransient
		e.Retryable = true
	} else {
		e.Kind = KindServerRejected
	}
	return e
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost SyncError in err's chain.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return KindOther
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
