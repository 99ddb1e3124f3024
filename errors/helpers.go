package errors

import (
	"errors"
	"fmt"
)

// Op and Component are typed arguments for E.
type Op string

type Component string

// E builds a SyncError from typed arguments: Op, Component, Kind, ErrorCode,
// error, string (message) and map[string]interface{} (metadata). The last
// error argument wins.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &SyncError{}
	var msg string
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = Operation(a)
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case map[string]interface{}:
			e.Metadata = a
		case *SyncError:
			cp := *a
			e.Err = &cp
			if e.Kind == KindOther {
				e.Kind = a.Kind
			}
			e.Retryable = e.Retryable || a.Retryable
		case error:
			e.Err = a
		case string:
			msg = a
		}
	}
	if e.Err == nil {
		e.Err = errors.New(msg)
	} else if msg != "" {
		e.Err = fmt.Errorf("%s: %w", msg, e.Err)
	}
	switch e.Kind {
	case KindNetworkUnavailable, KindServerTransient, KindStorageQuota:
		e.Retryable = true
	}
	return e
}

// WrapOpComponent provides a convenience helper to wrap errors with consistent Op and Component propagation.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind provides a convenience helper to wrap errors with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}
