// Package faults defines the error taxonomy shared by every qmoi-heal component.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and exit-code decisions.
type Kind int

const (
	KindTransient Kind = iota
	KindConfigurationMissing
	KindConflict
	KindRetryExhausted
	KindNoRemediation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "TransientExternalFailure"
	case KindConfigurationMissing:
		return "ConfigurationMissing"
	case KindConflict:
		return "ConflictRequiresManualResolution"
	case KindRetryExhausted:
		return "RetryExhausted"
	case KindNoRemediation:
		return "NoRemediationAvailable"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is matching against a *Error of the same kind.
var (
	ErrTransient            = &Error{Kind: KindTransient}
	ErrConfigurationMissing = &Error{Kind: KindConfigurationMissing}
	ErrConflict             = &Error{Kind: KindConflict}
	ErrRetryExhausted       = &Error{Kind: KindRetryExhausted}
	ErrNoRemediation        = &Error{Kind: KindNoRemediation}
)

// Error is a classified failure. Err holds the underlying cause, if any.
type Error struct {
	Kind   Kind
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Transient wraps err as a retryable external failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// ConfigMissing reports a required setting that is absent.
func ConfigMissing(key, hint string) error {
	return &Error{Kind: KindConfigurationMissing, Op: key, Detail: hint}
}

// Conflict reports a version-control conflict left for manual resolution.
// location points the operator at the backup branch or path.
func Conflict(op, location string, err error) error {
	return &Error{Kind: KindConflict, Op: op, Detail: "manual resolution required at " + location, Err: err}
}

// Exhausted reports that every attempt failed, retaining the last error.
func Exhausted(op string, attempts int, last error) error {
	return &Error{Kind: KindRetryExhausted, Op: op, Detail: fmt.Sprintf("failed after %d attempts", attempts), Err: last}
}

// NoRemediation reports an empty or fully failed strategy chain.
func NoRemediation(op, detail string) error {
	return &Error{Kind: KindNoRemediation, Op: op, Detail: detail}
}

// KindOf returns the kind of the outermost classified error in err's chain.
// Unclassified errors are transient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// Retryable reports whether the executor may try again after err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindConfigurationMissing, KindConflict:
		return false
	}
	return true
}

// ExitCode maps an error to the CLI exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if KindOf(err) == KindConfigurationMissing {
		return 2
	}
	return 1
}
