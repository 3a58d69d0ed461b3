package errs

import (
	"errors"
	"fmt"
)

// Kind classifies failures by how the caller should react to them.
type Kind string

const (
	// KindStageViolation: the campaign is not in the stage the operation needs.
	KindStageViolation Kind = "stage_violation"
	// KindValidation: stage input failed its precondition; never reaches the network.
	KindValidation Kind = "validation"
	// KindTransientNetwork: connectivity or timeout; safe to retry.
	KindTransientNetwork Kind = "transient_network"
	// KindRemoteFailure: the service explicitly reported failure.
	KindRemoteFailure Kind = "remote_failure"
)

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrStageViolation   = &Error{Kind: KindStageViolation}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrTransientNetwork = &Error{Kind: KindTransientNetwork}
	ErrRemoteFailure    = &Error{Kind: KindRemoteFailure}
)

// Error is the pipeline's classified error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	// StatusCode is the HTTP status the service answered with, if any.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can test against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether repeating the same request may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientNetwork
}

// NotFound reports a 404 from the service.
func (e *Error) NotFound() bool {
	return e.Kind == KindRemoteFailure && e.StatusCode == 404
}

func StageViolation(op, format string, args ...any) *Error {
	return &Error{Kind: KindStageViolation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Validation(op, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Transient(op string, err error) *Error {
	return &Error{Kind: KindTransientNetwork, Op: op, Message: "request failed", Err: err}
}

func Remote(op string, status int, message string) *Error {
	return &Error{Kind: KindRemoteFailure, Op: op, StatusCode: status, Message: message}
}

// KindOf extracts the Kind of err, or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a classified transient failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// IsNotFound reports whether err is a classified 404 from the service.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.NotFound()
}
