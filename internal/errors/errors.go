// Package errors defines the flat, tagged error taxonomy shared by every
// component of the update agent (spec.md §7). Errors cross component
// boundaries as *Error values carrying a Kind discriminator and, where
// available, an inner cause — components never convert low-level failures
// into panics.
package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind discriminates the error taxonomy of spec.md §7.
type Kind string

const (
	// Authenticator / API client
	KindSetup          Kind = "setup"
	KindRequest        Kind = "request"
	KindResponse       Kind = "response"
	KindAPI            Kind = "api"
	KindUnauthorized   Kind = "unauthorized"
	KindAuthentication Kind = "authentication"

	// Keystore / crypto
	KindNoKey        Kind = "no_key"
	KindStaticKey    Kind = "static_key"
	KindBase64       Kind = "base64"
	KindVerification Kind = "verification"

	// Deployment client
	KindInvalidData       Kind = "invalid_data"
	KindBadResponse       Kind = "bad_response"
	KindDeploymentAborted Kind = "deployment_aborted"

	// Update engine
	KindNoUpdateInProgress     Kind = "no_update_in_progress"
	KindDatabaseValue          Kind = "database_value"
	KindUnexpectedHTTPResponse Kind = "unexpected_http_response"
	KindProgrammingError       Kind = "programming_error"

	// Subprocess / update-module layer
	KindGeneric Kind = "generic_error"
	KindTimeout Kind = "timed_out"
)

// Error is the concrete error type returned by every package in this
// module. Msg is human-readable; Cause, when non-nil, is the wrapped
// low-level failure (preserved with github.com/pkg/errors so %+v prints a
// stack trace from the point the cause was first wrapped).
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error with no inner cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and msg to an existing cause, preserving it for
// errors.Is/As and for pkg/errors' stack-trace formatting.
func Wrap(kind Kind, cause error, msg string) *Error {
	if cause == nil {
		return New(kind, msg)
	}
	return &Error{Kind: kind, Msg: msg, Cause: pkgerrors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// As walks the Unwrap chain looking for an *Error, writing it into target
// (which must be a **Error). Kept local so callers only need this package.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel, message-only errors used where no dynamic detail applies.
var (
	ErrNoUpdateInProgress  = New(KindNoUpdateInProgress, "no update in progress")
	ErrOperationInProgress = New(KindProgrammingError, "an update is already in progress")
	ErrSetAddressForbidden = New(KindProgrammingError, "set_address is forbidden on an APIRequest; authority derives from AuthData")
)
