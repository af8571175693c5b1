// Package errors declares the root error kinds reported by the wallet and the
// helpers used to wrap them with context.
//
// Every error returned by the engine wraps exactly one of the root errors
// declared here, so callers can branch on the kind with Is (or the standard
// library errors.Is) no matter how much context was added on the way up.
package errors

import (
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrUnauthorized is returned when the caller lacks the capability
	// (admin or active signer) an operation requires.
	ErrUnauthorized = Register(2, "unauthorized")

	// ErrDuplicateSigner is returned when adding an address that is already
	// an active signer.
	ErrDuplicateSigner = Register(3, "duplicate signer")

	// ErrUnknownSigner is returned when an address is not an active signer.
	ErrUnknownSigner = Register(4, "unknown signer")

	// ErrThresholdUnreachable is returned when an admin action would leave
	// the required weight above the total active weight.
	ErrThresholdUnreachable = Register(5, "threshold unreachable")

	// ErrUnknownProposal is returned when a proposal id does not exist.
	ErrUnknownProposal = Register(6, "unknown proposal")

	// ErrAlreadyConfirmed is returned on a second confirmation by the same
	// signer.
	ErrAlreadyConfirmed = Register(7, "already confirmed")

	// ErrNotConfirmed is returned when revoking a confirmation that was
	// never given.
	ErrNotConfirmed = Register(8, "not confirmed")

	// ErrNotPending is returned when a proposal is no longer pending.
	ErrNotPending = Register(9, "not pending")

	// ErrNotReady is returned when executing a proposal that is not ready.
	ErrNotReady = Register(10, "not ready")

	// ErrTimelockNotElapsed is returned when executing a ready proposal
	// before its timelock has passed.
	ErrTimelockNotElapsed = Register(11, "timelock not elapsed")

	// ErrExecutionFailed is returned when the dispatched call failed. The
	// proposal is left in the failed state.
	ErrExecutionFailed = Register(12, "execution failed")

	// ErrInvalidInput stands for malformed arguments.
	ErrInvalidInput = Register(13, "invalid input")

	// ErrPanic is only set when we recover from a panic.
	ErrPanic = Register(111222, "panic")
)

// Register returns an error instance that should be used as the base for
// creating error instances during runtime. Reusing a code panics.
//
// Use this function only during a program startup phase.
func Register(code uint32, description string) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.desc))
	}
	err := &Error{
		code: code,
		desc: description,
	}
	usedCodes[err.code] = err
	return err
}

// usedCodes is keeping track of used codes to ensure their uniqueness.
var usedCodes = map[uint32]*Error{
	1: nil, // reserved for errors that do not wrap a root kind
}

// Error represents a root error kind.
type Error struct {
	code uint32
	desc string
}

func (e Error) Error() string {
	return e.desc
}

// Code returns the stable numeric code of the kind.
func (e Error) Code() uint32 {
	return e.code
}

// New returns a new error wrapping this kind with the given description.
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is basically New with formatting capabilities.
func (e *Error) Newf(description string, args ...interface{}) error {
	return e.New(fmt.Sprintf(description, args...))
}

// Is check if given error instance is of a given kind. This involves
// unwrapping given error using the Cause method if available.
func (kind *Error) Is(err error) bool {
	// Reflect usage is necessary to correctly compare with
	// a nil implementation of an error.
	if kind == nil {
		if err == nil {
			return true
		}
		return reflect.ValueOf(err).IsNil()
	}

	for {
		if e, ok := err.(*Error); ok && e == kind {
			return true
		}
		switch c := err.(type) {
		case causer:
			err = c.Cause()
		case interface{ Unwrap() error }:
			err = c.Unwrap()
		default:
			return false
		}
		if err == nil {
			return false
		}
	}
}

// Wrap extends given error with an additional information.
//
// If err is nil, this returns nil, avoiding the need for an if statement when
// wrapping a error returned at the end of a function.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}

	// Attach the stack only once, at the innermost wrap.
	if stackTrace(err) == nil {
		err = errors.WithStack(err)
	}

	return &wrappedError{
		parent: err,
		msg:    description,
	}
}

// Wrapf extends given error with an additional information.
func Wrapf(err error, format string, args ...interface{}) error {
	desc := fmt.Sprintf(format, args...)
	return Wrap(err, desc)
}

type wrappedError struct {
	// This error layer description.
	msg string
	// The underlying error that triggered this one.
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

func (e *wrappedError) Unwrap() error {
	return e.parent
}

// Recover captures a panic and stop its propagation. If panic happens it is
// transformed into a ErrPanic instance and assigned to given error. Call this
// function using defer in order to work as expected.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = Wrapf(ErrPanic, "%v", r)
	}
}

// Kind returns the root kind an error wraps, or nil when it wraps none.
func Kind(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		switch c := err.(type) {
		case causer:
			err = c.Cause()
		case interface{ Unwrap() error }:
			err = c.Unwrap()
		default:
			return nil
		}
	}
	return nil
}

// Code returns the numeric code of the root kind, or 1 for foreign errors.
func Code(err error) uint32 {
	if err == nil {
		return 0
	}
	if k := Kind(err); k != nil {
		return k.code
	}
	return 1
}

// Retryable reports whether the same call may succeed later without any
// other state change.
func Retryable(err error) bool {
	return ErrTimelockNotElapsed.Is(err)
}

// Permanent reports whether the call can never succeed for the given
// arguments, whoever retries it.
func Permanent(err error) bool {
	switch Kind(err) {
	case ErrThresholdUnreachable, ErrUnknownProposal, ErrAlreadyConfirmed,
		ErrDuplicateSigner, ErrInvalidInput, ErrExecutionFailed:
		return true
	}
	return false
}

// causer is an interface implemented by an error that supports wrapping. Use
// it to test if an error wraps another error instance.
type causer interface {
	Cause() error
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func stackTrace(err error) errors.StackTrace {
	for {
		if st, ok := err.(stackTracer); ok {
			return st.StackTrace()
		}
		if c, ok := err.(causer); ok {
			err = c.Cause()
		} else {
			return nil
		}
	}
}
