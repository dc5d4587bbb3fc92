package failure

import (
	"context"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// Kind is the retry class of an error.
type Kind uint8

const (
	Temporary Kind = iota + 1 // may succeed on a later attempt
	Permanent                 // retrying without external change cannot succeed
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case Temporary:
		return "temporary"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error carries the retry class of a failure together with the operation
// that produced it and an optional cause.
type Error struct {
	Kind  Kind   // retry class
	Op    string // operation that failed, e.g. "locking.CheckLocks"
	Msg   string // human readable message
	Cause error  // underlying error, may be nil
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %v", msg, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Temporary reports whether the failure may succeed on a later attempt.
func (e *Error) Temporary() bool { return e.Kind == Temporary }

// NewTemporary creates a temporary failure.
func NewTemporary(op, msg string, cause error) *Error {
	return &Error{Kind: Temporary, Op: op, Msg: msg, Cause: cause}
}

// NewPermanent creates a permanent failure.
func NewPermanent(op, msg string, cause error) *Error {
	return &Error{Kind: Permanent, Op: op, Msg: msg, Cause: cause}
}

// --------------------------------------------------------------------------
// Classification
// --------------------------------------------------------------------------

// temporary is implemented by errors that know their own retry class
// (e.g. *store.Error).
type temporary interface {
	Temporary() bool
}

// KindOf returns the retry class of err. Errors that are not classified
// explicitly are permanent. A nil error has no kind (0).
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Temporary
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return Temporary
	}
	return Permanent
}

// Classify converts err into a *Error. An existing *Error is returned as is.
// Returns nil for a nil error.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	kind := KindOf(err)
	msg := "store failure"
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "timeout"
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Cause: err}
}

// IsTemporary reports whether err is a temporary failure.
func IsTemporary(err error) bool { return KindOf(err) == Temporary }

// IsPermanent reports whether err is a permanent failure.
func IsPermanent(err error) bool { return KindOf(err) == Permanent }

// IsTimeout reports whether err was caused by an exceeded deadline.
func IsTimeout(err error) bool { return errors.Is(err, context.DeadlineExceeded) }
