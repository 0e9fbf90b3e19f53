// Package cowerr defines the error taxonomy shared by every package in the
// engine, the same sentinel-error-plus-wrap style used elsewhere for
// things like ErrPageNotFound, but with a Code accessor so callers can
// switch on the failure class without parsing strings.
package cowerr

import "github.com/pkg/errors"

// Code classifies a failure into the taxonomy every operation reports.
type Code int

const (
	// CodeUnknown is returned by Code() for errors outside this taxonomy.
	CodeUnknown Code = iota
	// CodeInvalidArguments means a misaligned offset/length or
	// contradictory option flags.
	CodeInvalidArguments
	// CodeOutOfRange means a range extends beyond the object's size.
	CodeOutOfRange
	// CodeOutOfMemory means a page or metadata allocation failed without
	// retry.
	CodeOutOfMemory
	// CodeShouldWait means an asynchronous request was issued; the
	// caller must block on it and retry.
	CodeShouldWait
	// CodeBadState means a pinned page where none is allowed, a
	// detached source, the wrong life-cycle phase, or an attempt to
	// dedup in a high-priority object.
	CodeBadState
	// CodeAlreadyExists means an attempt to overwrite content that the
	// caller's policy forbids overwriting.
	CodeAlreadyExists
	// CodeNotFound means the requested offset, handle, or child does
	// not exist.
	CodeNotFound
	// CodeNotSupported means the operation is not valid for this kind
	// of object (e.g. decommitting an object that has a parent or a page
	// source).
	CodeNotSupported
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArguments:
		return "InvalidArguments"
	case CodeOutOfRange:
		return "OutOfRange"
	case CodeOutOfMemory:
		return "OutOfMemory"
	case CodeShouldWait:
		return "ShouldWait"
	case CodeBadState:
		return "BadState"
	case CodeAlreadyExists:
		return "AlreadyExists"
	case CodeNotFound:
		return "NotFound"
	case CodeNotSupported:
		return "NotSupported"
	default:
		return "Unknown"
	}
}

type codedError struct {
	code Code
	err  error
}

func (c *codedError) Error() string { return c.err.Error() }
func (c *codedError) Unwrap() error { return c.err }

// New builds a new error of the given taxonomy code.
func New(code Code, message string) error {
	return &codedError{code: code, err: errors.New(message)}
}

// Newf builds a new formatted error of the given taxonomy code.
func Newf(code Code, format string, args ...interface{}) error {
	return &codedError{code: code, err: errors.Errorf(format, args...)}
}

// Wrap attaches code and a call-site trace to an underlying error. Returns
// nil if err is nil.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &codedError{code: code, err: errors.Wrap(err, message)}
}

// CodeOf extracts the taxonomy code from err, walking Unwrap chains. Returns
// CodeUnknown if err (or nothing in its chain) was produced by this package.
func CodeOf(err error) Code {
	for err != nil {
		if ce, ok := err.(*codedError); ok {
			return ce.code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return CodeUnknown
		}
		err = u.Unwrap()
	}
	return CodeUnknown
}

// Is reports whether err carries the given taxonomy code anywhere in its
// chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

var (
	// ErrShouldWait is a bare sentinel for the common case where callers
	// only care that they must retry, not why.
	ErrShouldWait = New(CodeShouldWait, "cowerr: operation requires waiting on an asynchronous request")
	// ErrDetached is returned by operations against a page source that
	// has been detached.
	ErrDetached = New(CodeBadState, "cowerr: page source is detached")
	// ErrDead is returned by operations against an object past its
	// lifecycle's Dead transition.
	ErrDead = New(CodeBadState, "cowerr: object is dead")
)
