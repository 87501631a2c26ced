// Package upstream classifies failures of the external collaborators the
// pipeline talks to: the OCR process, the inference server and the
// accounting API.
package upstream

import (
	"errors"
	"fmt"
)

// Failure kinds. Compare with errors.Is.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrRejected    = errors.New("upstream rejected request")
	ErrMalformed   = errors.New("malformed upstream response")
)

// Error describes a failed call to an external collaborator.
type Error struct {
	// Op names the call that failed, e.g. "chat completion".
	Op string
	// Kind is one of ErrUnavailable, ErrRejected or ErrMalformed.
	Kind error
	// Status and Body are set for ErrRejected.
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == ErrRejected:
		return fmt.Sprintf("%s: %v (status %d): %s", e.Op, e.Kind, e.Status, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of this error.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unavailable wraps a transport-level failure.
func Unavailable(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrUnavailable, Err: err}
}

// Rejected records a non-2xx answer together with its verbatim body.
func Rejected(op string, status int, body string) *Error {
	return &Error{Op: op, Kind: ErrRejected, Status: status, Body: body}
}

// Malformed wraps a response that could not be decoded.
func Malformed(op string, err error) *Error {
	return &Error{Op: op, Kind: ErrMalformed, Err: err}
}
