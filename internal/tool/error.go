package tool

import (
	"errors"
	"fmt"
)

// ErrorKind drives the retry policy: transient failures retry with
// backoff, everything else propagates immediately.
type ErrorKind string

const (
	KindTransient     ErrorKind = "transient"
	KindDeterministic ErrorKind = "deterministic"
	KindValidation    ErrorKind = "validation"
	KindCancelled     ErrorKind = "cancelled"
)

// Error reports a failed external tool invocation with its kind and the
// captured output stream for diagnostics.
type Error struct {
	Kind   ErrorKind
	Tool   string
	Detail string
	Output string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Tool, e.Detail, e.Kind, e.cause)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Tool, e.Detail, e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, tool, detail, output string, cause error) *Error {
	return &Error{Kind: kind, Tool: tool, Detail: detail, Output: output, cause: cause}
}

// KindOf extracts the ErrorKind from an error chain; unknown errors are
// reported deterministic so they are never retried blindly.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindDeterministic
}
