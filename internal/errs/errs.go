// Package errs defines the error taxonomy shared by the storage components.
//
// Every component reports failures as *Error values carrying a Code, so that
// callers can branch on the category with errors.As (or the Is* helpers)
// regardless of how many times the error was wrapped on the way up.
//
// Not-found conditions are deliberately absent from the taxonomy: a missing
// id is an expected outcome and is reported as an absent result.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes storage errors.
type Code string

const (
	// CodeValidation indicates malformed input, rejected before any mutation.
	CodeValidation Code = "validation"

	// CodeNotInitialized indicates an operation before Initialize or after close.
	CodeNotInitialized Code = "not_initialized"

	// CodeCorruption indicates on-disk data that could not be recovered.
	CodeCorruption Code = "corruption"

	// CodeSecurity indicates a rejected path or other unsafe input.
	CodeSecurity Code = "security"

	// CodeIO indicates a filesystem failure.
	CodeIO Code = "io"
)

// ErrNotInitialized is the cause carried by every not-initialized error.
var ErrNotInitialized = errors.New("not initialized")

// Error is a categorized storage error.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Op names the failing operation, e.g. "eventlog.append".
	Op string

	// Msg is a human-readable description.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Validation returns a validation error for op.
func Validation(op, format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotInitialized returns a not-initialized error for op.
func NotInitialized(op string) *Error {
	return &Error{Code: CodeNotInitialized, Op: op, Err: ErrNotInitialized}
}

// Security returns a security error for op.
func Security(op, format string, args ...any) *Error {
	return &Error{Code: CodeSecurity, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Corruption returns a corruption error for op wrapping err.
func Corruption(op string, err error) *Error {
	return &Error{Code: CodeCorruption, Op: op, Err: err}
}

// IO returns an io error for op wrapping err.
func IO(op string, err error) *Error {
	return &Error{Code: CodeIO, Op: op, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

// IsNotInitialized reports whether err is a not-initialized error.
func IsNotInitialized(err error) bool { return CodeOf(err) == CodeNotInitialized }

// IsSecurity reports whether err is a security error.
func IsSecurity(err error) bool { return CodeOf(err) == CodeSecurity }

// IsCorruption reports whether err is a corruption error.
func IsCorruption(err error) bool { return CodeOf(err) == CodeCorruption }
