package api

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error codes
// --------------------------------------------------------------------------

type ErrorCode int

const (
	CodeUnknown           ErrorCode = iota
	CodeSourceUnavailable           // transient, retry with backoff
	CodeSchemaMismatch              // fatal to the source until corrected
	CodeInvalidTimestamp            // per row
	CodeUnknownReference            // registry validation
	CodeInvalidArgument             // caller contract violation
)

func (c ErrorCode) String() string {
	switch c {
	case CodeSourceUnavailable:
		return "SourceUnavailable"
	case CodeSchemaMismatch:
		return "SchemaMismatch"
	case CodeInvalidTimestamp:
		return "InvalidTimestamp"
	case CodeUnknownReference:
		return "UnknownReference"
	case CodeInvalidArgument:
		return "InvalidArgument"
	default:
		return "Unknown"
	}
}

// --------------------------------------------------------------------------
// Error type
// --------------------------------------------------------------------------

// Error carries a taxonomy code, a message and an optional cause.
// errors.Is matches any *Error with the same code against the sentinels below.
type Error struct {
	Code ErrorCode
	Msg  string
	Err  error
}

var (
	ErrSourceUnavailable = &Error{Code: CodeSourceUnavailable}
	ErrSchemaMismatch    = &Error{Code: CodeSchemaMismatch}
	ErrInvalidTimestamp  = &Error{Code: CodeInvalidTimestamp}
	ErrUnknownReference  = &Error{Code: CodeUnknownReference}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	} else {
		msg = e.Code.String() + ": " + msg
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
}

func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf returns the code of the first *Error in err's chain.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsRetryable reports whether the caller may retry err with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}
