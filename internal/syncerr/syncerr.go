// Package syncerr defines the error codes shared by the mapping engine, the
// remote API clients and the synchronizers.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure. Codes are strings so they read well in
// logs and custom events.
type Code string

const (
	// CodeInvalidConfig indicates a bad or missing configuration. Fatal for
	// the whole run.
	CodeInvalidConfig Code = "INVALID_CONFIGURATION"

	// CodeParse indicates a CRM or Mailchimp payload is missing a key the
	// field mapping expects.
	CodeParse Code = "PARSE_ERROR"

	// CodeRemoteCall indicates a network or HTTP failure talking to either API.
	CodeRemoteCall Code = "REMOTE_CALL_FAILED"

	// CodeNotFound indicates the remote record does not exist.
	CodeNotFound Code = "NOT_FOUND"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Config(format string, args ...interface{}) *Error {
	return New(CodeInvalidConfig, format, args...)
}

func Parse(format string, args ...interface{}) *Error {
	return New(CodeParse, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, format, args...)
}

// Is reports whether any error in err's chain is an *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

func IsNotFound(err error) bool {
	return Is(err, CodeNotFound)
}
