package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation     Kind = "VALIDATION"
	KindDomain         Kind = "DOMAIN"
	KindInfrastructure Kind = "INFRASTRUCTURE"
	KindLockTimeout    Kind = "LOCK_TIMEOUT"
)

// Error carries a Kind so transports can decide between retrying and
// dropping a message. Code is a stable machine-readable reason.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind+Code so sentinel values declared with New compare equal
// to wrapped copies produced by With.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

// With returns a copy of e that wraps cause.
func (e *Error) With(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

func Validation(code, msg string) *Error { return New(KindValidation, code, msg) }

func Domain(code, msg string) *Error { return New(KindDomain, code, msg) }

func Infra(code string, err error) *Error {
	return &Error{Kind: KindInfrastructure, Code: code, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain. Errors that do
// not carry a kind are treated as infrastructure failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// Retryable is true for failures that transport redelivery may cure.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInfrastructure, KindLockTimeout:
		return true
	default:
		return false
	}
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
