package snag

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Code classifies an expected failure.
type Code string

const (
	CodeInvalidInput      Code = "invalid_input"
	CodeInvalidTransition Code = "invalid_transition"
	CodeInvalidCost       Code = "invalid_cost"
	CodeInvalidState      Code = "invalid_state"
	CodeForbidden         Code = "forbidden"
	CodeNotFound          Code = "not_found"
	CodeConflict          Code = "conflict"
	CodeRateLimited       Code = "rate_limited"
	CodeStorage           Code = "storage"
)

// Failure is returned for every expected, caller-visible failure.
type Failure struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
	cause   error
}

func (f *Failure) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error { return f.cause }

func fail(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

func failWith(code Code, cause error, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf returns the failure code of err, or "" when err is not a Failure.
func CodeOf(err error) Code {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}
