package apierr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Kind string

const (
	KindInvalidArgument    Kind = "invalid_argument"
	KindFailedPrecondition Kind = "failed_precondition"
	KindNotFound           Kind = "not_found"
	KindInternal           Kind = "internal"
)

// Error is what the service layer returns to transports. Only validation and
// precondition failures are meant to reach callers with their own message.
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func InvalidArgument(code string, format string, args ...any) *Error {
	return New(KindInvalidArgument, code, fmt.Errorf(format, args...))
}

func FailedPrecondition(code string, err error) *Error {
	return New(KindFailedPrecondition, code, err)
}

func NotFound(resource string, id string) *Error {
	return New(KindNotFound, resource+"_not_found", fmt.Errorf("%s %s not found", resource, id))
}

func Internal(op string, err error) *Error {
	return New(KindInternal, "internal", fmt.Errorf("%s: %w", op, err))
}

// KindOf classifies any error; unknown errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil && e.Code != "" {
		return e.Code
	}
	return "internal"
}

func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindFailedPrecondition:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func GRPCCode(err error) codes.Code {
	switch KindOf(err) {
	case KindInvalidArgument:
		return codes.InvalidArgument
	case KindFailedPrecondition:
		return codes.FailedPrecondition
	case KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// GRPCStatus converts err into a gRPC status error. Internal errors are not
// echoed verbatim to the caller.
func GRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	code := GRPCCode(err)
	if code == codes.Internal {
		return status.Error(code, "internal error")
	}
	return status.Error(code, err.Error())
}
