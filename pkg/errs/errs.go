// Package errs defines the typed rejections returned by the exchange engine.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a rejection category.
type Code string

const (
	CodeOrderNotFound       Code = "order_not_found"
	CodeUnauthorized        Code = "unauthorized"
	CodeAlreadyTerminal     Code = "already_terminal"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeWrongAssetPath      Code = "wrong_asset_path"
	CodeAssetTransferFailed Code = "asset_transfer_failed"
	CodeInvalid             Code = "invalid_request"
)

// E is a coded error. Two E values match under errors.Is when their codes match,
// so callers can test a wrapped rejection against the package sentinels.
type E struct {
	Code    Code
	Message string

	cause error
}

// Sentinels for errors.Is.
var (
	ErrOrderNotFound       = &E{Code: CodeOrderNotFound, Message: "order not found"}
	ErrUnauthorized        = &E{Code: CodeUnauthorized, Message: "caller does not own the order"}
	ErrAlreadyTerminal     = &E{Code: CodeAlreadyTerminal, Message: "order already filled or cancelled"}
	ErrInsufficientBalance = &E{Code: CodeInsufficientBalance, Message: "insufficient balance"}
	ErrWrongAssetPath      = &E{Code: CodeWrongAssetPath, Message: "asset not accepted on this path"}
	ErrAssetTransferFailed = &E{Code: CodeAssetTransferFailed, Message: "asset transfer failed"}
	ErrInvalid             = &E{Code: CodeInvalid, Message: "invalid request"}
)

// New builds an error with the given code and message.
func New(code Code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error with the given code that keeps cause in its chain.
func Wrap(code Code, cause error, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an *E with the same code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// CodeOf returns the code of the first *E in err's chain, or "" when there is none.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HTTPStatus maps a code to the status the API responds with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeOrderNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeAlreadyTerminal:
		return http.StatusConflict
	case CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	case CodeWrongAssetPath, CodeInvalid:
		return http.StatusBadRequest
	case CodeAssetTransferFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
