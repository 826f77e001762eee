package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeInsufficientBalance, "have %d, need %d", 1, 100)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected %v to match ErrInsufficientBalance", err)
	}
	if errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected %v not to match ErrOrderNotFound", err)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("allowance exceeded")
	err := fmt.Errorf("deposit token: %w", Wrap(CodeAssetTransferFailed, cause, "transferFrom"))

	if !errors.Is(err, ErrAssetTransferFailed) {
		t.Errorf("wrapped error lost its code: %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("wrapped error lost its cause: %v", err)
	}
	if got := CodeOf(err); got != CodeAssetTransferFailed {
		t.Errorf("CodeOf = %q, want %q", got, CodeAssetTransferFailed)
	}
	if got := CodeOf(cause); got != "" {
		t.Errorf("CodeOf(plain) = %q, want empty", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeOrderNotFound, http.StatusNotFound},
		{CodeUnauthorized, http.StatusForbidden},
		{CodeAlreadyTerminal, http.StatusConflict},
		{CodeInsufficientBalance, http.StatusUnprocessableEntity},
		{CodeWrongAssetPath, http.StatusBadRequest},
		{CodeAssetTransferFailed, http.StatusBadGateway},
		{"", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%q) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
