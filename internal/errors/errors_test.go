package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestConstructorsCarryStatus(t *testing.T) {
	cases := []struct {
		err  *ServiceError
		code Code
		want int
	}{
		{InvalidInput("bad %s", "amount"), CodeInvalidInput, http.StatusBadRequest},
		{NotFound("event %s not found", "e1"), CodeNotFound, http.StatusNotFound},
		{Conflict("dup"), CodeConflict, http.StatusConflict},
		{Unauthorized(""), CodeUnauthorized, http.StatusUnauthorized},
		{Unavailable("store down", nil), CodeUnavailable, http.StatusServiceUnavailable},
		{Internal("boom", nil), CodeInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.code {
			t.Fatalf("code = %s, want %s", tc.err.Code, tc.code)
		}
		if got := HTTPStatus(tc.err); got != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestWrappedErrorsStillClassify(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Unavailable("read balance", cause)
	wrapped := fmt.Errorf("apply: %w", err)

	if !IsUnavailable(wrapped) {
		t.Fatal("wrapped error lost its classification")
	}
	if !stderrors.Is(wrapped, cause) {
		t.Fatal("cause not reachable through the chain")
	}
	if HTTPStatus(wrapped) != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", HTTPStatus(wrapped))
	}
}

func TestUnknownErrorIsInternal(t *testing.T) {
	if got := HTTPStatus(stderrors.New("eh")); got != http.StatusInternalServerError {
		t.Fatalf("status = %d", got)
	}
	if GetServiceError(stderrors.New("eh")) != nil {
		t.Fatal("plain error classified as service error")
	}
}
