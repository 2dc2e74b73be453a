package model

import (
	"errors"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "Intervention not found"}
	want := "NOT_FOUND: Intervention not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "template_id", Code: "required", Message: "template is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidation {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidation)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "template_id" {
		t.Errorf("Details[0].Field = %q", e.Details[0].Field)
	}
}

func TestConstructorsCarryCodes(t *testing.T) {
	cases := []struct {
		err  *ErrorEnvelope
		want string
	}{
		{NewBadRequestError("x"), ErrBadRequest},
		{NewAuthenticationError("x"), ErrAuthentication},
		{NewAuthorizationError("x"), ErrAuthorization},
		{NewNotFoundError("x"), ErrNotFound},
		{NewConflictError("x"), ErrConflict},
		{NewTimeoutError("x"), ErrTimeout},
		{NewInternalError(), ErrInternal},
		{NewBackendUnavailableError(), ErrBackendUnavailable},
		{NewNavigationError("x"), ErrNavigation},
		{NewCreationError("x"), ErrCreation},
		{NewMissingStepError("x"), ErrMissingStep},
	}
	for _, tc := range cases {
		if tc.err.Code != tc.want {
			t.Errorf("Code = %q, want %q", tc.err.Code, tc.want)
		}
	}
}

func TestAsEnvelope(t *testing.T) {
	if AsEnvelope(nil) != nil {
		t.Error("AsEnvelope(nil) should be nil")
	}

	typed := NewConflictError("version mismatch")
	if got := AsEnvelope(typed); got != typed {
		t.Error("typed errors should pass through unchanged")
	}

	plain := errors.New("connection reset")
	got := AsEnvelope(plain)
	if got.Code != ErrInternal {
		t.Errorf("untyped error Code = %q, want %q", got.Code, ErrInternal)
	}
	if got.Message != "connection reset" {
		t.Errorf("Message = %q, want original text", got.Message)
	}
}

func TestIsCode(t *testing.T) {
	err := NewNavigationError("step locked")
	if !IsCode(err, ErrNavigation) {
		t.Error("IsCode should match the envelope code")
	}
	if IsCode(err, ErrConflict) {
		t.Error("IsCode should not match a different code")
	}
	if IsCode(errors.New("plain"), ErrInternal) {
		t.Error("IsCode should be false for untyped errors")
	}
}
