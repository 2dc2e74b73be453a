package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrAuthentication     = "AUTHENTICATION_ERROR"
	ErrAuthorization      = "AUTHORIZATION_ERROR"
	ErrValidation         = "VALIDATION_ERROR"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrTimeout            = "TIMEOUT"
	ErrInternal           = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Engine-specific error codes.
const (
	ErrNavigation  = "NAVIGATION_ERROR"
	ErrCreation    = "CREATION_ERROR"
	ErrMissingStep = "MISSING_STEP"
)

// ErrorEnvelope is the typed error surfaced by the engine and returned to
// views. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewAuthenticationError returns an AUTHENTICATION_ERROR (missing or expired
// session).
func NewAuthenticationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAuthentication, Message: msg}
}

// NewAuthorizationError returns an AUTHORIZATION_ERROR.
func NewAuthorizationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAuthorization, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error. The backend answers with this
// code when a transition is rejected because server-side state changed
// between read and write.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidation,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewTimeoutError returns a TIMEOUT error, surfaced only after a write has
// exhausted all of its retries.
func NewTimeoutError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrTimeout, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternal,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "The backend service is temporarily unavailable",
	}
}

// NewNavigationError returns a NAVIGATION_ERROR: the step guard refused to
// open the requested stage. No remote call is attempted for these.
func NewNavigationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNavigation, Message: msg}
}

// NewCreationError returns a CREATION_ERROR: the job already has an active
// intervention.
func NewCreationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrCreation, Message: msg}
}

// NewMissingStepError returns a MISSING_STEP error: an operation that needs
// a current stage was called while none is open.
func NewMissingStepError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrMissingStep, Message: msg}
}

// AsEnvelope converts any error into an *ErrorEnvelope, wrapping unknown
// errors as INTERNAL_ERROR so callers always receive a typed code.
func AsEnvelope(err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	if ee, ok := err.(*ErrorEnvelope); ok {
		return ee
	}
	return &ErrorEnvelope{Code: ErrInternal, Message: err.Error()}
}

// IsCode reports whether err is an ErrorEnvelope with the given code.
func IsCode(err error, code string) bool {
	ee, ok := err.(*ErrorEnvelope)
	return ok && ee.Code == code
}
