// Package transport contains the HTTP router, middleware chain, and the
// intervention request handlers views call.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/wrapforge/fieldflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrAuthentication:     http.StatusUnauthorized,
	model.ErrAuthorization:      http.StatusForbidden,
	model.ErrValidation:         http.StatusUnprocessableEntity,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrTimeout:            http.StatusGatewayTimeout,
	model.ErrInternal:           http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrNavigation:         http.StatusConflict,
	model.ErrCreation:           http.StatusConflict,
	model.ErrMissingStep:        http.StatusConflict,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an error as a JSON envelope with the mapped HTTP status.
// Errors without a typed code become a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee := model.AsEnvelope(err)
	if ee == nil {
		ee = model.NewInternalError()
	}
	if ee.TraceID == "" {
		ee.TraceID = CorrelationIDFrom(r.Context())
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

// WriteValidationError writes a 422 with field-level details.
func WriteValidationError(w http.ResponseWriter, r *http.Request, details []model.FieldError) {
	WriteError(w, r, model.NewValidationError(details))
}
