// Package response provides JSON response helpers for API handlers.
package response

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/flumehq/ledger/internal/pkg/errors"
)

// Envelope is the standard success response body.
type Envelope struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
}

// debug gates the dev field of error envelopes. Set once at startup.
var debug bool

// SetDebug controls whether error responses expose the internal cause.
func SetDebug(on bool) { debug = on }

// JSON writes a success envelope with the given status code.
func JSON(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(Envelope{Data: data, Message: message}); err != nil {
		// Log error but can't do much else at this point
		http.Error(w, `{"code":5000,"message":"Failed to encode response","dev":""}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 OK success envelope.
func OK(w http.ResponseWriter, message string, data any) {
	JSON(w, http.StatusOK, message, data)
}

// Error writes the error envelope {code, message, dev}. The dev field
// is blanked unless debug mode is on.
func Error(w http.ResponseWriter, err error) {
	apiErr := apierrors.AsAPIError(err)

	body := struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Dev     string `json:"dev"`
	}{Code: apiErr.Code, Message: apiErr.Message}
	if debug {
		body.Dev = apiErr.Dev
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.StatusCode)
	json.NewEncoder(w).Encode(body)
}

// ValidationError writes a 422 schema-violation response.
func ValidationError(w http.ResponseWriter, field, message string) {
	Error(w, apierrors.NewValidationError(field, message))
}

// InternalError writes a 500 response with the cause in dev.
func InternalError(w http.ResponseWriter, err error) {
	Error(w, apierrors.ErrInternal.WithDev(err.Error()))
}
