package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "trustledger/pkg/domain-errors"
)

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates domain error codes into HTTP statuses with a
// consistent JSON envelope. Unrecognized errors are masked as internal.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	description := "internal error"
	var dErr *dErrors.Error
	if errors.As(err, &dErr) {
		description = dErr.Message()
	}
	writeJSON(w, statusForCode(code), errorResponse{
		Error:            string(code),
		ErrorDescription: description,
	})
}

func statusForCode(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation, dErrors.CodeBadRequest, dErrors.CodeInvalidInput:
		return http.StatusBadRequest
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict, dErrors.CodeAllocationExhausted:
		return http.StatusConflict
	case dErrors.CodeUnauthorized:
		return http.StatusUnauthorized
	case dErrors.CodeForbidden:
		return http.StatusForbidden
	case dErrors.CodeInvariantViolation, dErrors.CodeIntegrityViolation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}
