package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nextcloud/app-api-sub001/pkg/manager"
	"github.com/nextcloud/app-api-sub001/pkg/security"
	"github.com/nextcloud/app-api-sub001/pkg/storage"
)

// ErrorResponse is the body of every failed API call
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError maps a façade error to its HTTP status
func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

var authErrors = []error{
	security.ErrMissingAppID,
	security.ErrInvalidAuthorization,
	security.ErrSignTimeInvalid,
	security.ErrInvalidSignature,
	security.ErrDataHashMismatch,
	security.ErrMissingSignature,
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrBusy), errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case manager.IsPolicyError(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, manager.ErrDisabled):
		return http.StatusForbidden
	}
	for _, authErr := range authErrors {
		if errors.Is(err, authErr) {
			return http.StatusUnauthorized
		}
	}
	return http.StatusInternalServerError
}
