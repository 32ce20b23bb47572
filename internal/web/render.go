package web

import (
	"encoding/json"
	"net/http"

	"github.com/hpungsan/notefeed/internal/errors"
)

// renderJSON writes a JSON response.
func renderJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// renderError writes a coded error. Internal details are not exposed.
func renderError(w http.ResponseWriter, err error) {
	fErr, ok := errors.As(err)
	if !ok {
		fErr = errors.NewInternal(err)
	}

	errorObj := map[string]any{
		"code":    string(fErr.Code),
		"message": fErr.Message,
		"status":  fErr.Status,
	}
	if fErr.Code == errors.ErrInternal {
		errorObj["message"] = "an internal error occurred"
	} else if fErr.Details != nil {
		errorObj["details"] = fErr.Details
	}
	if fErr.Code == errors.ErrCoolingDown || fErr.Code == errors.ErrRateLimited {
		w.Header().Set("Retry-After", "1")
	}
	renderJSON(w, fErr.Status, map[string]any{"error": errorObj})
}

// decodeBody decodes a JSON request body into T, rejecting unknown fields.
func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, errors.NewInvalidRequest("invalid request body: " + err.Error())
	}
	return v, nil
}
