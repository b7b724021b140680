// Package handlers provides HTTP handlers for the marketplace API.
// Every response uses the {success, message, data} envelope; errors map
// through the apperror taxonomy to their status codes.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/carebridge/rxmarket/internal/domain/apperror"
)

// envelope is the uniform response shape.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Message: message, Data: data})
}

// writeError maps the error through the taxonomy. Diagnostic detail is
// only attached outside production.
func writeError(w http.ResponseWriter, err error, includeDetail bool) {
	resp := envelope{Success: false, Message: apperror.SafeMessage(err)}
	if includeDetail {
		resp.Error = err.Error()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperror.HTTPStatus(err))
	json.NewEncoder(w).Encode(resp)
}

func writeValidation(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(envelope{Success: false, Message: message})
}
