// Package api contains helpers for JSON HTTP APIs.
package api

import (
	"encoding/json"
	"net/http"
)

// JSONError encodes err as JSON to w.
// A statusCode below 1 is sent as 500 Internal Server Error.
func JSONError(w http.ResponseWriter, err error, statusCode int) {
	JSONErrorWithDetails(w, err, statusCode, nil)
}

// JSONErrorWithDetails encodes err and a list of details as JSON to w.
// Details are omitted when empty.
func JSONErrorWithDetails(w http.ResponseWriter, err error, statusCode int, details []string) {
	jsonErr := &struct {
		Err     string   `json:"error"`
		Details []string `json:"violations,omitempty"`
	}{Err: err.Error(), Details: details}
	if statusCode < 1 {
		statusCode = http.StatusInternalServerError
	}
	WriteJSON(w, statusCode, jsonErr)
}

// WriteJSON encodes v as JSON to w with statusCode.
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(v)
}
