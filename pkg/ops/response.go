package ops

import (
	"encoding/json"
	"net/http"
)

// Response is the JSON body written by every ops endpoint except the health checks.
type Response struct {
	Code  string         `json:"code,omitempty"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail describes a failed request.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// HTTPError pairs a status code with a stable error key.
type HTTPError struct {
	Status int
	Key    string
}

func (e HTTPError) Error() string { return e.Key }

var (
	ErrBadRequest          = HTTPError{Status: http.StatusBadRequest, Key: "bad_request"}
	ErrNotFound            = HTTPError{Status: http.StatusNotFound, Key: "not_found"}
	ErrUnprocessable       = HTTPError{Status: http.StatusUnprocessableEntity, Key: "unprocessable_entity"}
	ErrPayloadTooLarge     = HTTPError{Status: http.StatusRequestEntityTooLarge, Key: "request_entity_too_large"}
	ErrServiceUnavailable  = HTTPError{Status: http.StatusServiceUnavailable, Key: "service_unavailable"}
	ErrInternalServerError = HTTPError{Status: http.StatusInternalServerError, Key: "internal_server_error"}
)

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, code string, data any, meta map[string]any) {
	writeJSON(w, status, Response{Code: code, Data: data, Meta: meta})
}

// writeError renders err with message, defaulting to the status text.
func writeError(w http.ResponseWriter, err HTTPError, message string) {
	if message == "" {
		message = http.StatusText(err.Status)
	}
	writeJSON(w, err.Status, Response{
		Code:  err.Key,
		Error: &ErrorDetail{Code: err.Key, Message: message},
	})
}
