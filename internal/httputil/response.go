// Package httputil holds the JSON response helpers shared by the HTTP
// handlers. Every body is an object with a "status" field: "ok" on success,
// "error" with a "message" on failure.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// Fields are the members of a response object besides "status".
type Fields map[string]any

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}

// WriteStatus writes {"status": state, ...fields}. A "status" key in fields
// is overwritten.
func WriteStatus(w http.ResponseWriter, code int, state string, fields Fields) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["status"] = state
	WriteJSON(w, code, body)
}

// WriteOK writes a 200 {"status":"ok", ...fields} response.
func WriteOK(w http.ResponseWriter, fields Fields) {
	WriteStatus(w, http.StatusOK, "ok", fields)
}

// WriteJSONError writes {"status":"error","message":msg}.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteStatus(w, status, "error", Fields{"message": msg})
}

// MethodNotAllowed writes a 405 Method Not Allowed response.
func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// BadRequest writes a 400 Bad Request response with the given message.
func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

// InternalServerError writes a 500 Internal Server Error response.
func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// NotFound writes a 404 Not Found response.
func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}
