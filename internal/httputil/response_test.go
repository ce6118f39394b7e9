package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return resp
}

func TestWriteJSONError(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusBadRequest, "test error")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}

	resp := decode(t, rec)
	if resp["status"] != "error" {
		t.Errorf("status field = %v, want 'error'", resp["status"])
	}
	if resp["message"] != "test error" {
		t.Errorf("message = %v, want 'test error'", resp["message"])
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]string{"message": "hello"})

	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if resp := decode(t, rec); resp["message"] != "hello" {
		t.Errorf("message = %v, want 'hello'", resp["message"])
	}
}

func TestWriteOK(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteOK(rec, Fields{"points_recorded": 3, "status": "ignored"})

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	resp := decode(t, rec)
	if resp["status"] != "ok" {
		t.Errorf("status field = %v, want 'ok'", resp["status"])
	}
	if resp["points_recorded"] != float64(3) {
		t.Errorf("points_recorded = %v, want 3", resp["points_recorded"])
	}
}

func TestWriteOK_NilFields(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteOK(rec, nil)

	resp := decode(t, rec)
	if len(resp) != 1 || resp["status"] != "ok" {
		t.Errorf("body = %v, want only status ok", resp)
	}
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		want  int
	}{
		{"method not allowed", MethodNotAllowed, http.StatusMethodNotAllowed},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "invalid input") }, http.StatusBadRequest},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "something went wrong") }, http.StatusInternalServerError},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "resource not found") }, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if resp := decode(t, rec); resp["status"] != "error" {
				t.Errorf("status field = %v, want 'error'", resp["status"])
			}
		})
	}
}
