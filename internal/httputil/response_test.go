package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var (
	errMissing = errors.New("missing")
	errBusy    = errors.New("busy")
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content-type = %s, want application/json", ct)
	}
	var body ErrorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Error
}

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		code  int
		msg   string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "line must be in 0-7") }, http.StatusBadRequest, "line must be in 0-7"},
		{"forbidden", func(w http.ResponseWriter) { Forbidden(w, "outside config dir") }, http.StatusForbidden, "outside config dir"},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no such source") }, http.StatusNotFound, "no such source"},
		{"method", MethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"},
		{"conflict", func(w http.ResponseWriter) { Conflict(w, "port in use") }, http.StatusConflict, "port in use"},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "db closed") }, http.StatusInternalServerError, "db closed"},
		{"unavailable", func(w http.ResponseWriter) { Unavailable(w, "not connected") }, http.StatusServiceUnavailable, "not connected"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec)
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
			if got := decodeError(t, rec); got != tt.msg {
				t.Errorf("error = %q, want %q", got, tt.msg)
			}
		})
	}
}

func TestSuccessHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		write func(http.ResponseWriter, interface{})
		code  int
	}{
		{"ok", WriteJSONOK, http.StatusOK},
		{"created", Created, http.StatusCreated},
		{"accepted", Accepted, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.write(rec, map[string]int{"port": 27020})
			if rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
			var got map[string]int
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got["port"] != 27020 {
				t.Errorf("port = %d, want 27020", got["port"])
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	t.Parallel()

	codes := []ErrorCode{
		{Err: errMissing, Code: http.StatusNotFound},
		{Err: errBusy, Code: http.StatusConflict},
	}
	tests := []struct {
		err  error
		code int
	}{
		{errMissing, http.StatusNotFound},
		{fmt.Errorf("source 3: %w", errBusy), http.StatusConflict},
		{errors.New("bad radius"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		WriteError(rec, tt.err, codes...)
		if rec.Code != tt.code {
			t.Errorf("WriteError(%v) status = %d, want %d", tt.err, rec.Code, tt.code)
		}
		if got := decodeError(t, rec); got != tt.err.Error() {
			t.Errorf("error = %q, want %q", got, tt.err.Error())
		}
	}
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	type gate struct {
		Active bool `json:"active"`
	}
	tests := []struct {
		name   string
		body   string
		limit  int64
		ok     bool
		active bool
	}{
		{"valid", `{"active":true}`, 1024, true, true},
		{"empty", ``, 1024, true, false},
		{"unknown field", `{"active":true,"speed":2}`, 1024, false, false},
		{"malformed", `{"active":`, 1024, false, false},
		{"too large", `{"active":true}`, 4, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/acquisition", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			var g gate
			if got := DecodeJSON(rec, req, &g, tt.limit); got != tt.ok {
				t.Fatalf("DecodeJSON = %v, want %v", got, tt.ok)
			}
			if !tt.ok && rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if g.Active != tt.active {
				t.Errorf("active = %v, want %v", g.Active, tt.active)
			}
		})
	}
}
