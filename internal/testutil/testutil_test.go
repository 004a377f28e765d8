package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"
)

func TestNewJSONRequest(t *testing.T) {
	req := NewJSONRequest(t, http.MethodPost, "/api/ttl", map[string]int{"line": 3})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", req.Header.Get("Content-Type"))
	}
	b, _ := io.ReadAll(req.Body)
	if string(b) != `{"line":3}` {
		t.Errorf("body = %s", b)
	}

	empty := NewJSONRequest(t, http.MethodGet, "/api/status", nil)
	if empty.Header.Get("Content-Type") != "" {
		t.Errorf("GET without body has Content-Type %q", empty.Header.Get("Content-Type"))
	}
}

func TestServeAndDecode(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"path": r.URL.Path})
	})
	w := Serve(h, NewJSONRequest(t, http.MethodPost, "/api/sources", nil))
	AssertStatusCode(t, w.Code, http.StatusCreated)

	var got map[string]string
	DecodeJSON(t, w, &got)
	if got["path"] != "/api/sources" {
		t.Errorf("path = %q", got["path"])
	}
}
