package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/CINPLA/tracking-plugin/internal/monitoring"
)

var logf = monitoring.Prefixed("http")

// ErrorBody is the body of every non-2xx reply of the API.
type ErrorBody struct {
	Error string `json:"error"`
}

// ErrorCode pairs a sentinel error with the status it is reported as.
type ErrorCode struct {
	Err  error
	Code int
}

// WriteJSON writes data as a JSON reply with the given status.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logf("failed to encode %d reply: %v", status, err)
	}
}

// WriteJSONOK writes a 200 reply.
func WriteJSONOK(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusOK, data)
}

// Created writes a 201 reply carrying the new resource.
func Created(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusCreated, data)
}

// Accepted writes a 202 reply for work that completes asynchronously, such as
// a TTL pulse that is emitted on the next processing cycle.
func Accepted(w http.ResponseWriter, data interface{}) {
	WriteJSON(w, http.StatusAccepted, data)
}

// WriteJSONError writes an ErrorBody with the given status.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteError reports err with the status of the first code whose sentinel it
// wraps, or 400 when none match.
func WriteError(w http.ResponseWriter, err error, codes ...ErrorCode) {
	for _, c := range codes {
		if errors.Is(err, c.Err) {
			WriteJSONError(w, c.Code, err.Error())
			return
		}
	}
	BadRequest(w, err.Error())
}

// DecodeJSON decodes a request body of at most limit bytes into v, rejecting
// unknown fields. An empty body leaves v untouched. On failure a 400 has
// already been written and false is returned.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		BadRequest(w, fmt.Sprintf("invalid JSON: %v", err))
		return false
	}
	return true
}

func MethodNotAllowed(w http.ResponseWriter) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func BadRequest(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusBadRequest, msg)
}

func Forbidden(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusForbidden, msg)
}

func NotFound(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusNotFound, msg)
}

// Conflict reports a request that is valid but clashes with the current
// state, e.g. a port already bound or recording without acquisition.
func Conflict(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusConflict, msg)
}

func InternalServerError(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusInternalServerError, msg)
}

// Unavailable reports that the hardware behind the request is not connected.
func Unavailable(w http.ResponseWriter, msg string) {
	WriteJSONError(w, http.StatusServiceUnavailable, msg)
}
