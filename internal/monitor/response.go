// Package monitor serves the daemon's HTTP side channel: health and
// readiness, Prometheus metrics, status introspection, the event ring,
// and the operator-facing token administration endpoints. The gateway
// owns the real-time WebSocket surface; everything here is pull-based
// and stateless.
package monitor

import (
	"encoding/json"
	"net/http"
)

// envelope wraps every JSON payload. Successful responses carry the
// payload under "data"; failures carry {"error": {"message", "code"}}.
type envelope map[string]any

// writeJSON writes a JSON-encoded response with the given status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ok writes a 200 response with the payload wrapped in {"data": payload}.
func ok(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusOK, envelope{"data": payload})
}

// created writes a 201 response with the payload wrapped in {"data": payload}.
func created(w http.ResponseWriter, payload any) {
	writeJSON(w, http.StatusCreated, envelope{"data": payload})
}

type errorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// errJSON writes an error response. Code is a stable machine-readable
// string ("unauthorized", "not_found", ...) for callers that branch on it.
func errJSON(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, envelope{
		"error": errorResponse{Message: message, Code: code},
	})
}

func errBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "bad_request")
}

func errUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

func errForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

func errNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// decodeJSON decodes the request body into dst. Returns false and
// writes the error response itself so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		errBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
