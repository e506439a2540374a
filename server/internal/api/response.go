// Package api implements the C&C HTTP surface. Chi routes everything under
// /api; authentication is a Bearer operator JWT validated by middleware, with
// role checks applied per route group. Error responses use a single envelope
// shape so clients can branch on the machine-readable code.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
)

// apiError is the error envelope for every non-2xx response.
//
//	{"error": true, "message": "...", "code": "not_found", "correlationId": "..."}
//
// CorrelationID is set on internal errors so operators can find the matching
// log lines without the response leaking any detail.
type apiError struct {
	Error         bool   `json:"error"`
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// NoContent writes a 204 No Content response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func errJSON(w http.ResponseWriter, status int, message, code string) {
	JSON(w, status, apiError{Error: true, Message: message, Code: code})
}

// ErrBadRequest writes a 400 response.
func ErrBadRequest(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusBadRequest, message, "validation_error")
}

// ErrUnauthorized writes a 401 response. The message is deliberately uniform
// so credential probing learns nothing about the configuration.
func ErrUnauthorized(w http.ResponseWriter) {
	errJSON(w, http.StatusUnauthorized, "authentication required", "unauthorized")
}

// ErrForbidden writes a 403 response.
func ErrForbidden(w http.ResponseWriter) {
	errJSON(w, http.StatusForbidden, "insufficient permissions", "forbidden")
}

// ErrNotFound writes a 404 response.
func ErrNotFound(w http.ResponseWriter) {
	errJSON(w, http.StatusNotFound, "resource not found", "not_found")
}

// ErrConflict writes a 409 response.
func ErrConflict(w http.ResponseWriter, message string) {
	errJSON(w, http.StatusConflict, message, "conflict")
}

// ErrRateLimited writes a 429 response with a Retry-After hint in seconds.
func ErrRateLimited(w http.ResponseWriter, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	errJSON(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limited")
}

// ErrNodeOffline writes a 503 response for requests that need a live node.
func ErrNodeOffline(w http.ResponseWriter) {
	errJSON(w, http.StatusServiceUnavailable, "node is offline", "node_offline")
}

// ErrInternal writes a 500 response carrying the request correlation ID.
// Internal detail never reaches the client.
func ErrInternal(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusInternalServerError, apiError{
		Error:         true,
		Message:       "an internal error occurred",
		Code:          "internal_error",
		CorrelationID: middleware.GetReqID(r.Context()),
	})
}

// decodeJSON decodes the request body into dst. Returns false and writes a
// 400 if decoding fails, so callers can early-return. An empty body decodes
// into the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			// Empty body: callers treat the zero value as "no options".
			return true
		}
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
