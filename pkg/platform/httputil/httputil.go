// Package httputil centralizes JSON encoding and domain-error translation
// for HTTP handlers so every endpoint speaks the same error envelope.
package httputil

import (
	"encoding/json"
	"net/http"

	dErrors "explaind/pkg/domain-errors"
)

// errorBody is the wire envelope for failures.
type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError maps a domain error to its HTTP status and envelope. Internal
// errors omit the description so storage details never leak to clients.
// Quota and rate-limit denials carry Retry-After so well-behaved clients
// back off.
func WriteError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	status := StatusOf(code)

	body := errorBody{Error: string(code)}
	if code != dErrors.CodeInternal {
		body.Description = err.Error()
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "60")
	}
	WriteJSON(w, status, body)
}

// StatusOf maps a domain error code to an HTTP status.
func StatusOf(code dErrors.Code) int {
	switch code {
	case dErrors.CodeValidation:
		return http.StatusBadRequest
	case dErrors.CodeNotFound:
		return http.StatusNotFound
	case dErrors.CodeConflict:
		return http.StatusConflict
	case dErrors.CodeRequestsExhausted, dErrors.CodeTokensExhausted,
		dErrors.CodeQuotaExhausted, dErrors.CodeRateLimited:
		return http.StatusTooManyRequests
	case dErrors.CodeUpstream:
		return http.StatusBadGateway
	case dErrors.CodeLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// DecodeJSON parses the request body into T, rejecting unknown fields.
func DecodeJSON[T any](r *http.Request) (T, error) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, dErrors.Wrap(err, dErrors.CodeValidation, "invalid JSON body")
	}
	return v, nil
}
