package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"explaind/pkg/requestcontext"
)

// RequestIDHeader carries the correlation id, propagated from the caller
// when present.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a correlation id and echoes it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)
		ctx := requestcontext.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
