// Package middleware provides the HTTP middleware chain for the public API.
package middleware

import (
	"log/slog"
	"net/http"

	"explaind/pkg/domain"
	dErrors "explaind/pkg/domain-errors"
	"explaind/pkg/platform/httputil"
	"explaind/pkg/requestcontext"
)

// UserIDHeader names the header carrying the authenticated user identity.
// Authentication itself happens at the edge; this service trusts the header
// the gateway injects.
const UserIDHeader = "X-User-ID"

// Identity extracts the caller's user ID into the request context and
// rejects requests without one.
func Identity(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := domain.UserID(r.Header.Get(UserIDHeader))
			if userID.IsEmpty() {
				logger.WarnContext(r.Context(), "request without user identity",
					"path", r.URL.Path,
					"request_id", requestcontext.RequestID(r.Context()),
				)
				httputil.WriteError(w, dErrors.Newf(dErrors.CodeValidation,
					"%s header is required", UserIDHeader))
				return
			}
			ctx := requestcontext.WithUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
