package middleware

import (
	"net/http"

	"github.com/google/uuid"

	pkgmw "github.com/tutormesh/control-plane/pkg/middleware"
)

const requestIDHeader = "X-Request-Id"

// RequestID assigns every request a correlation id, honoring one the
// gateway already stamped. The id rides the request context (so errors
// and audits can carry it) and is echoed on the response for callers.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(requestIDHeader, id)
		ctx := pkgmw.SetRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
