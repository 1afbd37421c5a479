// Package identity implements the Identity Context component (spec §4.1
// equivalent): HTTP middleware that trusts the gateway's asserted headers
// and stores an Identity in the request context. It never re-verifies a
// JWT or an API key — that verification already happened upstream at the
// gateway, and re-deriving it here would just be a second, divergent
// source of truth.
package identity

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	pkgmw "github.com/tutormesh/control-plane/pkg/middleware"
)

const (
	headerStudentIdentity = "X-Consumer-Username"
	headerRole            = "X-Consumer-Role"
	headerPermissions     = "X-Consumer-Permissions"
)

var publicPaths = map[string]bool{
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// knownRoles is the closed set of X-Consumer-Role values the gateway may assert.
var knownRoles = map[string]bool{
	"student": true,
	"teacher": true,
	"admin":   true,
}

// Middleware extracts the caller's identity from gateway-asserted headers
// and stores it in the request context. Requests to public paths skip
// identity extraction entirely. A request on a non-public path with no
// X-Consumer-Username, or with an X-Consumer-Role that is missing or not one
// of student/teacher/admin, is rejected with 401 — the Triage Router and
// Mastery query API both require an authenticated student_identity.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		student := strings.TrimSpace(r.Header.Get(headerStudentIdentity))
		role := strings.TrimSpace(r.Header.Get(headerRole))
		if student == "" || !knownRoles[role] {
			log.Debug().Str("path", r.URL.Path).Msg("missing or malformed gateway identity headers")
			writeUnauthorized(w)
			return
		}

		var perms []string
		if raw := r.Header.Get(headerPermissions); raw != "" {
			for _, p := range strings.Split(raw, ",") {
				if t := strings.TrimSpace(p); t != "" {
					perms = append(perms, t)
				}
			}
		}

		ctx := pkgmw.SetIdentity(r.Context(), &pkgmw.Identity{
			StudentIdentity: student,
			Role:            role,
			Permissions:     perms,
		})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="tutormesh"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "authentication_required",
		"message": "missing or malformed gateway-asserted identity header",
	})
}

// RequireRole returns middleware that rejects requests whose Identity role
// is not in allowed. Must run after Middleware.
func RequireRole(allowed ...string) func(http.Handler) http.Handler {
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := pkgmw.GetIdentity(r.Context())
			if id == nil || !allowedSet[id.Role] {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "forbidden",
					"message": "role not permitted for this operation",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
