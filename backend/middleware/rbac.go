// ABOUTME: Role-based access control middleware for API endpoints
// ABOUTME: Gates mutating endpoints on the role carried by the host token

package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
)

// roleRank orders host roles. Unknown roles rank zero and reach nothing.
func roleRank(role string) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleOperator:
		return 2
	default:
		return 0
	}
}

// RequireRole lets a request through only when its host holds at least role.
// Anonymous requests count as viewer. An unknown role panics so a typo in the
// route table fails at startup.
func RequireRole(role string) Middleware {
	need := roleRank(role)
	if need == 0 {
		panic(fmt.Sprintf("middleware: unknown role %q", role))
	}

	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			host, have := "anonymous", RoleViewer
			if c := HostFrom(r); c != nil {
				host = c.Subject
				if c.Role != "" {
					have = c.Role
				}
			}

			if roleRank(have) < need {
				slog.Warn("Host lacks role",
					"host", host,
					"role", have,
					"need", role,
					"method", r.Method,
					"path", r.URL.Path,
				)
				reject(w, http.StatusForbidden, ReasonForbidden, role+" role required")
				return
			}
			next(w, r)
		}
	}
}
