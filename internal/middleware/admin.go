package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/everliv/everliv-api/internal/errors"
	internalhttputil "github.com/everliv/everliv-api/internal/httputil"
	"github.com/everliv/everliv-api/internal/logging"
)

// RoleChecker answers whether a user holds an application role.
type RoleChecker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// AdminGate admits users listed in allowlist, users whose token carries the
// admin role, and users with an admin row in user_roles.
func AdminGate(checker RoleChecker, allowlist []string, logger *logging.Logger) mux.MiddlewareFunc {
	allowed := make(map[string]struct{}, len(allowlist))
	for _, id := range allowlist {
		if id = strings.TrimSpace(id); id != "" {
			allowed[id] = struct{}{}
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := internalhttputil.RequireUserID(w, r)
			if !ok {
				return
			}

			if _, ok := allowed[userID]; ok || GetUserRole(r.Context()) == "admin" {
				next.ServeHTTP(w, r)
				return
			}

			isAdmin, err := checker.HasRole(r.Context(), userID, "admin")
			if err != nil {
				logger.WithContext(r.Context()).WithError(err).Error("Admin role lookup failed")
				internalhttputil.WriteServiceError(w, r, errors.Internal("role lookup failed", err))
				return
			}
			if !isAdmin {
				logger.LogSecurityEvent(r.Context(), "admin_access_denied", map[string]interface{}{
					"path": r.URL.Path,
				})
				internalhttputil.WriteServiceError(w, r, errors.Forbidden("Admin role required"))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
