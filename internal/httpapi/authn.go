package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"revealgate.dev/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth/token",
}

var publicPrefixes = []string{
	"/reveal-link/",
}

// withAuth requires a valid bearer token on every non-public path and
// stores the caller identity in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if a.svc.Tokens == nil {
			unavailable(w, r, "authentication")
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := a.svc.Tokens.Parse(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// admin restricts h to callers holding the admin role.
func (a *API) admin(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.HasRole(r.Context(), a.adminRole) {
			writeError(w, r, http.StatusForbidden, "admin role required")
			return
		}
		h(w, r)
	})
}

// caller returns the authenticated user or answers 401.
func caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return "", false
	}
	return user, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
