package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey ctxKey = "auth_user_id"
	rolesKey  ctxKey = "auth_roles"
)

// ContextWithUser stores the caller identity in the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// RolesFromContext returns the token roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains the specified role.
func HasRole(ctx context.Context, role string) bool {
	role = NormalizeRole(role)
	if role == "" {
		return false
	}
	for _, r := range RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
