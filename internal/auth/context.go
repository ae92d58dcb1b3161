package auth

import (
	"context"
	"slices"
	"strings"
)

type ctxKey int

const (
	userIDKey ctxKey = iota
	rolesKey
)

// ContextWithUser stores the caller's id and roles in ctx.
func ContextWithUser(ctx context.Context, userID int64, roles []string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	if roles = normalizeRoles(roles); len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, roles)
	}
	return ctx
}

// UserIDFromContext extracts the authenticated user id.
func UserIDFromContext(ctx context.Context) (int64, bool) {
	if ctx == nil {
		return 0, false
	}
	v, ok := ctx.Value(userIDKey).(int64)
	if !ok || v <= 0 {
		return 0, false
	}
	return v, true
}

// ActorFromContext returns the authenticated user id as an audit actor, or nil.
func ActorFromContext(ctx context.Context) *int64 {
	id, ok := UserIDFromContext(ctx)
	if !ok {
		return nil
	}
	return &id
}

// RolesFromContext returns a copy of the caller's normalized role names.
func RolesFromContext(ctx context.Context) []string {
	if ctx == nil {
		return nil
	}
	v, _ := ctx.Value(rolesKey).([]string)
	return slices.Clone(v)
}

// HasRole reports whether the caller holds role.
func HasRole(ctx context.Context, role string) bool {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" || ctx == nil {
		return false
	}
	v, _ := ctx.Value(rolesKey).([]string)
	return slices.Contains(v, role)
}

// HasAnyRole reports whether the caller holds at least one of roles.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	return slices.ContainsFunc(roles, func(r string) bool { return HasRole(ctx, r) })
}
