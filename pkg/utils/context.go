package utils

import (
	"context"
	"time"
)

// DefaultTimeout is the default timeout for operations.
const DefaultTimeout = 30 * time.Second

// ContextActorIDKey is the key for the acting citizen or legislator ID in the context.
const ContextActorIDKey = "actor_id"

// ContextRolesKey is the key for the actor roles in the context.
const ContextRolesKey = "roles"

// GetActorID retrieves the acting user ID from the context.
func GetActorID(ctx context.Context) (string, bool) {
	actorID, ok := ctx.Value(ContextActorIDKey).(string)
	return actorID, ok
}

// GetActorRoles retrieves the actor roles from the context.
func GetActorRoles(ctx context.Context) ([]string, bool) {
	roles, ok := ctx.Value(ContextRolesKey).([]string)
	return roles, ok
}

// IsExpert checks if the given roles include the constitutional expert role.
func IsExpert(roles []string) bool {
	for _, r := range roles {
		if r == "expert" {
			return true
		}
	}
	return false
}

// IsModerator checks if the given roles include the moderator or admin role.
func IsModerator(roles []string) bool {
	for _, r := range roles {
		if r == "moderator" || r == "admin" {
			return true
		}
	}
	return false
}

// GetContextFields extracts common fields from context for logging and error context.
func GetContextFields(ctx context.Context) map[string]interface{} {
	fields := make(map[string]interface{})
	if ctx == nil {
		return fields
	}
	if actorID, ok := ctx.Value(ContextActorIDKey).(string); ok && actorID != "" {
		fields["actor_id"] = actorID
	}
	if roles, ok := ctx.Value(ContextRolesKey).([]string); ok && len(roles) > 0 {
		fields["roles"] = roles
	}
	if reqID, ok := ctx.Value("request_id").(string); ok && reqID != "" {
		fields["request_id"] = reqID
	}
	return fields
}

// GetStringFromContext retrieves a string value from the context by key, or returns an empty string if not found.
func GetStringFromContext(ctx context.Context, key string) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}
