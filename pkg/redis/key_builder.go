package redis

import (
	"strings"
)

// KeyBuilder helps build Redis keys according to our naming convention.
// Keys take the form namespace:context:entity[:attribute].
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace and context.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a Redis key following our naming convention.
func (kb *KeyBuilder) Build(entity, attribute string) string {
	parts := []string{
		kb.namespace,
		kb.context,
		strings.ToLower(entity),
	}

	if attribute != "" {
		parts = append(parts, strings.ToLower(attribute))
	}

	return strings.Join(parts, ":")
}

// BuildPattern creates a Redis key pattern for searching.
func (kb *KeyBuilder) BuildPattern(entity, pattern string) string {
	if pattern == "" {
		pattern = "*"
	}

	parts := []string{
		kb.namespace,
		kb.context,
		strings.ToLower(entity),
		pattern,
	}

	return strings.Join(parts, ":")
}

// Parse extracts components from a Redis key.
func (kb *KeyBuilder) Parse(key string) map[string]string {
	parts := strings.Split(key, ":")
	result := make(map[string]string)

	if len(parts) >= 1 {
		result["namespace"] = parts[0]
	}
	if len(parts) >= 2 {
		result["context"] = parts[1]
	}
	if len(parts) >= 3 {
		result["entity"] = parts[2]
	}
	if len(parts) >= 4 {
		result["attribute"] = strings.Join(parts[3:], ":")
	}

	return result
}

// WithContext creates a new key builder with a different context.
func (kb *KeyBuilder) WithContext(context string) *KeyBuilder {
	return NewKeyBuilder(kb.namespace, context)
}
