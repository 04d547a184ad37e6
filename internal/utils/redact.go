// Package utils provides shared utility functions for the Rollgate system
package utils

import (
	"fmt"
	"regexp"
	"strings"
)

const redactedPlaceholder = "<REDACTED>"

// Key=value pairs whose key names a credential. The key survives, the value
// is replaced.
var keyValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|key|apikey|api_key|access_key|private_key|client_secret)["':=]\s*["']?([^"',}\s]+)`),
	regexp.MustCompile(`(?i)(bearer|authorization|auth-token|x-api-key)["':=]\s*["']?([^"',}\s]+)`),
	regexp.MustCompile(`(?i)ssh-rsa\s+[A-Za-z0-9+/=]+`),
	regexp.MustCompile(`(?i)-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----[\s\S]+?-----END\s+(RSA\s+)?PRIVATE\s+KEY-----`),
}

// Standalone value shapes that look like secrets regardless of the field
// holding them.
var (
	base64ValuePattern = regexp.MustCompile(`^[A-Za-z0-9+/]{20,}={0,2}$`)
	hexValuePattern    = regexp.MustCompile(`^[a-fA-F0-9]{32,}$`)
	jwtSegmentPattern  = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Field names always redacted in backend options and request metadata,
// checked after lowercasing. Anything containing one of the substrings
// below is redacted too, so variants like db_password need no entry.
var sensitiveFields = map[string]bool{
	"password":          true,
	"secret":            true,
	"token":             true,
	"private_key":       true,
	"client_secret":     true,
	"access_key":        true,
	"secret_key":        true,
	"api_key":           true,
	"auth_token":        true,
	"refresh_token":     true,
	"registry_password": true,
	"registry_token":    true,
	"private_key_pem":   true,
	"certificate_pem":   true,
	"certificate_chain": true,
	"signing_key":       true,
	"encryption_key":    true,
}

var sensitiveSubstrings = []string{
	"password", "secret", "token", "key", "credential",
	"private", "auth", "bearer",
}

// RedactForLogging prepares a rollout request document (or any fragment of
// one) for safe logging.
func RedactForLogging(data interface{}) interface{} {
	switch v := data.(type) {
	case map[string]interface{}, []interface{}, string:
		return redactValue(v)
	default:
		return RedactSensitiveString(fmt.Sprintf("%+v", data))
	}
}

// RedactSensitiveString redacts credential-looking key=value pairs inside a
// flat string, keeping the key so logs stay navigable.
func RedactSensitiveString(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, pattern := range keyValuePatterns {
		out = pattern.ReplaceAllStringFunc(out, func(match string) string {
			if parts := pattern.FindStringSubmatch(match); len(parts) > 1 && parts[1] != "" {
				return parts[1] + "=" + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

// RedactSensitiveMap returns a copy of input with sensitive fields and
// secret-shaped string values replaced, recursing through nested maps and
// slices.
func RedactSensitiveMap(input map[string]interface{}) map[string]interface{} {
	if input == nil {
		return nil
	}
	out := make(map[string]interface{}, len(input))
	for key, value := range input {
		if isSensitiveField(key) {
			out[key] = redactedPlaceholder
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

// redactValue is the shared recursion for map values and slice elements
func redactValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return RedactSensitiveMap(v)
	case []interface{}:
		if v == nil {
			return nil
		}
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	case string:
		if containsSensitivePattern(v) {
			return redactedPlaceholder
		}
		return v
	default:
		return value
	}
}

func isSensitiveField(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveFields[lower] {
		return true
	}
	for _, substr := range sensitiveSubstrings {
		if strings.Contains(lower, substr) {
			return true
		}
	}
	return false
}

// containsSensitivePattern reports whether a bare string value has the shape
// of a secret: long base64 or hex runs, or a three-segment JWT.
func containsSensitivePattern(value string) bool {
	if len(value) > 20 &&
		(base64ValuePattern.MatchString(value) || hexValuePattern.MatchString(value)) {
		return true
	}

	parts := strings.Split(value, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if len(part) < 10 || !jwtSegmentPattern.MatchString(part) {
			return false
		}
	}
	return true
}
