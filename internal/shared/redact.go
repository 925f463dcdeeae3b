package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credential-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// Key-value forms: access_token=..., refresh_token: "...", api_key=...
	regexp.MustCompile(`(?i)(access[_-]?token|refresh[_-]?token|api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Bare JWTs (three dot-separated base64url segments).
	regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\b`),
}

// Redact replaces credential-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactKeyValue returns a redacted value if the key name looks credential-like.
func RedactKeyValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"token", "secret", "password", "credential", "authorization", "api_key", "apikey", "bearer"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
