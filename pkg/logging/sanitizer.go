// Package logging strips credentials from strings headed for logs, progress
// events and persisted error messages.
package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a SPARQL or SQL query to log
	MaxQueryLogLength = 100
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Authorization header values: bearer tokens and SPARQL basic auth
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)
	basicPattern  = regexp.MustCompile(`(?i)(authorization:\s*basic\s+)\S+`)

	// api_key=..., apikey=..., key=...
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)

	// Provider secret keys: OpenAI sk-..., sk-proj-..., Anthropic sk-ant-...
	providerKeyPattern = regexp.MustCompile(`\bsk-(?:ant-|proj-)?[A-Za-z0-9_-]{16,}`)

	// x-api-key: ... header dumps
	headerKeyPattern = regexp.MustCompile(`(?i)(x-api-key:\s*)\S+`)

	// user:pass@host in URLs (database, SPARQL endpoints, object store)
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// SanitizeConnectionString removes credentials from a database URL or DSN.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeEndpoint removes credentials embedded in a service endpoint URL
// such as a SPARQL query endpoint.
func SanitizeEndpoint(endpoint string) string {
	return SanitizeConnectionString(endpoint)
}

// SanitizeString redacts every known credential form in s.
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = basicPattern.ReplaceAllString(sanitized, "${1}"+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = providerKeyPattern.ReplaceAllString(sanitized, RedactedText)
	sanitized = headerKeyPattern.ReplaceAllString(sanitized, "${1}"+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError sanitizes an error message before it is logged, emitted in a
// progress event or stored on a record.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeQuery truncates a query for logging and removes sensitive patterns.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	sanitized := TruncateString(query, MaxQueryLogLength)
	sanitized = passwordPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	return apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
