// Package logging builds the process logger and scrubs values before they
// are logged.
package logging

import (
	"regexp"
	"strings"
)

const (
	// MaxQueryLogLength is the maximum length of a statement logged at info
	MaxQueryLogLength = 160
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// user:pass@host in postgres:// and sqlserver:// URLs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s?]+`)

	whitespacePattern = regexp.MustCompile(`\s+`)
)

// SanitizeConnectionString removes credentials from a DSN or connection URL.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError returns the error text with credentials removed. Drivers
// echo the DSN in connection errors.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeConnectionString(err.Error())
}

// SanitizeQuery flattens a generated statement onto one line and truncates it
// for info logging. The full text is logged at debug.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	flat := strings.TrimSpace(whitespacePattern.ReplaceAllString(query, " "))
	flat = passwordPattern.ReplaceAllString(flat, "${1}="+RedactedText)
	return TruncateString(flat, MaxQueryLogLength)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
