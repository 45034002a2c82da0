// Package logging redacts secrets from values that end up in logs or in
// error messages returned to clients.
package logging

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	// MaxQueryLogLength caps logged SQL text.
	MaxQueryLogLength = 100
	// MaxArgumentLogLength caps logged string arguments.
	MaxArgumentLogLength = 200
	// RedactedText replaces every secret.
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx up to the next delimiter
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Bearer tokens in the three segment JWT form
	jwtPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)

	// user:pass@host in DSNs such as sqlserver:// and postgres://
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// AWS access key ids
	awsKeyPattern = regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`)
)

// sensitiveKeywords mark argument and query parameter names whose values
// are never logged.
var sensitiveKeywords = []string{"password", "secret", "token", "key", "credential", "signature"}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SanitizeText removes credentials from free text such as driver errors.
func SanitizeText(s string) string {
	if s == "" {
		return ""
	}
	s = passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	s = jwtPattern.ReplaceAllString(s, "Bearer "+RedactedText)
	s = apiKeyPattern.ReplaceAllString(s, "${1}="+RedactedText)
	s = connStringPattern.ReplaceAllString(s, "://"+RedactedText+"@"+RedactedText)
	s = awsKeyPattern.ReplaceAllString(s, RedactedText)
	return s
}

// SanitizeError returns the message of err with credentials removed. Use
// it before logging errors from SQL drivers and remote sources.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeQuery truncates and sanitizes a SQL query for logging.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	return SanitizeText(TruncateString(query, MaxQueryLogLength))
}

// SanitizeURL redacts the user info and the sensitive query parameters of
// a URL, such as the signature of a presigned S3 link. Unparseable input
// is sanitized as text.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return SanitizeText(raw)
	}
	if u.User != nil {
		u.User = url.User(RedactedText)
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if isSensitiveName(name) {
				q.Set(name, RedactedText)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// SanitizeArguments redacts sensitive keys and truncates long strings of a
// tool or request argument map. The input is not modified.
func SanitizeArguments(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if isSensitiveName(k) {
			out[k] = RedactedText
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = TruncateString(s, MaxArgumentLogLength)
			continue
		}
		out[k] = v
	}
	return out
}

// TruncateString truncates s to maxLen bytes and adds an ellipsis.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
