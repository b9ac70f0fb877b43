package logger

import (
	"net/url"
	"regexp"
)

var secretPatterns = []*regexp.Regexp{
	// key=value pairs whose key names a credential
	regexp.MustCompile(`(?i)((auth|token|secret|password|passwd|api[_-]?key)[=:])([^&;,\s]+)`),
	// Bearer tokens
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-._~+/]+=*)`),
}

// userinfoPattern matches credentials embedded in URLs inside free text.
var userinfoPattern = regexp.MustCompile(`(?i)([a-z][a-z0-9+.\-]*://)[^@\s/]+@`)

// RedactURL hides userinfo and credential query parameters of a sink URL so
// that broker, database and notification endpoints can be logged. Strings
// that do not parse as URLs go through RedactSecrets.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return RedactSecrets(raw)
	}
	if u.User != nil {
		u.User = url.User("[REDACTED]")
	}
	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			q.Set(key, "[REDACTED]")
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactSecrets replaces credential values found in free text.
func RedactSecrets(input string) string {
	input = userinfoPattern.ReplaceAllString(input, "${1}[REDACTED]@")
	for _, pattern := range secretPatterns {
		input = pattern.ReplaceAllString(input, "${1}[REDACTED]")
	}
	return input
}
