package apperrors

import "regexp"

// sensitivePatterns redacts details from backend errors before they reach
// an HTTP client: local paths and NBD/HTTP origin URLs can embed hostnames
// or credentials that a ticket holder has no business seeing.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(/home/[^\s:]+|/root/[^\s:]+|/etc/[^\s:]+|/var/[^\s:]+)`),
	regexp.MustCompile(`(?i)(nbd(\+unix)?|https?|file)://[^\s]+`),
}

// SanitizeError returns a short, client-safe message for an internal
// backend error. The original error is still logged in full server-side.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, p := range sensitivePatterns {
		msg = p.ReplaceAllString(msg, "[redacted]")
	}
	return msg
}
