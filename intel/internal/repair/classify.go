package repair

import (
	"strconv"
	"strings"
)

// ErrorClass categorizes a source failure.
type ErrorClass string

const (
	ClassTemporary ErrorClass = "temporary"  // 5xx, timeout, DNS transient
	ClassForbidden ErrorClass = "forbidden"  // 403
	ClassNotFound  ErrorClass = "not_found"  // 404, 410
	ClassAuth      ErrorClass = "auth"       // 401
	ClassRateLimit ErrorClass = "rate_limit" // 429
	ClassParse     ErrorClass = "parse"      // body is not a feed of the declared type
	ClassUnknown   ErrorClass = "unknown"
)

// Persistent reports whether the class is unlikely to clear on its own.
// Persistent failures back off at the longest window straight away.
func (c ErrorClass) Persistent() bool {
	switch c {
	case ClassNotFound, ClassAuth, ClassForbidden, ClassParse:
		return true
	}
	return false
}

// Classify maps a failure to its class from the HTTP status (0 when none)
// and the recorded error message.
func Classify(statusCode int, errMsg string) ErrorClass {
	switch {
	case statusCode == 429:
		return ClassRateLimit
	case statusCode == 401:
		return ClassAuth
	case statusCode == 403:
		return ClassForbidden
	case statusCode == 404 || statusCode == 410:
		return ClassNotFound
	case statusCode >= 500 && statusCode < 600:
		return ClassTemporary
	}

	msg := strings.ToLower(errMsg)
	if isParseError(msg) {
		return ClassParse
	}
	if isNetworkError(msg) {
		return ClassTemporary
	}
	return ClassUnknown
}

// ExtractStatusCode extracts an HTTP status code from an error message.
// Returns 0 if no code found. Handles "http 503", "http: 404", "status 429".
func ExtractStatusCode(errMsg string) int {
	msg := strings.ToLower(errMsg)
	for _, prefix := range []string{"http ", "http: ", "status ", "status: "} {
		idx := strings.Index(msg, prefix)
		if idx < 0 {
			continue
		}
		numStr := strings.TrimSpace(msg[idx+len(prefix):])
		if sp := strings.IndexAny(numStr, " ,;)"); sp > 0 {
			numStr = numStr[:sp]
		}
		if code, err := strconv.Atoi(numStr); err == nil && code >= 100 && code < 600 {
			return code
		}
	}
	return 0
}

func isParseError(msg string) bool {
	return strings.HasPrefix(msg, "parse:") ||
		strings.Contains(msg, "xml") && (strings.Contains(msg, "syntax") || strings.Contains(msg, "unexpected")) ||
		strings.Contains(msg, "json") && (strings.Contains(msg, "unmarshal") || strings.Contains(msg, "invalid"))
}

func isNetworkError(msg string) bool {
	for _, s := range []string{"timeout", "timed out", "deadline exceeded", "connection refused",
		"connection reset", "no such host", "eof", "tls handshake"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
