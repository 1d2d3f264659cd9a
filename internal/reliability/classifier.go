package reliability

import "strings"

// IsRetryableHTTPStatus classifies HTTP statuses a caller could retry. The
// gateway never retries on its own; the hint is passed to the client.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsFatalRealtimeError decides whether an upstream error event ends the
// session when the payload does not carry an explicit flag.
func IsFatalRealtimeError(errType, code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "session_expired", "session_closed", "invalid_api_key", "insufficient_quota",
		"session_not_found", "authentication_error":
		return true
	}
	switch strings.ToLower(strings.TrimSpace(errType)) {
	case "authentication_error", "permission_error", "insufficient_quota":
		return true
	default:
		return false
	}
}
