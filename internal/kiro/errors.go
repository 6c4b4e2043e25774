package kiro

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// UpstreamError is a non-2xx answer from the Kiro API.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("kiro upstream error: status %d: %s", e.StatusCode, body)
}

// IsAuthExpired reports a 401: recoverable once through a token refresh.
func (e *UpstreamError) IsAuthExpired() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsForbidden reports a 403: terminal, the credential is marked unhealthy.
func (e *UpstreamError) IsForbidden() bool {
	return e.StatusCode == http.StatusForbidden
}

// IsThrottled reports a 429.
func (e *UpstreamError) IsThrottled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError reports any 5xx.
func (e *UpstreamError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsRetryable reports whether the backoff ladder applies.
func (e *UpstreamError) IsRetryable() bool {
	return e.IsThrottled() || e.IsServerError()
}

// classifyNetErr buckets transport-level failures the way the retry ladder
// treats them. Everything non-empty except "canceled" is retryable.
func classifyNetErr(err error) string {
	if err == nil {
		return ""
	}
	if ue, ok := err.(*url.Error); ok {
		if ue.Timeout() {
			return "timeout"
		}
	}
	s := err.Error()
	switch {
	case strings.Contains(s, "context canceled"):
		return "canceled"
	case strings.Contains(s, "deadline exceeded"), strings.Contains(s, "timeout"), strings.Contains(s, "i/o timeout"):
		return "timeout"
	case strings.Contains(s, "no such host"):
		return "dns"
	case strings.Contains(s, "connection reset"):
		return "conn_reset"
	case strings.Contains(s, "connection refused"):
		return "conn_refused"
	case strings.Contains(s, "broken pipe"), strings.Contains(s, "use of closed network connection"), strings.Contains(s, "EOF"):
		return "conn_closed"
	}
	return ""
}

func isTransientNetErr(err error) bool {
	class := classifyNetErr(err)
	return class != "" && class != "canceled"
}
