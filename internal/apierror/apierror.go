// Package apierror provides a centralized error response format for the
// relay. All components use WriteJSON to produce consistent, machine-readable
// error responses with stable error codes.
package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Relay error codes. These form a public API contract — clients can program
// against these stable codes. Do not rename or remove existing codes.
const (
	UpstreamNotFound    ErrorCode = "RELAY_UPSTREAM_NOT_FOUND"
	UpstreamUnavailable ErrorCode = "RELAY_UPSTREAM_UNAVAILABLE"
	CircuitBreakerOpen  ErrorCode = "CIRCUIT_BREAKER_OPEN"
	RequestCancelled    ErrorCode = "RELAY_REQUEST_CANCELLED"
	RateLimitExceeded   ErrorCode = "RELAY_RATE_LIMIT_EXCEEDED"
	ConcurrencyLimit    ErrorCode = "RELAY_CONCURRENCY_LIMIT"
	InternalError       ErrorCode = "RELAY_INTERNAL_ERROR"
	BodyTooLarge        ErrorCode = "RELAY_BODY_TOO_LARGE"
	DeadlineExceeded    ErrorCode = "RELAY_DEADLINE_EXCEEDED"
)

// ErrorResponse is the standardized relay error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// CircuitOpenResponse is the body returned when a request is rejected
// because the upstream's circuit breaker is open. It carries enough state
// for the caller to back off intelligently.
type CircuitOpenResponse struct {
	Type          string    `json:"type"`
	Cause         string    `json:"cause"`
	Message       string    `json:"message"`
	Code          ErrorCode `json:"code"`
	Recoverable   bool      `json:"recoverable"`
	Timestamp     time.Time `json:"timestamp"`
	FailureCount  int       `json:"failure_count"`
	LastFailureAt time.Time `json:"last_failure_time"`
	NextRetryAt   time.Time `json:"next_retry_time"`
	RetryAfterSec int       `json:"retry_after"`
}

// Pre-serialized JSON bodies for the most common error responses.
// Avoids json.Encoder allocation on every error in the hot path.
// These do NOT include request_id since it varies per request.
var (
	preUpstreamNotFound    = mustMarshal(http.StatusNotFound, UpstreamNotFound, "no such upstream")
	preUpstreamUnavailable = mustMarshal(http.StatusBadGateway, UpstreamUnavailable, "upstream service unavailable")
	preRequestCancelled    = mustMarshal(http.StatusGatewayTimeout, RequestCancelled, "request cancelled")
	preRateLimitExceeded   = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preConcurrencyLimit    = mustMarshal(http.StatusServiceUnavailable, ConcurrencyLimit, "upstream concurrency limit reached")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. For common error
// code+message combinations, pre-serialized bodies are used (no allocation).
// When request_id is available (from X-Request-ID header), it is included in
// the response. The request parameter may be nil for contexts where the
// request is not available.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Fast path: use pre-serialized body for common errors when there is
	// no request ID to include (avoids allocation).
	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// WriteCircuitOpen writes the 503 response for a request short-circuited by
// an open breaker. retryAfter is floored at zero and mirrored in the
// Retry-After header so generic HTTP clients can honor it too.
func WriteCircuitOpen(w http.ResponseWriter, upstream string, failureCount int, lastFailureAt, nextRetryAt time.Time, retryAfter time.Duration) {
	if retryAfter < 0 {
		retryAfter = 0
	}
	retrySec := int(retryAfter.Round(time.Second) / time.Second)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retrySec))
	w.WriteHeader(http.StatusServiceUnavailable)

	json.NewEncoder(w).Encode(CircuitOpenResponse{
		Type:          "service_unavailable",
		Cause:         "circuit_breaker_open",
		Message:       "upstream " + upstream + " is temporarily unavailable",
		Code:          CircuitBreakerOpen,
		Recoverable:   true,
		Timestamp:     time.Now().UTC(),
		FailureCount:  failureCount,
		LastFailureAt: lastFailureAt,
		NextRetryAt:   nextRetryAt,
		RetryAfterSec: retrySec,
	})
}

// preSerialized returns a pre-built response body for common error
// combinations, or nil if no match.
func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == UpstreamNotFound && status == http.StatusNotFound && message == "no such upstream":
		return preUpstreamNotFound
	case code == UpstreamUnavailable && status == http.StatusBadGateway && message == "upstream service unavailable":
		return preUpstreamUnavailable
	case code == RequestCancelled && status == http.StatusGatewayTimeout && message == "request cancelled":
		return preRequestCancelled
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == ConcurrencyLimit && status == http.StatusServiceUnavailable && message == "upstream concurrency limit reached":
		return preConcurrencyLimit
	}
	return nil
}
