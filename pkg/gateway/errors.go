package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// The connection layer maps transport and gateway failures onto a closed
// set of error types exactly once, at the boundary where they are observed.
// Callers branch with errors.As and never parse message text.

// NotReachableError means the gateway endpoint could not be reached at all:
// dial refused, DNS failure, or the local health pre-check failed.
type NotReachableError struct {
	Cause error
}

func (e *NotReachableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gateway not reachable: %v", e.Cause)
	}
	return "gateway not reachable"
}

func (e *NotReachableError) Unwrap() error { return e.Cause }

// AuthError means the gateway rejected our credentials. It is permanent for
// the lifetime of the configured token; the reconnect supervisor stops on it.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return "gateway authentication failed"
	}
	return "gateway authentication failed: " + e.Message
}

// RateLimitError means the gateway asked us to back off. RetryAfterMs may be
// zero when the gateway gave no hint.
type RateLimitError struct {
	RetryAfterMs int64
}

func (e *RateLimitError) Error() string {
	if e.RetryAfterMs > 0 {
		return fmt.Sprintf("rate limited by gateway, retry after %dms", e.RetryAfterMs)
	}
	return "rate limited by gateway"
}

// SlowConsumerError means the gateway dropped us for not draining pushes
// fast enough. The supervisor reconnects immediately on it.
type SlowConsumerError struct{}

func (e *SlowConsumerError) Error() string { return "disconnected by gateway: slow consumer" }

// DisconnectedError means the channel closed while a request was in flight
// or before it could be written.
type DisconnectedError struct {
	Reason string
}

func (e *DisconnectedError) Error() string {
	if e.Reason == "" {
		return "gateway connection lost"
	}
	return "gateway connection lost: " + e.Reason
}

// ErrNoChannel is returned when an operation needs a live channel and none
// exists (never connected, or torn down and not yet re-established).
var ErrNoChannel = errors.New("no gateway channel")

// classifyFrameError maps a failed response frame onto the closed taxonomy.
func classifyFrameError(fe *FrameError) error {
	if fe == nil {
		return &DisconnectedError{Reason: "empty error frame"}
	}
	switch strings.ToLower(fe.Code) {
	case "auth_failed", "unauthorized", "forbidden":
		return &AuthError{Message: fe.Message}
	case "rate_limited", "too_many_requests":
		return &RateLimitError{RetryAfterMs: fe.RetryAfter}
	case "slow_consumer":
		return &SlowConsumerError{}
	}
	if looksLikeAuthFailure(fe.Message) {
		return &AuthError{Message: fe.Message}
	}
	if looksLikeRateLimit(fe.Message) {
		return &RateLimitError{RetryAfterMs: fe.RetryAfter}
	}
	return fe
}

// classifyDialError maps a failed dial onto the taxonomy. Handshake-level
// rejections carry HTTP status semantics from the gateway.
func classifyDialError(err error, status int) error {
	switch status {
	case 401, 403:
		return &AuthError{Message: err.Error()}
	case 429:
		return &RateLimitError{}
	}
	if looksLikeAuthFailure(err.Error()) {
		return &AuthError{Message: err.Error()}
	}
	return &NotReachableError{Cause: err}
}

func looksLikeAuthFailure(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "auth") ||
		strings.Contains(m, "unauthorized") ||
		strings.Contains(m, "forbidden") ||
		strings.Contains(m, "invalid token")
}

func looksLikeRateLimit(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "rate limit") || strings.Contains(m, "too many requests")
}

func looksLikeSlowConsumer(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "slow")
}

// IsAuthError reports whether err is (or wraps) an authentication failure.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsRateLimited reports whether err is a rate-limit rejection, returning the
// gateway's retry hint in milliseconds when it gave one.
func IsRateLimited(err error) (int64, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RetryAfterMs, true
	}
	return 0, false
}

// IsSlowConsumer reports whether err is a slow-consumer eviction.
func IsSlowConsumer(err error) bool {
	var se *SlowConsumerError
	return errors.As(err, &se)
}
