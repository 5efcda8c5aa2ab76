package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Failure reasons recorded for lookups that end without a match.
const (
	ReasonNoMatch     = "no_match"
	ReasonAmbiguous   = "ambiguous"
	ReasonTimeout     = "timeout"
	ReasonRateLimited = "rate_limited"
	ReasonServerError = "server_error"
	ReasonClientError = "client_error"
	ReasonNetwork     = "network"
	ReasonDecode      = "decode"
)

// StatusError is a non-200 registry response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("registry: HTTP %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("registry: HTTP %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// RateLimitError is an HTTP 429 response. RetryAfter is zero when the
// registry did not say how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Status     *StatusError
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("registry: rate limited, retry after %s", e.RetryAfter)
	}
	return "registry: rate limited"
}

func (e *RateLimitError) Unwrap() error {
	if e.Status == nil {
		return nil
	}
	return e.Status
}

// DecodeError is a 200 response whose body is not a valid result payload.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "registry: decode response: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

// Classify maps a lookup error to its failure reason.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	var rateLimited *RateLimitError
	if errors.As(err, &rateLimited) {
		return ReasonRateLimited
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return ReasonDecode
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code >= 500 {
			return ReasonServerError
		}
		return ReasonClientError
	}
	return ReasonNetwork
}

// Retriable reports whether a lookup failure is transient: timeouts, network
// errors, rate limiting and server errors. Client errors and undecodable
// responses are permanent.
func Retriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case ReasonTimeout, ReasonRateLimited, ReasonServerError, ReasonNetwork:
		return true
	default:
		return false
	}
}

// RetryAfter extracts the wait requested by a rate limited response.
func RetryAfter(err error) (time.Duration, bool) {
	var rateLimited *RateLimitError
	if !errors.As(err, &rateLimited) {
		return 0, false
	}
	return rateLimited.RetryAfter, true
}

func isServerError(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code >= 500
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
