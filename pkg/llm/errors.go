package llm

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

// ErrorKind classifies provider failures so callers can decide whether a
// retry is worthwhile without parsing provider-specific payloads.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "rate_limited"
	KindTimeout        ErrorKind = "timeout"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindUnavailable    ErrorKind = "unavailable"
)

// ProviderError wraps a failed provider call with its classification.
// RetryAfter is zero unless the provider sent an explicit hint.
type ProviderError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// Retryable reports whether a later attempt could plausibly succeed.
// Invalid requests never are.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindTimeout, KindUnavailable:
		return true
	}
	return false
}

// UnsupportedModelError means no provider family claims the model name.
// It is raised before any network traffic.
type UnsupportedModelError struct {
	Model string
}

func (e *UnsupportedModelError) Error() string {
	return fmt.Sprintf("unsupported model %q", e.Model)
}

// classifyStatus maps an HTTP error response to a ProviderError.
func classifyStatus(provider string, resp *http.Response, body string) *ProviderError {
	kind := KindUnavailable
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		kind = KindTimeout
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = KindInvalidRequest
	}
	perr := &ProviderError{
		Provider:   provider,
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(body),
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 && secs <= 120 {
			perr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return perr
}

// classifyTransport maps transport-level failures (dial errors, deadline
// expiry) to a ProviderError.
func classifyTransport(provider string, err error) *ProviderError {
	kind := KindUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		kind = KindTimeout
	}
	return &ProviderError{
		Provider: provider,
		Kind:     kind,
		Message:  err.Error(),
	}
}
