// Package provider implements the upstream LLM provider clients and
// the manager that routes canonical models to them.
package provider

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"routegate/internal/domain"
)

// classifyStatus maps an HTTP status from a provider to the error
// taxonomy. retryAfter is parsed from the Retry-After header for 429s
// and carried through to the executor.
func classifyStatus(providerName string, status int, body string, retryAfter string) *domain.Error {
	e := &domain.Error{
		Provider:   providerName,
		StatusCode: status,
		Message:    body,
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = domain.ErrAuth
	case status == http.StatusNotFound:
		e.Kind = domain.ErrNotFound
	case status == http.StatusRequestTimeout:
		e.Kind = domain.ErrTimeout
	case status == http.StatusTooManyRequests:
		e.Kind = domain.ErrRateLimit
		e.RetryAfter = parseRetryAfter(retryAfter)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = domain.ErrValidation
	case status == http.StatusServiceUnavailable:
		e.Kind = domain.ErrServiceUnavailable
	case status >= 500:
		e.Kind = domain.ErrServer
	default:
		e.Kind = domain.ErrUnknown
	}
	return e
}

// classifyTransport maps a transport-level error to the taxonomy.
// Context deadline and timeout-flavored net errors become TIMEOUT,
// everything else NETWORK_ERROR.
func classifyTransport(providerName string, err error) *domain.Error {
	kind := domain.ErrNetwork

	if errors.Is(err, context.DeadlineExceeded) {
		kind = domain.ErrTimeout
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		kind = domain.ErrTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		kind = domain.ErrTimeout
	}

	return &domain.Error{
		Kind:     kind,
		Provider: providerName,
		Message:  err.Error(),
		Err:      err,
	}
}

// parseRetryAfter handles the delta-seconds form of Retry-After. The
// HTTP-date form is rare from LLM providers and treated as absent.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
