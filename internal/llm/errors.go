package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ProviderError is a non-2xx upstream response, surfaced once retries are
// exhausted. Headers and Body are kept for the retry classifier and for
// diagnostics.
type ProviderError struct {
	Message string
	Status  int
	Headers http.Header
	Body    string
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("provider error: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("provider error: status %d", e.Status)
}

func (e *ProviderError) Retryable() bool {
	if e == nil {
		return false
	}
	switch {
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status == http.StatusRequestTimeout:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

func (e *ProviderError) RetryAfter() string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers.Get("Retry-After")
}

// ConfigurationError means a provider cannot be used at all (missing or
// invalid credentials). Never retried.
type ConfigurationError struct {
	Provider string
	Setting  string
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("provider %s is not configured: %s is required", e.Provider, e.Setting)
}

// IsCancellation reports whether err is a user or system initiated abort.
// Callers suppress user-visible error messages for these.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsRetryable classifies transient failures: retryable HTTP statuses and
// network-level errors such as connection resets. Cancellation is never
// retryable.
func IsRetryable(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable()
	}
	var configErr *ConfigurationError
	if errors.As(err, &configErr) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
