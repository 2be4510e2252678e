package llm

import (
	"context"
	"errors"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffCap  = 8 * time.Second
	maxRetryAfterWait  = 60 * time.Second
)

// Backoff is the transient-failure retry policy shared by the adapters:
// full-jitter exponential backoff, overridden by an upstream Retry-After when
// one is present.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (b Backoff) base() time.Duration {
	if b.Base <= 0 {
		return defaultBackoffBase
	}
	return b.Base
}

func (b Backoff) cap() time.Duration {
	if b.Cap <= 0 {
		return defaultBackoffCap
	}
	return b.Cap
}

func (b Backoff) Attempts() int {
	if b.MaxAttempts <= 0 {
		return 1
	}
	return b.MaxAttempts
}

// Delay returns the wait before retry number attempt (0-based). retryAfter is
// the raw Retry-After header value, empty when absent.
func (b Backoff) Delay(attempt int, retryAfter string) time.Duration {
	if wait, ok := ParseRetryAfter(retryAfter, time.Now()); ok {
		if wait > maxRetryAfterWait {
			wait = maxRetryAfterWait
		}
		if wait > 0 {
			return wait
		}
	}
	ceiling := b.base() << uint(attempt)
	if ceiling > b.cap() || ceiling <= 0 {
		ceiling = b.cap()
	}
	return time.Duration(rand.Int63n(int64(ceiling) + 1))
}

// ParseRetryAfter accepts the two header forms: delta-seconds or an HTTP-date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	wait := when.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// Sleep waits for d or until ctx fires, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryAfterOf extracts the Retry-After hint from err when it carries one.
func RetryAfterOf(err error) string {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.RetryAfter()
	}
	return ""
}
