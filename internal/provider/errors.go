package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"feedwatch/internal/ratelimit"
)

// APIError is a non-2xx provider response (other than 429).
type APIError struct {
	Status int
	Title  string
	Detail string
}

func (e *APIError) Error() string {
	msg := e.Title
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("provider: http %d: %s", e.Status, msg)
}

var ErrNotFound = errors.New("provider: resource not found")

// IsTransient reports errors worth a bounded retry: timeouts, dropped
// connections and 5xx responses.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	return false
}

// rateLimitError maps a 429 to the local rate limit error, keeping the reset hint.
func rateLimitError(class ratelimit.Class, h http.Header, now time.Time) *ratelimit.Error {
	e := &ratelimit.Error{Class: class}
	if v := strings.TrimSpace(h.Get("x-rate-limit-reset")); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			if d := time.Unix(sec, 0).Sub(now); d > 0 {
				e.RetryAfter = d
			}
		}
	} else if v := strings.TrimSpace(h.Get("Retry-After")); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			e.RetryAfter = time.Duration(sec) * time.Second
		}
	}
	return e
}
