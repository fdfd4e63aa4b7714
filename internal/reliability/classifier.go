package reliability

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable upstream realtime errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// StatusError is a remote failure carrying an HTTP-equivalent status code.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return "remote status " + strconv.Itoa(e.Code)
	}
	return "remote status " + strconv.Itoa(e.Code) + ": " + msg
}

func (e *StatusError) Unwrap() error { return e.Err }

func (e *StatusError) HTTPStatus() int { return e.Code }

type httpStatuser interface {
	HTTPStatus() int
}

// Classify maps a remote-call failure onto the retry taxonomy: RateLimited,
// Transient or Fatal. Errors that were already classified keep their kind.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) && classified.Kind != "" {
		return classified.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}

	var st httpStatuser
	if errors.As(err, &st) {
		switch code := st.HTTPStatus(); {
		case code == 429:
			return KindRateLimited
		case IsRetryableHTTPStatus(code):
			return KindTransient
		default:
			return KindFatal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "resource_exhausted") || strings.Contains(lower, "rate limit") {
		return KindRateLimited
	}
	return KindFatal
}

// Backoff is the retry delay policy. Standard failures wait base*2^attempt;
// rate-limited failures wait twice as long.
func Backoff(attempt int, base time.Duration, kind Kind) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := ExponentialBackoff(attempt, base, 0)
	if kind == KindRateLimited {
		return saturatingDouble(d)
	}
	return d
}

// ExponentialBackoff computes a deterministic capped backoff duration.
// A non-positive cap leaves the result uncapped (saturating at maxBackoff).
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if cap <= 0 {
		cap = maxBackoff
	}
	if attempt <= 0 {
		if base > cap {
			return cap
		}
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d = saturatingDouble(d)
		if d >= cap {
			return cap
		}
	}
	return d
}

const maxBackoff = time.Duration(1<<62 - 1)

func saturatingDouble(d time.Duration) time.Duration {
	if d > maxBackoff/2 {
		return maxBackoff
	}
	return d * 2
}
