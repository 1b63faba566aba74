package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/listing-images/internal/fetcher"
)

// TransientError marks an error as safe to retry. The vision clients return
// it for throttling and server-side answers.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient; statusCode may be zero.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// transientMessages match errors that reach us only as text, mostly from
// SDK transports that flatten the cause.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"overloaded",
	"unexpected eof",
}

// IsTransient reports whether another attempt of the same call can succeed.
//
// Image downloads settle most cases by type. An image over the byte cap or a
// URL with an unsupported scheme fails the same way every time. A status
// answer is retried only when the status is. Explicit TransientErrors,
// network timeouts and dropped connections are retried. Anything else is
// permanent unless its message matches a known transport failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	if errors.Is(err, fetcher.ErrTooLarge) || errors.Is(err, fetcher.ErrUnsupportedScheme) {
		return false
	}
	var se *fetcher.StatusError
	if errors.As(err, &se) {
		return IsTransientHTTPStatus(se.StatusCode)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether a status code is worth retrying.
// 529 is the vision service's overloaded answer.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, 425, 429, 500, 502, 503, 504, 529:
		return true
	default:
		return false
	}
}
