package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io/fs"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Classify maps any error to a Record. It inspects only types and
// sentinel values, never message text, so the same error always yields the
// same classification. A nil error yields nil.
func Classify(err error) *Record {
	if err == nil {
		return nil
	}

	var rec *Record
	if stderrors.As(err, &rec) {
		return rec
	}

	switch {
	case stderrors.Is(err, context.Canceled):
		return Cancelled().WithCause(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return Timeout(true, "operation timed out").WithCause(err)
	case stderrors.Is(err, fs.ErrNotExist):
		return NewRecord(KindPathNotFound, "file not found").WithCause(err).WithPath(pathOf(err))
	case stderrors.Is(err, fs.ErrPermission):
		return PermissionDenied("permission denied").WithCause(err).WithPath(pathOf(err))
	case stderrors.Is(err, syscall.EMFILE), stderrors.Is(err, syscall.ENFILE):
		return TooManyOpenResources("too many open files").WithCause(err)
	}

	var syntaxErr *json.SyntaxError
	if stderrors.As(err, &syntaxErr) {
		return ParseError("Parse error").WithCause(err)
	}
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &typeErr) {
		return InvalidParams("Invalid params").WithCause(err)
	}

	var ra interface{ RetryAfter() time.Duration }
	if stderrors.As(err, &ra) {
		return RateLimited(ra.RetryAfter()).WithCause(err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout(true, "network timeout").WithCause(err)
		}
		return Transient("network error").WithCause(err)
	}

	return NewRecord(KindUnknown, "Internal error").WithCause(err)
}

// FromHTTPStatus classifies an upstream HTTP failure, such as a model
// provider API error, by status code.
func FromHTTPStatus(status int, retryAfter time.Duration, err error) *Record {
	var r *Record
	switch {
	case status == http.StatusUnauthorized:
		r = AuthRequired("check the provider API key")
	case status == http.StatusForbidden:
		r = PermissionDenied("provider refused the request")
	case status == http.StatusTooManyRequests:
		r = RateLimited(retryAfter)
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		r = Timeout(true, "provider timed out")
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		r = InvalidParams("provider rejected the request")
	case status == http.StatusNotFound:
		r = NewRecord(KindInternal, "provider resource not found")
	case status >= 500:
		r = Transient("provider unavailable (HTTP %d)", status)
	default:
		r = NewRecord(KindUnknown, "provider error (HTTP %d)", status)
	}
	return r.WithCause(err)
}

// ParseRetryAfter reads a Retry-After header value given in seconds.
func ParseRetryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if d, err := time.ParseDuration(v + "s"); err == nil && d > 0 {
		return d
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func pathOf(err error) string {
	var pe *fs.PathError
	if stderrors.As(err, &pe) {
		return pe.Path
	}
	return ""
}
