package errors

import (
	"fmt"
	"time"
)

// Kind is the closed set of error classes understood by the bridge.
type Kind int

const (
	KindUnknown Kind = iota
	KindParseError
	KindInvalidRequest
	KindMethodNotFound
	KindInvalidParams
	KindInternal
	KindAuthRequired
	KindRateLimited
	KindPathNotFound
	KindPermissionDenied
	KindTimeout
	KindCancelled
	KindTooManyOpenResources
)

// JSON-RPC reserved codes and the bridge's server-error range.
const (
	CodeParseError           = -32700
	CodeInvalidRequest       = -32600
	CodeMethodNotFound       = -32601
	CodeInvalidParams        = -32602
	CodeInternal             = -32603
	CodeAuthRequired         = -32000
	CodePathNotFound         = -32001
	CodePermissionDenied     = -32002
	CodeTimeout              = -32003
	CodeCancelled            = -32004
	CodeRateLimited          = -32005
	CodeTooManyOpenResources = -32006
)

var kindInfo = map[Kind]struct {
	name string
	code int
}{
	KindUnknown:              {"unknown", CodeInternal},
	KindParseError:           {"parse_error", CodeParseError},
	KindInvalidRequest:       {"invalid_request", CodeInvalidRequest},
	KindMethodNotFound:       {"method_not_found", CodeMethodNotFound},
	KindInvalidParams:        {"invalid_params", CodeInvalidParams},
	KindInternal:             {"internal", CodeInternal},
	KindAuthRequired:         {"auth_required", CodeAuthRequired},
	KindRateLimited:          {"rate_limited", CodeRateLimited},
	KindPathNotFound:         {"path_not_found", CodePathNotFound},
	KindPermissionDenied:     {"permission_denied", CodePermissionDenied},
	KindTimeout:              {"timeout", CodeTimeout},
	KindCancelled:            {"cancelled", CodeCancelled},
	KindTooManyOpenResources: {"too_many_open_resources", CodeTooManyOpenResources},
}

func (k Kind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return "unknown"
}

// Code is the wire code for the kind.
func (k Kind) Code() int {
	if info, ok := kindInfo[k]; ok {
		return info.code
	}
	return CodeInternal
}

// KindFromCode maps a wire code back to a kind. Codes outside the known set
// map to KindUnknown.
func KindFromCode(code int) Kind {
	for k, info := range kindInfo {
		if k != KindUnknown && info.code == code {
			return k
		}
	}
	return KindUnknown
}

// Data is the structured payload carried in a wire error's data member.
type Data struct {
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	AuthHint     string `json:"authHint,omitempty"`
	Path         string `json:"path,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Record is the single error shape used both on the wire and internally.
type Record struct {
	Kind      Kind
	Code      int
	Message   string
	Data      *Data
	Retryable bool

	cause error
}

// NewRecord builds a record of the given kind with a formatted message.
func NewRecord(kind Kind, format string, a ...any) *Record {
	return &Record{
		Kind:    kind,
		Code:    kind.Code(),
		Message: fmt.Sprintf(format, a...),
	}
}

func (r *Record) Error() string {
	if r.cause != nil {
		return fmt.Sprintf("%s (%d): %s: %v", r.Kind, r.Code, r.Message, r.cause)
	}
	return fmt.Sprintf("%s (%d): %s", r.Kind, r.Code, r.Message)
}

func (r *Record) Unwrap() error { return r.cause }

// Is matches records by kind, so errors.Is(err, ErrCancelled) works for any
// cancelled record.
func (r *Record) Is(target error) bool {
	t, ok := target.(*Record)
	if !ok {
		return false
	}
	return t.Kind == r.Kind && t.cause == nil && t.Message == ""
}

// WithCause attaches the underlying error. The cause text becomes the
// diagnostic detail.
func (r *Record) WithCause(err error) *Record {
	r.cause = err
	if err != nil {
		r.data().Detail = err.Error()
	}
	return r
}

// WithPath records the filesystem path the error concerns.
func (r *Record) WithPath(path string) *Record {
	r.data().Path = path
	return r
}

// WithReason records a machine-readable sub-reason.
func (r *Record) WithReason(reason string) *Record {
	r.data().Reason = reason
	return r
}

// RetryAfter is the server-provided wait before the next attempt, if any.
func (r *Record) RetryAfter() time.Duration {
	if r.Data == nil {
		return 0
	}
	return time.Duration(r.Data.RetryAfterMs) * time.Millisecond
}

// WireData returns the data member for the wire. Detail is only included
// when debug is set.
func (r *Record) WireData(debug bool) *Data {
	if r.Data == nil {
		return nil
	}
	d := *r.Data
	if !debug {
		d.Detail = ""
	}
	if d == (Data{}) {
		return nil
	}
	return &d
}

func (r *Record) data() *Data {
	if r.Data == nil {
		r.Data = &Data{}
	}
	return r.Data
}

// Kind markers for errors.Is comparisons.
var (
	ErrCancelled        = &Record{Kind: KindCancelled}
	ErrTimeout          = &Record{Kind: KindTimeout}
	ErrPathNotFound     = &Record{Kind: KindPathNotFound}
	ErrPermissionDenied = &Record{Kind: KindPermissionDenied}
	ErrInvalidParams    = &Record{Kind: KindInvalidParams}
	ErrRateLimited      = &Record{Kind: KindRateLimited}
)

func ParseError(format string, a ...any) *Record {
	return NewRecord(KindParseError, format, a...)
}

func InvalidRequest(format string, a ...any) *Record {
	return NewRecord(KindInvalidRequest, format, a...)
}

func MethodNotFound(method string) *Record {
	return NewRecord(KindMethodNotFound, "method not found: %s", method)
}

func InvalidParams(format string, a ...any) *Record {
	return NewRecord(KindInvalidParams, format, a...)
}

func Internal(format string, a ...any) *Record {
	return NewRecord(KindInternal, format, a...)
}

// Transient is an Internal error worth retrying, such as a dropped
// connection to the model provider.
func Transient(format string, a ...any) *Record {
	r := NewRecord(KindInternal, format, a...)
	r.Retryable = true
	return r
}

func Timeout(retryable bool, format string, a ...any) *Record {
	r := NewRecord(KindTimeout, format, a...)
	r.Retryable = retryable
	return r
}

func Cancelled() *Record {
	return NewRecord(KindCancelled, "operation cancelled")
}

func AuthRequired(hint string) *Record {
	r := NewRecord(KindAuthRequired, "authentication required")
	if hint != "" {
		r.data().AuthHint = hint
	}
	return r
}

func RateLimited(retryAfter time.Duration) *Record {
	r := NewRecord(KindRateLimited, "rate limited")
	r.Retryable = true
	if retryAfter > 0 {
		r.data().RetryAfterMs = retryAfter.Milliseconds()
	}
	return r
}

func PathNotFound(path string) *Record {
	return NewRecord(KindPathNotFound, "file not found: %s", path).WithPath(path)
}

// OutsideProject reports a reference that escapes the session directory.
func OutsideProject(path string) *Record {
	return NewRecord(KindPathNotFound, "path is outside the project: %s", path).
		WithPath(path).
		WithReason(ReasonOutsideProject)
}

func PermissionDenied(format string, a ...any) *Record {
	return NewRecord(KindPermissionDenied, format, a...)
}

func TooManyOpenResources(format string, a ...any) *Record {
	return NewRecord(KindTooManyOpenResources, format, a...)
}

const (
	ReasonOutsideProject = "outside_project"
	ReasonIgnored        = "ignored"
)
