package jsonrpc

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/m4xw311/acpbridge/errors"
)

// Version is the only JSON-RPC version accepted.
const Version = "2.0"

// Request is an inbound call. A nil ID marks a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

func (r *Request) IsNotification() bool { return r.ID == nil }

// BindParams decodes the params into v, reporting failures as
// InvalidParams.
func (r *Request) BindParams(v any) error {
	if len(r.Params) == 0 {
		return errors.InvalidParams("missing params for %s", r.Method)
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return errors.InvalidParams("invalid params for %s", r.Method).WithCause(err)
	}
	return nil
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is the wire form of a failure.
type Error struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    *errors.Data `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError renders a record for the wire. Diagnostic detail is only kept
// when debug is set.
func NewError(rec *errors.Record, debug bool) *Error {
	return &Error{Code: rec.Code, Message: rec.Message, Data: rec.WireData(debug)}
}

// Record converts an error received from the peer back into a record.
func (e *Error) Record() *errors.Record {
	rec := errors.NewRecord(errors.KindFromCode(e.Code), "%s", e.Message)
	rec.Code = e.Code
	if e.Data != nil {
		d := *e.Data
		rec.Data = &d
	}
	rec.Retryable = rec.Kind == errors.KindRateLimited
	return rec
}

type outRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type outNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// envelope is the union of every message shape, used to route a frame.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

var idPattern = regexp.MustCompile(`"id"\s*:\s*(-?[0-9]+|"(?:[^"\\]|\\.)*")`)

// recoverID pulls an id out of a frame that is not valid JSON.
func recoverID(line []byte) json.RawMessage {
	m := idPattern.FindSubmatch(line)
	if m == nil {
		return nil
	}
	return json.RawMessage(m[1])
}

// numericID decodes the ids this side generates. Peers that echo them as
// strings are tolerated.
func numericID(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
