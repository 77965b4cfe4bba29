// Package permission decides whether a tool call may run, asking the client
// when needed and remembering "always" answers for the rest of the session.
package permission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/acpbridge/cache"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/rs/zerolog"
)

type Mode string

const (
	// ModeAuto allows every tool call without asking.
	ModeAuto Mode = "auto"
	// ModePrompt asks the client unless an "always" answer is cached.
	ModePrompt Mode = "prompt"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeAuto:
		return ModeAuto, nil
	case ModePrompt, "":
		return ModePrompt, nil
	default:
		return "", errors.New("unknown permission mode %q (want auto or prompt)", s)
	}
}

type Scope string

const (
	ScopeOnce   Scope = "once"
	ScopeAlways Scope = "always"
	ScopeNever  Scope = "never"
)

// Option ids offered to the client.
const (
	OptionAllowOnce   = "allow_once"
	OptionAllowAlways = "allow_always"
	OptionRejectOnce  = "reject_once"
)

// Request describes one tool call awaiting approval. Target is the path for
// file tools and the command line for execute.
type Request struct {
	ToolCallID string
	Title      string
	Kind       protocol.ToolKind
	Target     string
	RawInput   map[string]any
	Locations  []protocol.ToolLocation
}

type Decision struct {
	Allowed bool
	Scope   Scope
	Key     string
	// Cancelled is set when the turn was cancelled while the client was
	// being asked. It is a denial, not an error.
	Cancelled bool
	// Err is the classified failure when asking the client failed.
	Err *errors.Record
}

// Requester sends session/request_permission to the client.
type Requester interface {
	RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error)
}

type RequesterFunc func(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error)

func (f RequesterFunc) RequestPermission(ctx context.Context, req protocol.RequestPermissionRequest) (protocol.RequestPermissionResponse, error) {
	return f(ctx, req)
}

type Options struct {
	Mode      Mode
	CacheSize int
	// AlwaysTTL bounds how long an "always" answer is remembered. Zero keeps
	// it until the session is cleared or evicted by size.
	AlwaysTTL time.Duration
}

// Broker is shared by every session on a connection.
type Broker struct {
	peer Requester
	mode Mode
	log  zerolog.Logger

	always    *cache.Cache[string, Decision]
	transient *cache.Cache[string, Decision]
}

func NewBroker(peer Requester, opts Options) *Broker {
	if opts.Mode == "" {
		opts.Mode = ModePrompt
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	return &Broker{
		peer:      peer,
		mode:      opts.Mode,
		log:       logging.Component("permission"),
		always:    cache.New[string, Decision](opts.CacheSize, opts.AlwaysTTL),
		transient: cache.New[string, Decision](opts.CacheSize, time.Hour),
	}
}

func (b *Broker) Mode() Mode { return b.mode }

// Key identifies what an "always" answer covers within a session.
func Key(sessionID string, kind protocol.ToolKind, target string) string {
	return sessionID + "\x00" + string(kind) + "\x00" + target
}

func transientKey(sessionID, toolCallID string) string {
	return sessionID + "\x00" + toolCallID
}

// Check returns whether req may run. It never returns an allowed decision
// when the client could not be asked.
func (b *Broker) Check(ctx context.Context, sessionID string, req Request) Decision {
	key := Key(sessionID, req.Kind, req.Target)
	if d, ok := b.always.Get(key); ok {
		return d
	}
	if req.ToolCallID != "" {
		if d, ok := b.transient.Get(transientKey(sessionID, req.ToolCallID)); ok {
			return d
		}
	}
	if b.mode == ModeAuto {
		return Decision{Allowed: true, Scope: ScopeOnce, Key: key}
	}
	if ctx.Err() != nil {
		return b.failure(key, ctx.Err())
	}

	resp, err := b.peer.RequestPermission(ctx, protocol.RequestPermissionRequest{
		SessionID: sessionID,
		ToolCall: protocol.ToolCallRef{
			ToolCallID: req.ToolCallID,
			Title:      req.Title,
			Kind:       req.Kind,
			RawInput:   req.RawInput,
			Locations:  req.Locations,
		},
		Options: OptionsFor(req.Kind),
	})
	if err != nil {
		return b.failure(key, err)
	}

	d := Decision{Key: key, Scope: ScopeNever}
	switch resp.Outcome.Outcome {
	case protocol.OutcomeCancelled:
		d.Cancelled = true
	case protocol.OutcomeSelected:
		switch resp.Outcome.OptionID {
		case OptionAllowOnce:
			d.Allowed, d.Scope = true, ScopeOnce
		case OptionAllowAlways:
			d.Allowed, d.Scope = true, ScopeAlways
		case OptionRejectOnce:
			d.Scope = ScopeOnce
		default:
			d.Err = errors.InvalidParams("unknown permission option %q", resp.Outcome.OptionID)
		}
	default:
		d.Err = errors.InvalidParams("unknown permission outcome %q", resp.Outcome.Outcome)
	}

	switch {
	case d.Scope == ScopeAlways && d.Allowed:
		b.always.Set(key, d)
	case d.Scope == ScopeOnce && req.ToolCallID != "":
		b.transient.Set(transientKey(sessionID, req.ToolCallID), d)
	}
	b.log.Debug().
		Str("session", sessionID).
		Str("kind", string(req.Kind)).
		Str("target", req.Target).
		Bool("allowed", d.Allowed).
		Str("scope", string(d.Scope)).
		Msg("permission decided")
	return d
}

func (b *Broker) failure(key string, err error) Decision {
	rec := errors.Classify(err)
	if rec.Kind == errors.KindCancelled {
		return Decision{Key: key, Scope: ScopeNever, Cancelled: true}
	}
	b.log.Warn().Err(rec).Msg("permission request failed, denying")
	return Decision{Key: key, Scope: ScopeNever, Err: rec}
}

// ClearTransient forgets the per-call answers given during a session's
// turn. "Always" answers survive.
func (b *Broker) ClearTransient(sessionID string) {
	prefix := sessionID + "\x00"
	b.transient.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, prefix) })
}

// ClearSession forgets everything decided for a session.
func (b *Broker) ClearSession(sessionID string) {
	prefix := sessionID + "\x00"
	match := func(k string) bool { return strings.HasPrefix(k, prefix) }
	b.always.DeleteFunc(match)
	b.transient.DeleteFunc(match)
}

// OptionsFor builds the choices offered for a tool kind. Edit and execute
// calls can also be allowed for the rest of the session.
func OptionsFor(kind protocol.ToolKind) []protocol.PermissionOption {
	opts := []protocol.PermissionOption{
		{OptionID: OptionAllowOnce, Name: "Allow once", Kind: protocol.PermissionAllowOnce},
	}
	switch kind {
	case protocol.ToolKindEdit:
		opts = append(opts, protocol.PermissionOption{OptionID: OptionAllowAlways, Name: "Always allow this path", Kind: protocol.PermissionAllowAlways})
	case protocol.ToolKindExecute:
		opts = append(opts, protocol.PermissionOption{OptionID: OptionAllowAlways, Name: "Always allow this command", Kind: protocol.PermissionAllowAlways})
	}
	return append(opts, protocol.PermissionOption{OptionID: OptionRejectOnce, Name: "Reject", Kind: protocol.PermissionRejectOnce})
}

func (d Decision) String() string {
	switch {
	case d.Cancelled:
		return "cancelled"
	case d.Err != nil:
		return fmt.Sprintf("denied: %s", d.Err.Message)
	case d.Allowed:
		return "allowed " + string(d.Scope)
	default:
		return "rejected"
	}
}
