package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/m4xw311/acpbridge/agent"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/permission"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/resolver"
	"github.com/m4xw311/acpbridge/tools"
	"github.com/rs/zerolog"
)

var (
	ErrSessionNotFound = errors.Sentinel("session not found")
	ErrDisposed        = errors.Sentinel("session disposed")
)

type State int

const (
	StateIdle State = iota
	StatePromptInFlight
	StateCancelled
	StateErrored
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePromptInFlight:
		return "prompt_in_flight"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Entry is one history item. User input, resolved files and model text are
// all stored as content blocks.
type Entry struct {
	Role      string                  `json:"role"` // "user", "assistant"
	Content   []protocol.ContentBlock `json:"content"`
	Timestamp time.Time               `json:"timestamp"`
}

// Deps are the collaborators shared by every session of a connection.
type Deps struct {
	Driver   agent.Driver
	Resolver *resolver.Resolver
	Broker   *permission.Broker
	Updates  Updates
	// Store, if set, persists history after every turn.
	Store *Store
	// Recovery, if set, adds a hint to the error text shown for a failed
	// prompt.
	Recovery *errors.Recovery
}

type Options struct {
	// HistoryCap is the most entries kept; trimming keeps the newest 80%.
	HistoryCap int
	// HistoryWindow is how many earlier entries are sent to the model.
	HistoryWindow int
	// MemoryLimitMB triggers trimming when the process heap grows past it.
	MemoryLimitMB int
	FlushInterval time.Duration
	BufferSize    int
	SystemPrompt  string
}

func DefaultOptions() Options {
	return Options{
		HistoryCap:    100,
		HistoryWindow: 20,
		MemoryLimitMB: 512,
		FlushInterval: 50 * time.Millisecond,
		BufferSize:    32,
	}
}

// Session is one conversation. At most one prompt is in flight; a new
// prompt cancels the previous one and waits for it to finish.
type Session struct {
	ID  string
	Cwd string

	deps Deps
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	state    State
	history  []Entry
	tools    []tools.Tool
	files    resolver.Reader
	cancel   context.CancelFunc
	done     chan struct{}
	created  time.Time
	lastUsed time.Time
	closers  []func() error
}

func newSession(id, cwd string, deps Deps, opts Options, ts []tools.Tool) *Session {
	now := time.Now()
	return &Session{
		ID:       id,
		Cwd:      cwd,
		deps:     deps,
		opts:     opts,
		log:      logging.Component("session").With().Str("session", id).Logger(),
		tools:    ts,
		created:  now,
		lastUsed: now,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy reports whether a prompt is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// History returns a copy of the stored entries, oldest first.
func (s *Session) History() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.history...)
}

// SetTools replaces the tools offered to the model from the next turn on.
func (s *Session) SetTools(ts []tools.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = ts
}

// SetFiles routes prompt file references through files, such as an editor
// that can serve unsaved buffers.
func (s *Session) SetFiles(files resolver.Reader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
}

// OnDispose registers a cleanup, such as stopping an MCP server, run when
// the session is disposed.
func (s *Session) OnDispose(fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closers = append(s.closers, fn)
}

func (s *Session) appendEntry(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, e)
}

// Prompt runs one turn. Cancellation is reported as StopCancelled with a nil
// error; any other failure is returned as a classified *errors.Record.
func (s *Session) Prompt(ctx context.Context, blocks []protocol.ContentBlock) (protocol.StopReason, error) {
	for _, b := range blocks {
		if err := b.Validate(); err != nil {
			return "", errors.InvalidParams("invalid prompt: %v", err)
		}
	}

	s.mu.Lock()
	for s.cancel != nil && s.state != StateDisposed {
		cancel, done := s.cancel, s.done
		cancel()
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return protocol.StopCancelled, nil
		}
		s.mu.Lock()
	}
	if s.state == StateDisposed {
		s.mu.Unlock()
		return "", errors.InvalidRequest("session %s is closed", s.ID).WithCause(ErrDisposed)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	s.state = StatePromptInFlight
	s.lastUsed = time.Now()
	s.mu.Unlock()

	stop, err := s.runTurn(turnCtx, blocks)
	s.afterTurn(ctx)

	s.mu.Lock()
	s.cancel, s.done = nil, nil
	if s.state != StateDisposed {
		switch {
		case err != nil:
			s.state = StateErrored
		case stop == protocol.StopCancelled:
			s.state = StateCancelled
		default:
			s.state = StateIdle
		}
	}
	s.lastUsed = time.Now()
	s.mu.Unlock()
	cancel()
	close(done)
	return stop, err
}

// Cancel stops the prompt in flight, if any. It is idempotent.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		s.log.Debug().Msg("cancelling prompt")
		cancel()
	}
}

func (s *Session) runTurn(ctx context.Context, blocks []protocol.ContentBlock) (protocol.StopReason, error) {
	s.mu.Lock()
	files := s.files
	s.mu.Unlock()
	resolved, err := s.deps.Resolver.ResolveReferencesVia(ctx, files, blocks, s.Cwd)
	if err != nil {
		return s.fail(ctx, nil, nil, err)
	}

	s.mu.Lock()
	window := recentEntries(s.history, s.opts.HistoryWindow)
	ts := s.tools
	s.mu.Unlock()

	user := userEntry(resolved)
	s.appendEntry(user)
	prompt := buildPrompt(s.opts.SystemPrompt, window, user)

	em := newEmitter(ctx, s.ID, s.deps.Updates, s.opts.BufferSize, s.opts.FlushInterval)
	outstanding := make(map[string]bool)
	var text []string
	record := func() {
		if len(text) > 0 {
			s.appendEntry(assistantEntry(text))
		}
	}

	events, err := s.deps.Driver.Run(ctx, prompt, agent.Options{SessionID: s.ID, Tools: ts})
	if err != nil {
		return s.fail(ctx, em, outstanding, err)
	}

	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			text = append(text, ev.Text)
			if err := em.Text(ev.Text); err != nil {
				s.log.Warn().Err(err).Msg("failed to send message chunk")
			}
		case agent.EventToolUse:
			s.runTool(ctx, ev.ToolUse, em, outstanding)
		case agent.EventError:
			record()
			drain(events)
			return s.fail(ctx, em, outstanding, ev.Err)
		case agent.EventEndTurn:
			record()
			drain(events)
			s.finish(em, outstanding)
			return ev.StopReason, nil
		}
	}

	record()
	if ctx.Err() != nil {
		return s.fail(ctx, em, outstanding, ctx.Err())
	}
	return s.fail(ctx, em, outstanding, errors.Internal("model stream ended without finishing the turn"))
}

// runTool announces the call, asks for permission, runs it and reports the
// result both to the client and to the driver.
func (s *Session) runTool(ctx context.Context, use *agent.ToolUse, em *emitter, outstanding map[string]bool) {
	inv := use.Invocation
	locations := inv.Locations()
	outstanding[inv.ID] = true
	em.Send(protocol.ToolCallStarted(inv.ID, inv.Title(), inv.Kind(), inv.Args, locations))

	decision := s.deps.Broker.Check(ctx, s.ID, permission.Request{
		ToolCallID: inv.ID,
		Title:      inv.Title(),
		Kind:       inv.Kind(),
		Target:     inv.Target(),
		RawInput:   inv.Args,
		Locations:  locations,
	})
	if !decision.Allowed {
		reason := "Permission denied"
		switch {
		case decision.Cancelled:
			reason = "Cancelled"
		case decision.Err != nil:
			reason = "Permission request failed: " + decision.Err.Message
		}
		em.Send(protocol.ToolCallProgress(inv.ID, protocol.ToolCallFailed, reason))
		delete(outstanding, inv.ID)
		use.Reply <- agent.ToolResult{Denied: true}
		return
	}

	em.Send(protocol.ToolCallProgress(inv.ID, protocol.ToolCallInProgress, ""))
	out, err := inv.Execute(ctx)
	if err != nil {
		s.log.Debug().Err(err).Str("tool", inv.Name()).Msg("tool failed")
		em.Send(protocol.ToolCallProgress(inv.ID, protocol.ToolCallFailed, err.Error()))
	} else {
		em.Send(protocol.ToolCallProgress(inv.ID, protocol.ToolCallCompleted, out))
	}
	delete(outstanding, inv.ID)
	use.Reply <- agent.ToolResult{Output: out, Err: err}
}

// finish ends a turn that completed normally.
func (s *Session) finish(em *emitter, outstanding map[string]bool) {
	s.cleanup(em, outstanding)
}

// fail ends a turn early. Cancellation is not an error: the turn stops with
// StopCancelled.
func (s *Session) fail(ctx context.Context, em *emitter, outstanding map[string]bool, err error) (protocol.StopReason, error) {
	rec := errors.Classify(err)
	if rec.Kind == errors.KindCancelled || errors.Is(ctx.Err(), context.Canceled) {
		s.log.Debug().Msg("prompt cancelled")
		s.cleanup(em, outstanding)
		return protocol.StopCancelled, nil
	}

	s.log.Error().Err(rec).Msg("prompt failed")
	if em == nil {
		em = newEmitter(ctx, s.ID, s.deps.Updates, 1, 0)
	}
	text := fmt.Sprintf("\n\nError: %s", rec.Message)
	if s.deps.Recovery != nil {
		if sug, ok := s.deps.Recovery.Recover(ctx, rec); ok && sug.Hint != "" && sug.Hint != rec.Message {
			s.log.Info().Str("strategy", sug.Strategy).Bool("retry", sug.Retry).Dur("wait", sug.Wait).Msg("recovery suggested")
			text += "\n" + sug.Hint
		}
	}
	em.Text(text)
	s.cleanup(em, outstanding)
	return "", rec
}

func (s *Session) cleanup(em *emitter, outstanding map[string]bool) {
	if em != nil {
		for id := range outstanding {
			em.Send(protocol.ToolCallProgress(id, protocol.ToolCallFailed, "Cancelled"))
		}
		if err := em.Close(); err != nil {
			s.log.Warn().Err(err).Msg("failed to deliver session updates")
		}
	}
	s.deps.Broker.ClearTransient(s.ID)
}

// afterTurn persists the session and enforces the memory limits.
func (s *Session) afterTurn(ctx context.Context) {
	s.enforceLimits()
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.Save(context.WithoutCancel(ctx), s); err != nil {
		s.log.Warn().Err(err).Msg("failed to save session")
	}
}

// dispose cancels any prompt and releases the session's resources. It
// returns once the prompt in flight has finished.
func (s *Session) dispose() {
	s.mu.Lock()
	if s.state == StateDisposed {
		s.mu.Unlock()
		return
	}
	s.state = StateDisposed
	cancel, done := s.cancel, s.done
	closers := s.closers
	s.closers = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, fn := range closers {
		if err := fn(); err != nil {
			s.log.Warn().Err(err).Msg("cleanup failed")
		}
	}
	s.deps.Broker.ClearSession(s.ID)
	s.log.Debug().Msg("session disposed")
}

func drain(events <-chan agent.Event) {
	go func() {
		for range events {
		}
	}()
}
