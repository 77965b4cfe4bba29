package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/llm"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/tools"
)

// DefaultMaxSteps bounds the model round trips of one turn.
const DefaultMaxSteps = 25

type EventType int

const (
	EventText EventType = iota
	EventToolUse
	EventError
	EventEndTurn
)

func (t EventType) String() string {
	switch t {
	case EventText:
		return "text"
	case EventToolUse:
		return "tool_use"
	case EventError:
		return "error"
	case EventEndTurn:
		return "end_turn"
	}
	return fmt.Sprintf("EventType(%d)", int(t))
}

// Event is one step of a turn. Exactly one of Text, ToolUse, Err or
// StopReason is meaningful, selected by Type.
type Event struct {
	Type       EventType
	Text       string
	ToolUse    *ToolUse
	Err        error
	StopReason protocol.StopReason
}

// ToolUse asks the consumer to run a tool call. The driver waits for exactly
// one ToolResult on Reply before continuing.
type ToolUse struct {
	tools.Invocation
	Reply chan<- ToolResult
}

// ToolResult is the consumer's answer to a ToolUse.
type ToolResult struct {
	Output string
	Err    error
	// Denied is set when permission was refused and the tool never ran.
	Denied bool
}

// String renders the result the way the model sees it.
func (r ToolResult) String() string {
	switch {
	case r.Denied:
		return "Error: permission to run this tool was denied by the user"
	case r.Err != nil:
		return fmt.Sprintf("Error: %v", r.Err)
	}
	return r.Output
}

// Options configures one Run.
type Options struct {
	SessionID string
	Tools     []tools.Tool
}

// Driver turns a prompt into a finite stream of events. The channel is
// closed after EndTurn, after Error, or as soon as ctx is done.
type Driver interface {
	Run(ctx context.Context, prompt []llm.Message, opts Options) (<-chan Event, error)
}

// LLMDriver runs the model/tool loop: it calls the model, hands every tool
// call to the consumer, feeds the results back and repeats until the model
// answers without tool calls.
type LLMDriver struct {
	Client   llm.LLMClient
	Retry    errors.RetryPolicy
	MaxSteps int
}

func NewLLMDriver(client llm.LLMClient, maxSteps int) *LLMDriver {
	return &LLMDriver{Client: client, Retry: errors.DefaultRetryPolicy(), MaxSteps: maxSteps}
}

func (d *LLMDriver) Run(ctx context.Context, prompt []llm.Message, opts Options) (<-chan Event, error) {
	if d.Client == nil {
		return nil, errors.Internal("no model client configured")
	}
	if len(prompt) == 0 {
		return nil, errors.InvalidParams("empty prompt")
	}
	events := make(chan Event)
	go d.loop(ctx, append([]llm.Message(nil), prompt...), opts, events)
	return events, nil
}

func (d *LLMDriver) loop(ctx context.Context, messages []llm.Message, opts Options, events chan<- Event) {
	defer close(events)
	log := logging.Component("agent").With().Str("session", opts.SessionID).Logger()

	send := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	byName := make(map[string]tools.Tool, len(opts.Tools))
	for _, t := range opts.Tools {
		byName[t.Name()] = t
	}

	retry := d.Retry
	retry.Notify = func(rec *errors.Record, wait time.Duration, attempt int) {
		log.Warn().Err(rec).Dur("wait", wait).Int("attempt", attempt).Msg("model call failed, retrying")
	}

	maxSteps := d.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	for step := 0; step < maxSteps; step++ {
		var resp *llm.Message
		err := retry.Execute(ctx, func(ctx context.Context) error {
			r, err := d.Client.Chat(ctx, messages, opts.Tools)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if err != nil {
			if ctx.Err() == nil {
				send(Event{Type: EventError, Err: err})
			}
			return
		}

		if resp.Content != "" {
			if !send(Event{Type: EventText, Text: resp.Content}) {
				return
			}
		}
		for i := range resp.ToolCalls {
			if resp.ToolCalls[i].ToolCallID == "" {
				resp.ToolCalls[i].ToolCallID = "call_" + uuid.NewString()
			}
		}
		messages = append(messages, *resp)
		if len(resp.ToolCalls) == 0 {
			send(Event{Type: EventEndTurn, StopReason: protocol.StopEndTurn})
			return
		}

		for _, tc := range resp.ToolCalls {
			var result ToolResult
			tool, ok := byName[tc.Name]
			if !ok {
				log.Warn().Str("tool", tc.Name).Msg("model requested an unavailable tool")
				result.Err = errors.New("tool '%s' is not available", tc.Name)
			} else {
				reply := make(chan ToolResult, 1)
				use := &ToolUse{
					Invocation: tools.Invocation{ID: tc.ToolCallID, Tool: tool, Args: tc.Args},
					Reply:      reply,
				}
				if !send(Event{Type: EventToolUse, ToolUse: use}) {
					return
				}
				select {
				case result = <-reply:
				case <-ctx.Done():
					return
				}
			}
			messages = append(messages, llm.Message{
				Role:      "tool",
				Content:   result.String(),
				ToolCalls: []llm.ToolCall{{ToolCallID: tc.ToolCallID, Name: tc.Name}},
			})
		}
	}

	log.Info().Int("steps", maxSteps).Msg("turn reached the step limit")
	send(Event{Type: EventEndTurn, StopReason: protocol.StopMaxTurnRequests})
}
