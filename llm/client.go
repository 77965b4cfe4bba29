package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/tools"
)

// Message is one entry of the conversation sent to a model.
type Message struct {
	Role      string     `json:"role"` // "system", "user", "assistant", "tool"
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a model's request to run a tool. On a "tool" message it names
// the call the content answers.
type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
}

// LLMClient is the interface for interacting with a Large Language Model.
type LLMClient interface {
	Chat(ctx context.Context, messages []Message, availableTools []tools.Tool) (*Message, error)
}

// New returns the client for a provider name as used in the llm config key.
func New(ctx context.Context, provider, model string) (LLMClient, error) {
	switch strings.ToLower(provider) {
	case "anthropic":
		return NewAnthropicLLMClient(ctx, model)
	case "openai":
		return NewOpenAILLMClient(ctx, model)
	case "gemini":
		return NewGeminiLLMClient(ctx, model)
	case "bedrock":
		return NewBedrockLLMClient(ctx, model)
	case "mock", "":
		return &MockLLMClient{}, nil
	default:
		return nil, errors.New("unknown llm provider %q", provider)
	}
}

// MockLLMClient replays Responses in order and records every request. Once
// the script runs out it parrots the last user message.
type MockLLMClient struct {
	mu        sync.Mutex
	Responses []*Message
	// Errors, when set, is returned for the call with the same index instead
	// of a response.
	Errors []error
	Calls  [][]Message
}

func (m *MockLLMClient) Chat(ctx context.Context, messages []Message, availableTools []tools.Tool) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.Calls)
	m.Calls = append(m.Calls, append([]Message(nil), messages...))
	if n < len(m.Errors) && m.Errors[n] != nil {
		return nil, m.Errors[n]
	}
	if n < len(m.Responses) {
		resp := *m.Responses[n]
		return &resp, nil
	}

	var lastUserMessage string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUserMessage = messages[i].Content
			break
		}
	}
	return &Message{
		Role:    "assistant",
		Content: fmt.Sprintf("I am a mock LLM. You said: '%s'.", lastUserMessage),
	}, nil
}

// CallCount reports how many times Chat was called.
func (m *MockLLMClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// statusError turns a provider HTTP failure into a classified record so the
// retry policy can tell rate limits and outages from bad requests.
func statusError(provider string, status int, header http.Header, err error) error {
	rec := errors.FromHTTPStatus(status, errors.ParseRetryAfter(header), err)
	rec.Message = provider + ": " + rec.Message
	return rec
}

// providerError classifies err when it carries an HTTP status, and wraps it
// otherwise.
func providerError(provider string, err error) error {
	if ctxErr := contextError(err); ctxErr != nil {
		return ctxErr
	}
	var awsErr interface{ HTTPStatusCode() int }
	if errors.As(err, &awsErr) && awsErr.HTTPStatusCode() != 0 {
		return statusError(provider, awsErr.HTTPStatusCode(), nil, err)
	}
	var grpcErr interface{ HTTPCode() int }
	if errors.As(err, &grpcErr) && grpcErr.HTTPCode() > 0 {
		return statusError(provider, grpcErr.HTTPCode(), nil, err)
	}
	return errors.Wrapf(err, "failed to send message to %s", provider)
}

func contextError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return errors.Classify(err)
	}
	return nil
}
