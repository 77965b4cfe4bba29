package llm

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockReplaysScriptThenParrots(t *testing.T) {
	boom := errors.Transient("connection reset")
	m := &MockLLMClient{
		Responses: []*Message{nil, {Role: "assistant", Content: "scripted"}},
		Errors:    []error{boom},
	}
	ctx := context.Background()
	history := []Message{{Role: "user", Content: "hi"}}

	_, err := m.Chat(ctx, history, nil)
	assert.Same(t, boom, err)

	resp, err := m.Chat(ctx, history, nil)
	require.NoError(t, err)
	assert.Equal(t, "scripted", resp.Content)

	resp, err = m.Chat(ctx, history, nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "You said: 'hi'")
	assert.Equal(t, 3, m.CallCount())
}

func TestMockHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&MockLLMClient{}).Chat(ctx, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewProvider(t *testing.T) {
	c, err := New(context.Background(), "", "")
	require.NoError(t, err)
	assert.IsType(t, &MockLLMClient{}, c)

	_, err = New(context.Background(), "nope", "x")
	assert.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "")
	_, err = New(context.Background(), "openai", "gpt")
	assert.Equal(t, errors.KindAuthRequired, errors.Classify(err).Kind)
}

func TestStatusError(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "2")
	err := statusError("openai", http.StatusTooManyRequests, h, errors.New("429"))
	rec := errors.Classify(err)
	assert.Equal(t, errors.KindRateLimited, rec.Kind)
	assert.True(t, rec.Retryable)
	assert.Equal(t, 2*time.Second, rec.RetryAfter())
	assert.Contains(t, rec.Error(), "openai")

	rec = errors.Classify(statusError("anthropic", http.StatusUnauthorized, nil, errors.New("401")))
	assert.Equal(t, errors.KindAuthRequired, rec.Kind)
}

type awsLike struct{ code int }

func (e awsLike) Error() string       { return "aws failure" }
func (e awsLike) HTTPStatusCode() int { return e.code }

func TestProviderError(t *testing.T) {
	rec := errors.Classify(providerError("bedrock", awsLike{503}))
	assert.True(t, rec.Retryable)

	rec = errors.Classify(providerError("bedrock", context.Canceled))
	assert.Equal(t, errors.KindCancelled, rec.Kind)

	err := providerError("gemini", errors.New("odd"))
	assert.Contains(t, err.Error(), "gemini")
}
