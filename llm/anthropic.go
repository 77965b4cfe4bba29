package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/tools"
)

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.AuthRequired("set ANTHROPIC_API_KEY")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		// retries are driven by the bridge's retry policy
		option.WithMaxRetries(0),
	)

	return &AnthropicLLMClient{
		client: &client,
		model:  modelName,
	}, nil
}

// Chat sends a chat request to the Anthropic API.
func (a *AnthropicLLMClient) Chat(ctx context.Context, messages []Message, availableTools []tools.Tool) (*Message, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	for _, toolParam := range convertToolsToAnthropicTools(availableTools) {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			var header map[string][]string
			if apierr.Response != nil {
				header = apierr.Response.Header
			}
			return nil, statusError("anthropic", apierr.StatusCode, header, err)
		}
		return nil, providerError("anthropic", err)
	}
	return processAnthropicResponse(resp)
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []Message) ([]anthropic.MessageParam, string) {
	log := logging.Component("llm")
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			var contentItems []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				})
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					log.Warn().Err(err).Str("tool", tc.Name).Msg("could not marshal tool call arguments, skipping")
					continue
				}
				contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ToolCallID,
						Name:  tc.Name,
						Input: json.RawMessage(argsBytes),
					}})
			}
			if len(contentItems) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: contentItems,
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleUser,
					Content: []anthropic.ContentBlockParamUnion{{
						OfToolResult: &anthropic.ToolResultBlockParam{
							ToolUseID: msg.ToolCalls[0].ToolCallID,
							Content: []anthropic.ToolResultBlockParamContentUnion{{
								OfText: &anthropic.TextBlockParam{Text: msg.Content},
							}},
						},
					}},
				})
			}
		case "system":
			// the last system message wins
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}

// convertToolsToAnthropicTools converts our Tool interface to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}

	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		schema := tools.SchemaOf(t)
		input := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
		if req, ok := schema["required"].([]string); ok {
			input.Required = req
		}
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: input,
		})
	}
	return anthropicTools
}

// processAnthropicResponse converts an Anthropic API response into a Message.
func processAnthropicResponse(resp *anthropic.Message) (*Message, error) {
	out := &Message{Role: "assistant"}
	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal tool call input")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ToolCallID: c.ID,
				Name:       c.Name,
				Args:       args,
			})
		}
	}
	return out, nil
}
