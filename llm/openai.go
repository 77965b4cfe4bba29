package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/logging"
	"github.com/m4xw311/acpbridge/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string) (*OpenAILLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.AuthRequired("set OPENAI_API_KEY")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	// NewClient returns a value; the methods hang off a pointer to it
	c := openai.NewClient(options...)
	return &OpenAILLMClient{client: &c, model: modelName}, nil
}

// Chat sends a chat request to OpenAI and converts the response into a Message.
func (o *OpenAILLMClient) Chat(ctx context.Context, messages []Message, availableTools []tools.Tool) (*Message, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(messages),
		Tools:    convertToolsToOpenAITools(availableTools),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) {
			var header map[string][]string
			if apierr.Response != nil {
				header = apierr.Response.Header
			}
			return nil, statusError("openai", apierr.StatusCode, header, err)
		}
		return nil, providerError("openai", err)
	}

	return processOpenaiResponse(resp)
}

func processOpenaiResponse(resp *openai.ChatCompletion) (*Message, error) {
	if len(resp.Choices) == 0 {
		return &Message{Role: "assistant"}, nil
	}

	choice := resp.Choices[0].Message
	out := &Message{Role: "assistant", Content: choice.Content}
	for _, tc := range choice.ToolCalls {
		var toolArgs map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
				return nil, errors.Wrapf(err, "failed to unmarshal function call arguments from OpenAI")
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Args:       toolArgs,
		})
	}
	return out, nil
}

func convertMessagesToOpenaiContent(messages []Message) []openai.ChatCompletionMessageParamUnion {
	log := logging.Component("llm")
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case "assistant":
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				argsBytes, err := json.Marshal(tc.Args)
				if err != nil {
					log.Warn().Err(err).Str("tool", tc.Name).Msg("could not marshal tool call arguments, skipping")
					continue
				}
				assistantMessage.ToolCalls = append(assistantMessage.ToolCalls, openai.ChatCompletionMessageToolCallUnion{
					ID:   tc.ToolCallID,
					Type: "function",
					Function: openai.ChatCompletionMessageFunctionToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case "tool":
			if len(msg.ToolCalls) != 1 {
				log.Warn().Int("tool_calls", len(msg.ToolCalls)).Msg("malformed tool message, skipping")
				continue
			}
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCalls[0].ToolCallID))
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		openAITools = append(openAITools, openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  openai.FunctionParameters(tools.SchemaOf(t)),
		}))
	}
	return openAITools
}
