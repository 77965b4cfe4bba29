package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/google/uuid"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/tools"
)

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRetryMaxAttempts(1))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.Region = region
		// BEDROCK_ENDPOINT_URL points the client at a local stand-in
		if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return &BedrockLLMClient{
		client:  client,
		modelID: modelID,
		region:  region,
	}, nil
}

// Chat sends a chat request to the Anthropic model via AWS Bedrock.
func (b *BedrockLLMClient) Chat(ctx context.Context, messages []Message, availableTools []tools.Tool) (*Message, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicFormat(messages)

	requestBody, err := createAnthropicRequest(anthropicMessages, systemPrompt, availableTools)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		return nil, providerError("bedrock", err)
	}

	return processBedrockResponse(resp.Body)
}

func textContent(text string) []map[string]interface{} {
	return []map[string]interface{}{{"type": "text", "text": text}}
}

// convertMessagesToAnthropicFormat converts the conversation to the
// Messages API body Bedrock expects for Anthropic models.
func convertMessagesToAnthropicFormat(messages []Message) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemPrompt = msg.Content
		case "user":
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role":    "user",
				"content": textContent(msg.Content),
			})
		case "assistant":
			var content []map[string]interface{}
			if msg.Content != "" {
				content = textContent(msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]interface{}{}
				}
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ToolCallID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(content) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "assistant",
					"content": content,
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role": "user",
					"content": []map[string]interface{}{{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCalls[0].ToolCallID,
						"content":     msg.Content,
					}},
				})
			}
		}
	}

	return anthropicMessages, systemPrompt
}

func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, availableTools []tools.Tool) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(availableTools) > 0 {
		var defs []map[string]interface{}
		for _, tool := range availableTools {
			defs = append(defs, map[string]interface{}{
				"name":         tool.Name(),
				"description":  tool.Description(),
				"input_schema": tools.SchemaOf(tool),
			})
		}
		request["tools"] = defs
	}

	return json.Marshal(request)
}

type bedrockResponse struct {
	Error   interface{} `json:"error"`
	Content []struct {
		Type  string                 `json:"type"`
		Text  string                 `json:"text"`
		ID    string                 `json:"id"`
		Name  string                 `json:"name"`
		Input map[string]interface{} `json:"input"`
	} `json:"content"`
}

func processBedrockResponse(body []byte) (*Message, error) {
	var response bedrockResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal Bedrock response")
	}
	if response.Error != nil {
		return nil, errors.New("Bedrock API error: %v", response.Error)
	}

	out := &Message{Role: "assistant"}
	for _, item := range response.Content {
		switch item.Type {
		case "text":
			out.Content += item.Text
		case "tool_use":
			if item.Name == "" {
				continue
			}
			id := item.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ToolCallID: id,
				Name:       item.Name,
				Args:       item.Input,
			})
		}
	}
	return out, nil
}
