package llm

import (
	"context"
	"os"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"github.com/m4xw311/acpbridge/errors"
	"github.com/m4xw311/acpbridge/tools"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	model *genai.GenerativeModel
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.AuthRequired("set GEMINI_API_KEY")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiLLMClient{model: client.GenerativeModel(modelName)}, nil
}

// Chat sends a chat request to the Gemini API. Function calls come back as
// tool calls for the caller to run.
func (g *GeminiLLMClient) Chat(ctx context.Context, messages []Message, availableTools []tools.Tool) (*Message, error) {
	history, system := convertMessagesToGeminiContent(messages)
	if len(history) == 0 {
		return nil, errors.InvalidParams("no messages to send")
	}

	g.model.Tools = convertToolsToGeminiTools(availableTools)
	g.model.SystemInstruction = nil
	if system != "" {
		g.model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	last := history[len(history)-1]
	chatSession := g.model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, last.Parts...)
	if err != nil {
		return nil, providerError("gemini", err)
	}

	return processGeminiResponse(resp)
}

// convertMessagesToGeminiContent converts the conversation to Gemini
// contents. Tool results become function responses on a user turn, matched
// to the call by tool name.
func convertMessagesToGeminiContent(messages []Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var system string
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = msg.Content
		case "assistant":
			c := &genai.Content{Role: "model"}
			if msg.Content != "" {
				c.Parts = append(c.Parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				c.Parts = append(c.Parts, genai.FunctionCall{
					Name: tc.Name,
					Args: map[string]any{"args": tc.Args},
				})
			}
			if len(c.Parts) > 0 {
				contents = append(contents, c)
			}
		case "tool":
			if len(msg.ToolCalls) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolCalls[0].Name,
					Response: map[string]any{"result": msg.Content},
				}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents, system
}

// convertToolsToGeminiTools declares every tool with its arguments nested
// under a single "args" object.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		funcDecls = append(funcDecls, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"args": {
						Type:        genai.TypeObject,
						Description: "Arguments for the function call, as a map.",
					},
				},
				Required: []string{"args"},
			},
		})
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

func processGeminiResponse(resp *genai.GenerateContentResponse) (*Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.Transient("received an empty response from Gemini")
	}

	out := &Message{Role: "assistant"}
	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			out.Content += string(v)
		case genai.FunctionCall:
			args, _ := v.Args["args"].(map[string]interface{})
			if args == nil {
				args = v.Args
			}
			// Gemini function calls carry no id
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ToolCallID: "call_" + uuid.NewString(),
				Name:       v.Name,
				Args:       args,
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	return out, nil
}
